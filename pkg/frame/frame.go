// Package frame implements the varint length-prefixed framing used on every
// stream of the rendezvous protocol.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxSize is the largest frame accepted by [Read] when no explicit limit
// is given. Bulk memory is not framed, so this only bounds control messages.
const MaxSize = 16 << 20

var (
	ErrTooLarge  = errors.New("frame: frame is too large")
	ErrMalformed = errors.New("frame: malformed length prefix")
)

// Append appends buf prefixed with its varint-encoded length to dst.
func Append(dst, buf []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(buf)))
	return append(dst, buf...)
}

// Write writes buf as a single frame.
func Write(w io.Writer, buf []byte) error {
	prefixed := Append(make([]byte, 0, binary.MaxVarintLen64+len(buf)), buf)
	_, err := w.Write(prefixed)
	return err
}

// Read reads a single frame of at most [MaxSize] bytes.
func Read(r io.Reader) ([]byte, error) {
	return ReadLimit(r, MaxSize)
}

// ReadLimit reads a single frame, failing with [ErrTooLarge] if the announced
// length exceeds limit.
func ReadLimit(r io.Reader, limit int) ([]byte, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	one := make([]byte, 1)
	for {
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, ErrMalformed
		}
		m, err := r.Read(one)
		if m == 1 {
			prefix = append(prefix, one[0])
			if one[0] < 0x80 {
				break
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes announced, limit is %d", ErrTooLarge, size, limit)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
