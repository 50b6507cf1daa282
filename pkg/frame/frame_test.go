package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrames(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, Write(&stream, []byte("hello")))
	require.NoError(t, Write(&stream, nil))
	require.NoError(t, Write(&stream, bytes.Repeat([]byte{0xAB}, 300)))

	buf, err := Read(&stream)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	buf, err = Read(&stream)
	require.NoError(t, err)
	require.Empty(t, buf)

	buf, err = Read(&stream)
	require.NoError(t, err)
	require.Len(t, buf, 300)

	_, err = Read(&stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadLimit(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, Write(&stream, make([]byte, 64)))

	_, err := ReadLimit(&stream, 32)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestTruncatedFrame(t *testing.T) {
	buf := protowire.AppendVarint(nil, 10)
	buf = append(buf, "abc"...)

	_, err := Read(bytes.NewReader(buf))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = Read(bytes.NewReader([]byte{0x80}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMalformedPrefix(t *testing.T) {
	_, err := Read(bytes.NewReader(bytes.Repeat([]byte{0xFF}, 11)))
	require.ErrorIs(t, err, ErrMalformed)
}
