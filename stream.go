package rendezvous

import (
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/rendezvous/pkg/frame"
	"github.com/raskyld/rendezvous/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

// StreamMode is announced by the init frame opening every stream.
type StreamMode uint8

const (
	StreamModeUnspecified StreamMode = iota
	// StreamModeGossip carries a memberlist stream.
	StreamModeGossip
	// StreamModeCtrl carries one coordination call and its response.
	StreamModeCtrl
	// StreamModeMsg carries one transport message.
	StreamModeMsg
	// StreamModeRead carries a read request and the bytes of the region.
	StreamModeRead
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeGossip:
		return "gossip"
	case StreamModeCtrl:
		return "ctrl"
	case StreamModeMsg:
		return "msg"
	case StreamModeRead:
		return "read"
	default:
		return "unspecified"
	}
}

const maxInitFrameSize = 64

// initFrame is the first frame of every stream.
type initFrame struct {
	mode    StreamMode
	machine transport.MachineID
}

func (f *initFrame) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.mode))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.machine)))
}

func readInitFrame(r io.Reader) (initFrame, error) {
	var f initFrame
	buf, err := frame.ReadLimit(r, maxInitFrameSize)
	if err != nil {
		return f, err
	}

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		} else {
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			switch num {
			case 1:
				f.mode = StreamMode(v)
			case 2:
				f.machine = transport.MachineID(protowire.DecodeZigZag(v))
			}
		}
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return f, nil
}

// readRequest asks for the first size bytes of a registered region.
type readRequest struct {
	mem  transport.MemHandle
	size uint64
}

func (r *readRequest) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.mem))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, r.size)
}

func unmarshalReadRequest(buf []byte) (readRequest, error) {
	var r readRequest
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 || typ != protowire.VarintType {
			return r, fmt.Errorf("%w: malformed read request", ErrProtocolViolation)
		}
		buf = buf[n:]
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return r, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case 1:
			r.mem = transport.MemHandle(v)
		case 2:
			r.size = v
		}
	}
	return r, nil
}

// streamWrapper makes a QUIC stream usable as a [net.Conn] by memberlist.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB(raskyld): go-quic syncs Write/Close/Read with a mutex internally,
	// so we don't guard the stream ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		gs.Close()
	}
}
