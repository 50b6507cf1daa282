package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Token correlates one Send with one Receive.
type Token uint64

// MachineID identifies a machine of the job.
type MachineID int64

// MemHandle references a memory region registered on a [CommNet].
type MemHandle uint64

type MsgKind uint8

const (
	MsgKindUnspecified MsgKind = iota
	// MsgKindSend announces to the destination that the source memory is
	// ready to be read.
	MsgKindSend
	// MsgKindAck tells the source that the destination consumed its memory.
	MsgKindAck
)

func (k MsgKind) String() string {
	switch k {
	case MsgKindSend:
		return "send"
	case MsgKindAck:
		return "ack"
	default:
		return "unspecified"
	}
}

// Msg is exchanged between the transports of two machines.
type Msg struct {
	Kind       MsgKind
	Token      Token
	SrcMachine MachineID
	DstMachine MachineID
	Size       uint64
	SrcMem     MemHandle
}

const (
	fieldMsgKind       protowire.Number = 1
	fieldMsgToken      protowire.Number = 2
	fieldMsgSrcMachine protowire.Number = 3
	fieldMsgDstMachine protowire.Number = 4
	fieldMsgSize       protowire.Number = 5
	fieldMsgSrcMem     protowire.Number = 6
)

// Marshal encodes msg in protobuf wire format.
func (msg *Msg) Marshal() []byte {
	b := make([]byte, 0, 48)
	b = protowire.AppendTag(b, fieldMsgKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	b = protowire.AppendTag(b, fieldMsgToken, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(msg.Token))
	b = protowire.AppendTag(b, fieldMsgSrcMachine, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.SrcMachine)))
	b = protowire.AppendTag(b, fieldMsgDstMachine, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.DstMachine)))
	b = protowire.AppendTag(b, fieldMsgSize, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.Size)
	if msg.SrcMem != 0 {
		b = protowire.AppendTag(b, fieldMsgSrcMem, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.SrcMem))
	}
	return b
}

// UnmarshalMsg decodes a message produced by [Msg.Marshal].
func UnmarshalMsg(b []byte) (Msg, error) {
	var msg Msg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return msg, fmt.Errorf("%w: %w", ErrMalformedMsg, err)
		}
		b = b[n:]

		switch {
		case num == fieldMsgToken && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			msg.Token = Token(v)
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldMsgKind:
				msg.Kind = MsgKind(v)
			case fieldMsgSrcMachine:
				msg.SrcMachine = MachineID(protowire.DecodeZigZag(v))
			case fieldMsgDstMachine:
				msg.DstMachine = MachineID(protowire.DecodeZigZag(v))
			case fieldMsgSize:
				msg.Size = v
			case fieldMsgSrcMem:
				msg.SrcMem = MemHandle(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if err := protowire.ParseError(n); err != nil {
			return msg, fmt.Errorf("%w: field %d: %w", ErrMalformedMsg, num, err)
		}
		b = b[n:]
	}

	if msg.Kind != MsgKindSend && msg.Kind != MsgKindAck {
		return msg, fmt.Errorf("%w: kind %d", ErrMalformedMsg, msg.Kind)
	}
	return msg, nil
}
