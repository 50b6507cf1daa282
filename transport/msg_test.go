package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMsg_Codec(t *testing.T) {
	msg := Msg{
		Kind:       MsgKindSend,
		Token:      1 << 60,
		SrcMachine: 2,
		DstMachine: 0,
		Size:       4096,
		SrcMem:     17,
	}
	decoded, err := UnmarshalMsg(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, msg, decoded)

	ack := Msg{Kind: MsgKindAck, Token: 3, SrcMachine: 0, DstMachine: 1, Size: 8}
	decoded, err = UnmarshalMsg(ack.Marshal())
	require.NoError(t, err)
	require.Equal(t, ack, decoded)
}

func TestMsg_Rejects(t *testing.T) {
	_, err := UnmarshalMsg(nil)
	require.ErrorIs(t, err, ErrMalformedMsg)

	msg := Msg{Kind: MsgKindSend, Token: 9, Size: 300, SrcMem: 1}
	buf := msg.Marshal()
	_, err = UnmarshalMsg(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrMalformedMsg)
}
