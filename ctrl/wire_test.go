package ctrl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWire_Request(t *testing.T) {
	req := &Request{
		Method: MethodIncreaseCount,
		Key:    "steps",
		Delta:  -3,
	}
	decoded, err := UnmarshalRequest(MarshalRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	barrier := &Request{Method: MethodBarrier, Name: "epoch", Count: 16}
	decoded, err = UnmarshalRequest(MarshalRequest(barrier))
	require.NoError(t, err)
	require.Equal(t, barrier, decoded)
}

func TestWire_SkipsUnknownFields(t *testing.T) {
	buf := MarshalRequest(&Request{Method: MethodPullKV, Key: "k"})
	buf = protowire.AppendTag(buf, 99, protowire.BytesType)
	buf = protowire.AppendString(buf, "from a newer peer")

	decoded, err := UnmarshalRequest(buf)
	require.NoError(t, err)
	require.Equal(t, "k", decoded.Key)
}

func TestWire_Rejects(t *testing.T) {
	_, err := UnmarshalRequest(nil)
	require.ErrorIs(t, err, ErrUnknownMethod)

	buf := MarshalRequest(&Request{Method: MethodPushKV, Key: "k", Value: []byte("value")})
	_, err = UnmarshalRequest(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrMalformedCall)
}

func TestWire_RejectsOversizedCount(t *testing.T) {
	// 1<<32 + 2 would wrap to a valid count of 2.
	buf := MarshalRequest(&Request{Method: MethodBarrier, Name: "epoch"})
	buf = protowire.AppendTag(buf, fieldReqCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(1<<32+2))

	_, err := UnmarshalRequest(buf)
	require.ErrorIs(t, err, ErrMalformedCall)

	buf = MarshalRequest(&Request{Method: MethodBarrier, Name: "epoch"})
	buf = protowire.AppendTag(buf, fieldReqCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(math.MinInt32))
	decoded, err := UnmarshalRequest(buf)
	require.NoError(t, err)
	require.Equal(t, int32(math.MinInt32), decoded.Count)
}

func TestWire_Response(t *testing.T) {
	resp := &Response{Result: LockResultDoing, Value: []byte("v"), Count: -12}
	decoded, err := UnmarshalResponse(MarshalResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp, decoded)

	empty, err := UnmarshalResponse(nil)
	require.NoError(t, err)
	require.Equal(t, &Response{}, empty)
}
