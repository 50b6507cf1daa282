package ctrl

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the call encoding. They follow the protobuf wire format
// so that calls stay decodable by any protobuf tooling.
const (
	fieldReqMethod protowire.Number = 1
	fieldReqName   protowire.Number = 2
	fieldReqKey    protowire.Number = 3
	fieldReqValue  protowire.Number = 4
	fieldReqAddr   protowire.Number = 5
	fieldReqCount  protowire.Number = 6
	fieldReqDelta  protowire.Number = 7
	fieldReqEvent  protowire.Number = 8

	fieldRespResult protowire.Number = 1
	fieldRespValue  protowire.Number = 2
	fieldRespCount  protowire.Number = 3
)

// MarshalRequest encodes req in protobuf wire format.
func MarshalRequest(req *Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReqMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Method))
	if req.Name != "" {
		b = protowire.AppendTag(b, fieldReqName, protowire.BytesType)
		b = protowire.AppendString(b, req.Name)
	}
	if req.Key != "" {
		b = protowire.AppendTag(b, fieldReqKey, protowire.BytesType)
		b = protowire.AppendString(b, req.Key)
	}
	if req.Value != nil {
		b = protowire.AppendTag(b, fieldReqValue, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Value)
	}
	if req.Addr != "" {
		b = protowire.AppendTag(b, fieldReqAddr, protowire.BytesType)
		b = protowire.AppendString(b, req.Addr)
	}
	if req.Count != 0 {
		b = protowire.AppendTag(b, fieldReqCount, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(req.Count)))
	}
	if req.Delta != 0 {
		b = protowire.AppendTag(b, fieldReqDelta, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(req.Delta))
	}
	if req.Event != nil {
		b = protowire.AppendTag(b, fieldReqEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Event)
	}
	return b
}

// UnmarshalRequest decodes a request produced by [MarshalRequest]. Unknown
// fields are skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	req := &Request{}
	var badCount bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldReqMethod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.Method = Method(v)
			return n
		case num == fieldReqName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Name = v
			return n
		case num == fieldReqKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Key = v
			return n
		case num == fieldReqValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.Value = append([]byte{}, v...)
			return n
		case num == fieldReqAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Addr = v
			return n
		case num == fieldReqCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			count := protowire.DecodeZigZag(v)
			if count < math.MinInt32 || count > math.MaxInt32 {
				badCount = true
			}
			req.Count = int32(count)
			return n
		case num == fieldReqDelta && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.Delta = protowire.DecodeZigZag(v)
			return n
		case num == fieldReqEvent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.Event = append([]byte{}, v...)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	if badCount {
		return nil, fmt.Errorf("%w: count out of range", ErrMalformedCall)
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, req.Method)
	}
	return req, nil
}

// MarshalResponse encodes resp in protobuf wire format.
func MarshalResponse(resp *Response) []byte {
	var b []byte
	if resp.Result != LockResultUnspecified {
		b = protowire.AppendTag(b, fieldRespResult, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(resp.Result))
	}
	if resp.Value != nil {
		b = protowire.AppendTag(b, fieldRespValue, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Value)
	}
	if resp.Count != 0 {
		b = protowire.AppendTag(b, fieldRespCount, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(resp.Count))
	}
	return b
}

func UnmarshalResponse(b []byte) (*Response, error) {
	resp := &Response{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldRespResult && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.Result = LockResult(v)
			return n
		case num == fieldRespValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			resp.Value = append([]byte{}, v...)
			return n
		case num == fieldRespCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.Count = protowire.DecodeZigZag(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedCall, err)
		}
		b = b[n:]

		n = field(num, typ, b)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedCall, num, err)
		}
		b = b[n:]
	}
	return nil
}
