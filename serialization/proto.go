package serialization

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary wire format. They must never be reused.
const (
	reqFieldID            protowire.Number = 1
	reqFieldDestination   protowire.Number = 2
	reqFieldSource        protowire.Number = 3
	reqFieldType          protowire.Number = 4
	reqFieldPayload       protowire.Number = 5
	reqFieldTimestamp     protowire.Number = 6
	reqFieldCorrelationID protowire.Number = 7

	respFieldRequestID     protowire.Number = 1
	respFieldOrigin        protowire.Number = 2
	respFieldResponseType  protowire.Number = 3
	respFieldResponseRoute protowire.Number = 4
	respFieldSuccess       protowire.Number = 5
	respFieldPayload       protowire.Number = 6
	respFieldTimestamp     protowire.Number = 7
	respFieldCorrelationID protowire.Number = 8
)

// ProtoCodec encodes messages in the protocol buffers wire format without
// generated types. Zero values are omitted and unknown fields are skipped,
// so both ends can add fields independently.
type ProtoCodec struct{}

// Name implements Codec
func (ProtoCodec) Name() string { return "protobuf" }

// ContentType implements Codec
func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

// Encode implements Codec
func (ProtoCodec) Encode(msg contracts.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *contracts.Request:
		var b []byte
		b = appendString(b, reqFieldID, m.ID)
		b = appendString(b, reqFieldDestination, m.Destination)
		b = appendString(b, reqFieldSource, m.Source)
		b = appendString(b, reqFieldType, m.Type)
		b = appendBytes(b, reqFieldPayload, m.Payload)
		b = appendTime(b, reqFieldTimestamp, m.Timestamp)
		b = appendString(b, reqFieldCorrelationID, m.CorrelationID)
		return b, nil
	case *contracts.Response:
		var b []byte
		b = appendString(b, respFieldRequestID, m.RequestID)
		b = appendString(b, respFieldOrigin, m.Origin)
		b = appendString(b, respFieldResponseType, m.ResponseType)
		b = appendString(b, respFieldResponseRoute, m.ResponseRoute)
		if m.Success {
			b = protowire.AppendTag(b, respFieldSuccess, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		}
		b = appendBytes(b, respFieldPayload, m.Payload)
		b = appendTime(b, respFieldTimestamp, m.Timestamp)
		b = appendString(b, respFieldCorrelationID, m.CorrelationID)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}

// DecodeRequest implements Codec
func (ProtoCodec) DecodeRequest(data []byte) (*contracts.Request, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	req := &contracts.Request{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == reqFieldID && typ == protowire.BytesType:
			return consumeString(b, &req.ID)
		case num == reqFieldDestination && typ == protowire.BytesType:
			return consumeString(b, &req.Destination)
		case num == reqFieldSource && typ == protowire.BytesType:
			return consumeString(b, &req.Source)
		case num == reqFieldType && typ == protowire.BytesType:
			return consumeString(b, &req.Type)
		case num == reqFieldPayload && typ == protowire.BytesType:
			return consumeBytes(b, &req.Payload)
		case num == reqFieldTimestamp && typ == protowire.VarintType:
			return consumeTime(b, &req.Timestamp)
		case num == reqFieldCorrelationID && typ == protowire.BytesType:
			return consumeString(b, &req.CorrelationID)
		}
		return 0, false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}

// DecodeResponse implements Codec
func (ProtoCodec) DecodeResponse(data []byte) (*contracts.Response, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	resp := &contracts.Response{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == respFieldRequestID && typ == protowire.BytesType:
			return consumeString(b, &resp.RequestID)
		case num == respFieldOrigin && typ == protowire.BytesType:
			return consumeString(b, &resp.Origin)
		case num == respFieldResponseType && typ == protowire.BytesType:
			return consumeString(b, &resp.ResponseType)
		case num == respFieldResponseRoute && typ == protowire.BytesType:
			return consumeString(b, &resp.ResponseRoute)
		case num == respFieldSuccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, true
			}
			resp.Success = protowire.DecodeBool(v)
			return n, true
		case num == respFieldPayload && typ == protowire.BytesType:
			return consumeBytes(b, &resp.Payload)
		case num == respFieldTimestamp && typ == protowire.VarintType:
			return consumeTime(b, &resp.Timestamp)
		case num == respFieldCorrelationID && typ == protowire.BytesType:
			return consumeString(b, &resp.CorrelationID)
		}
		return 0, false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// walkFields iterates the top-level fields of data. fn returns the number of
// value bytes it consumed and whether it recognised the field; unrecognised
// fields are skipped.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, bool)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, known := fn(num, typ, data)
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

func consumeString(b []byte, dst *string) (int, bool) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, true
}

func consumeBytes(b []byte, dst *[]byte) (int, bool) {
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		// v aliases the delivery body
		*dst = append([]byte(nil), v...)
	}
	return n, true
}

func consumeTime(b []byte, dst *time.Time) (int, bool) {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = time.Unix(0, int64(v)).UTC()
	}
	return n, true
}
