package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/serialization"
)

// ErrMalformedMessage marks deliveries that cannot be decoded. The Consumer
// rejects them without requeueing whatever its AckStrategy.
var ErrMalformedMessage = errors.New("messaging: malformed message")

// Decoder turns deliveries back into contracts messages. The codec is picked
// from the content-type header, falling back to a default.
type Decoder struct {
	codecs   *serialization.Registry
	fallback serialization.Codec
}

// NewDecoder creates a decoder. codecs may be nil, in which case every
// delivery is decoded with fallback.
func NewDecoder(codecs *serialization.Registry, fallback serialization.Codec) *Decoder {
	if fallback == nil {
		fallback = serialization.JSONCodec{}
	}
	return &Decoder{codecs: codecs, fallback: fallback}
}

// CodecFor returns the codec that decodes d
func (dec *Decoder) CodecFor(d Delivery) serialization.Codec {
	if dec.codecs != nil {
		if c, ok := dec.codecs.ForContentType(HeaderString(d, HeaderContentType)); ok {
			return c
		}
	}
	return dec.fallback
}

// Request decodes and validates a request
func (dec *Decoder) Request(d Delivery) (*contracts.Request, error) {
	req, err := dec.CodecFor(d).DecodeRequest(d.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return req, nil
}

// Response decodes and validates a response
func (dec *Decoder) Response(d Delivery) (*contracts.Response, error) {
	resp, err := dec.CodecFor(d).DecodeResponse(d.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return resp, nil
}
