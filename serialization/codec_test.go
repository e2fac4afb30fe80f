package serialization

import (
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type unknownMessage struct{}

func (unknownMessage) GetID() string { return "x" }
func (unknownMessage) GetType() string { return "x" }
func (unknownMessage) GetTimestamp() time.Time { return time.Time{} }
func (unknownMessage) GetCorrelationID() string { return "" }

func sampleRequest() *contracts.Request {
	return &contracts.Request{
		ID:            "5b0b7a2e-7a5e-4f0e-9d53-0f3a4d7f6c11",
		Destination:   "mmate.responses.orders",
		Source:        "orders-api",
		Type:          "Ping",
		Payload:       []byte(`{"n":1}`),
		Timestamp:     time.Date(2024, 5, 17, 10, 30, 0, 123456789, time.UTC),
		CorrelationID: "trace-42",
	}
}

func sampleResponse() *contracts.Response {
	return &contracts.Response{
		RequestID:     "5b0b7a2e-7a5e-4f0e-9d53-0f3a4d7f6c11",
		Origin:        "worker-1",
		ResponseType:  "Ping",
		ResponseRoute: "mmate.responses.orders",
		Success:       true,
		Payload:       []byte("pong"),
		Timestamp:     time.Date(2024, 5, 17, 10, 30, 1, 5, time.UTC),
		CorrelationID: "trace-42",
	}
}

func TestCodecs(t *testing.T) {
	codecs := []Codec{JSONCodec{}, ProtoCodec{}}

	for _, codec := range codecs {
		codec := codec
		t.Run(codec.Name(), func(t *testing.T) {
			t.Run("request survives encoding", func(t *testing.T) {
				want := sampleRequest()
				body, err := codec.Encode(want)
				require.NoError(t, err)

				got, err := codec.DecodeRequest(body)
				require.NoError(t, err)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("decoded request mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("response survives encoding", func(t *testing.T) {
				want := sampleResponse()
				body, err := codec.Encode(want)
				require.NoError(t, err)

				got, err := codec.DecodeResponse(body)
				require.NoError(t, err)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("decoded response mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("failed response keeps success false", func(t *testing.T) {
				want := sampleResponse()
				want.Success = false
				want.Payload = nil
				body, err := codec.Encode(want)
				require.NoError(t, err)

				got, err := codec.DecodeResponse(body)
				require.NoError(t, err)
				assert.False(t, got.Success)
				if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("decoded response mismatch (-want +got):\n%s", diff)
				}
			})

			t.Run("rejects unsupported messages", func(t *testing.T) {
				_, err := codec.Encode(unknownMessage{})
				assert.ErrorIs(t, err, ErrUnsupportedMessage)
			})

			t.Run("rejects empty bodies", func(t *testing.T) {
				_, err := codec.DecodeRequest(nil)
				assert.ErrorIs(t, err, ErrEmptyData)
				_, err = codec.DecodeResponse([]byte{})
				assert.ErrorIs(t, err, ErrEmptyData)
			})
		})
	}
}

func TestJSONCodecWireNames(t *testing.T) {
	body, err := JSONCodec{}.Encode(sampleResponse())
	require.NoError(t, err)

	for _, field := range []string{"request_id", "origin", "response_type", "response_route", "success", "payload", "timestamp", "correlation_id"} {
		assert.Contains(t, string(body), `"`+field+`"`)
	}

	_, err = JSONCodec{}.DecodeResponse([]byte("{not json"))
	assert.Error(t, err)
}

func TestProtoCodec(t *testing.T) {
	t.Run("skips unknown fields", func(t *testing.T) {
		body, err := ProtoCodec{}.Encode(sampleRequest())
		require.NoError(t, err)

		body = protowire.AppendTag(body, 99, protowire.BytesType)
		body = protowire.AppendString(body, "from a newer sender")
		body = protowire.AppendTag(body, 100, protowire.VarintType)
		body = protowire.AppendVarint(body, 7)

		got, err := ProtoCodec{}.DecodeRequest(body)
		require.NoError(t, err)
		if diff := cmp.Diff(sampleRequest(), got); diff != "" {
			t.Errorf("decoded request mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("rejects truncated input", func(t *testing.T) {
		body, err := ProtoCodec{}.Encode(sampleRequest())
		require.NoError(t, err)

		_, err = ProtoCodec{}.DecodeRequest(body[:len(body)-3])
		assert.Error(t, err)
	})

	t.Run("payload does not alias the input", func(t *testing.T) {
		body, err := ProtoCodec{}.Encode(sampleResponse())
		require.NoError(t, err)

		got, err := ProtoCodec{}.DecodeResponse(body)
		require.NoError(t, err)
		for i := range body {
			body[i] = 0
		}
		assert.Equal(t, []byte("pong"), got.Payload)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("default registry knows json and protobuf", func(t *testing.T) {
		r := NewDefaultRegistry()
		assert.Equal(t, []string{"json", "protobuf"}, r.Names())

		c, err := r.Lookup("protobuf")
		require.NoError(t, err)
		assert.Equal(t, "application/x-protobuf", c.ContentType())
	})

	t.Run("lookup of unknown codec fails", func(t *testing.T) {
		_, err := NewDefaultRegistry().Lookup("avro")
		assert.ErrorIs(t, err, ErrUnknownCodec)
	})

	t.Run("resolves by content type", func(t *testing.T) {
		r := NewDefaultRegistry()
		c, ok := r.ForContentType("application/json")
		require.True(t, ok)
		assert.Equal(t, "json", c.Name())

		_, ok = r.ForContentType("text/plain")
		assert.False(t, ok)
	})

	t.Run("rejects duplicate and invalid codecs", func(t *testing.T) {
		r := NewRegistry(JSONCodec{})
		assert.Error(t, r.Register(JSONCodec{}))
		assert.Error(t, r.Register(nil))
		assert.NoError(t, r.Register(ProtoCodec{}))
	})
}
