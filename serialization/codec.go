package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
)

var (
	// ErrUnknownCodec is returned when a codec name or content type is not registered
	ErrUnknownCodec = errors.New("serialization: unknown codec")
	// ErrUnsupportedMessage is returned when asked to encode something other than a request or response
	ErrUnsupportedMessage = errors.New("serialization: unsupported message type")
	// ErrEmptyData is returned when decoding an empty body
	ErrEmptyData = errors.New("serialization: data cannot be empty")
)

// Codec converts requests and responses to and from wire bytes
type Codec interface {
	// Name is the configuration name of the codec (e.g. "json")
	Name() string

	// ContentType is stamped on outbound messages so consumers can pick the
	// matching decoder
	ContentType() string

	// Encode serializes a *contracts.Request or *contracts.Response
	Encode(msg contracts.Message) ([]byte, error)

	// DecodeRequest parses a request body
	DecodeRequest(data []byte) (*contracts.Request, error)

	// DecodeResponse parses a response body
	DecodeResponse(data []byte) (*contracts.Response, error)
}

// JSONCodec encodes messages as JSON using the snake_case wire names
type JSONCodec struct{}

// Name implements Codec
func (JSONCodec) Name() string { return "json" }

// ContentType implements Codec
func (JSONCodec) ContentType() string { return "application/json" }

// Encode implements Codec
func (JSONCodec) Encode(msg contracts.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *contracts.Request, *contracts.Response:
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T: %w", m, err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}

// DecodeRequest implements Codec
func (JSONCodec) DecodeRequest(data []byte) (*contracts.Request, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	var req contracts.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

// DecodeResponse implements Codec
func (JSONCodec) DecodeResponse(data []byte) (*contracts.Response, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	var resp contracts.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// Registry resolves codecs by configuration name and by content type
type Registry struct {
	mu            sync.RWMutex
	byName        map[string]Codec
	byContentType map[string]Codec
}

// NewRegistry creates a registry holding the given codecs
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		byName:        make(map[string]Codec),
		byContentType: make(map[string]Codec),
	}
	for _, c := range codecs {
		// duplicates in the constructor are a programming error; keep the first
		_ = r.Register(c)
	}
	return r
}

// NewDefaultRegistry creates a registry with the JSON and protobuf codecs
func NewDefaultRegistry() *Registry {
	return NewRegistry(JSONCodec{}, ProtoCodec{})
}

// Register adds a codec
func (r *Registry) Register(c Codec) error {
	if c == nil {
		return fmt.Errorf("codec cannot be nil")
	}
	if c.Name() == "" {
		return fmt.Errorf("codec name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("codec %s already registered", c.Name())
	}
	r.byName[c.Name()] = c
	r.byContentType[c.ContentType()] = c
	return nil
}

// Lookup returns the codec registered under name
func (r *Registry) Lookup(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// ForContentType returns the codec that produced contentType, if known
func (r *Registry) ForContentType(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byContentType[contentType]
	return c, ok
}

// Names returns the registered codec names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
