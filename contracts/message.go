package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is implemented by every value the producer can publish
type Message interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetCorrelationID() string
}

// Request asks a remote worker to perform Type and reply to Destination
type Request struct {
	ID            string    `json:"id"`
	Destination   string    `json:"destination"`
	Source        string    `json:"source"`
	Type          string    `json:"type"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// NewRequest creates a request with a fresh ID and the current timestamp.
// The producer assigns a correlation ID when the request is published without one.
func NewRequest(requestType string, payload []byte) *Request {
	return &Request{
		ID:        uuid.New().String(),
		Type:      requestType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// GetID returns the request ID
func (r *Request) GetID() string {
	return r.ID
}

// GetType returns the command discriminator
func (r *Request) GetType() string {
	return r.Type
}

// GetTimestamp returns the creation time
func (r *Request) GetTimestamp() time.Time {
	return r.Timestamp
}

// GetCorrelationID returns the tracing correlation ID
func (r *Request) GetCorrelationID() string {
	return r.CorrelationID
}

// WithCorrelationID returns a copy of the request carrying correlationID
func (r *Request) WithCorrelationID(correlationID string) *Request {
	cp := *r
	cp.CorrelationID = correlationID
	return &cp
}

// Validate checks the fields required for the request to be routable
func (r *Request) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	if r.Type == "" {
		return ErrMissingType
	}
	if r.Destination == "" {
		return ErrMissingDestination
	}
	return nil
}

// Response is the reply to a Request, matched by RequestID
type Response struct {
	RequestID     string    `json:"request_id"`
	Origin        string    `json:"origin"`
	ResponseType  string    `json:"response_type"`
	ResponseRoute string    `json:"response_route"`
	Success       bool      `json:"success"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// NewResponse builds the response to req. RequestID, CorrelationID and the
// route back to the caller are copied from the request.
func NewResponse(req *Request, origin string, success bool, payload []byte) *Response {
	return &Response{
		RequestID:     req.ID,
		Origin:        origin,
		ResponseType:  req.Type,
		ResponseRoute: req.Destination,
		Success:       success,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
	}
}

// GetID returns the ID of the request this response answers
func (r *Response) GetID() string {
	return r.RequestID
}

// GetType returns the response type
func (r *Response) GetType() string {
	return r.ResponseType
}

// GetTimestamp returns the creation time
func (r *Response) GetTimestamp() time.Time {
	return r.Timestamp
}

// GetCorrelationID returns the tracing correlation ID
func (r *Response) GetCorrelationID() string {
	return r.CorrelationID
}

// WithCorrelationID returns a copy of the response carrying correlationID
func (r *Response) WithCorrelationID(correlationID string) *Response {
	cp := *r
	cp.CorrelationID = correlationID
	return &cp
}

// Validate checks that the response can be matched to a request
func (r *Response) Validate() error {
	if r.RequestID == "" {
		return ErrMissingRequestID
	}
	return nil
}
