package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
)

// Publisher publishes a message to a topic. *messaging.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg contracts.Message) error
}

// Server consumes requests and publishes their responses
type Server struct {
	consumer  *messaging.Consumer
	publisher Publisher
	mux       *Mux
	decoder   *messaging.Decoder
	origin    string
	logger    *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

type serverConfig struct {
	origin          string
	codecs          *serialization.Registry
	codec           serialization.Codec
	consumerOptions []messaging.ConsumerOption
	logger          *slog.Logger
}

// Option configures a Server
type Option func(*serverConfig)

// WithOrigin sets the identity stamped on responses
func WithOrigin(origin string) Option {
	return func(c *serverConfig) {
		c.origin = origin
	}
}

// WithCodecs sets the codecs requests may arrive in and the fallback for
// deliveries without a content type
func WithCodecs(codecs *serialization.Registry, fallback serialization.Codec) Option {
	return func(c *serverConfig) {
		c.codecs = codecs
		c.codec = fallback
	}
}

// WithConsumerOptions configures the request consumer: group, dispatch mode,
// prefetch and so on
func WithConsumerOptions(options ...messaging.ConsumerOption) Option {
	return func(c *serverConfig) {
		c.consumerOptions = append(c.consumerOptions, options...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// NewServer creates a server answering requests on topic with mux
func NewServer(transport messaging.Transport, publisher Publisher, topic string, mux *Mux, options ...Option) *Server {
	cfg := &serverConfig{
		origin: "worker",
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	s := &Server{
		publisher: publisher,
		mux:       mux,
		decoder:   messaging.NewDecoder(cfg.codecs, cfg.codec),
		origin:    cfg.origin,
		logger:    cfg.logger,
		ready:     make(chan struct{}),
	}

	consumerOptions := append([]messaging.ConsumerOption{
		messaging.WithConsumerLogger(cfg.logger),
	}, cfg.consumerOptions...)
	consumerOptions = append(consumerOptions,
		messaging.WithSubscribedHook(func() { s.readyOnce.Do(func() { close(s.ready) }) }))
	s.consumer = messaging.NewConsumer(transport, topic, consumerOptions...)
	return s
}

// Ready is closed once the server first subscribes to its request topic
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run serves requests until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.mux == nil {
		return fmt.Errorf("server has no mux")
	}
	s.logger.Info("worker serving",
		"topic", s.consumer.Topic(),
		"origin", s.origin,
		"types", s.mux.Types())
	return s.consumer.Consume(ctx, messaging.HandlerFunc(s.handle))
}

func (s *Server) handle(ctx context.Context, d messaging.Delivery) error {
	req, err := s.decoder.Request(d)
	if err != nil {
		return err
	}

	start := time.Now()
	success, payload := s.serve(ctx, req)
	resp := contracts.NewResponse(req, s.origin, success, payload)

	if err := s.publisher.Publish(ctx, req.Destination, resp); err != nil {
		return fmt.Errorf("failed to publish response to %s: %w", req.Destination, err)
	}

	s.logger.Debug("answered request",
		"requestId", req.ID,
		"requestType", req.Type,
		"success", success,
		"replyTo", req.Destination,
		"elapsed", time.Since(start))
	return nil
}

// serve runs the handler and turns errors and panics into failure payloads
func (s *Server) serve(ctx context.Context, req *contracts.Request) (success bool, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked",
				"requestId", req.ID,
				"requestType", req.Type,
				"panic", r)
			success, payload = false, []byte(fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	success, payload, err := s.mux.Serve(ctx, req)
	switch {
	case errors.Is(err, ErrUnknownType):
		s.logger.Warn("no handler for request type", "requestId", req.ID, "requestType", req.Type)
		return false, payload
	case err != nil:
		s.logger.Error("request handler failed",
			"requestId", req.ID,
			"requestType", req.Type,
			"error", err)
		return false, []byte(err.Error())
	}
	return success, payload
}
