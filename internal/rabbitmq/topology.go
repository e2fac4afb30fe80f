package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange carrying every topic
const DefaultExchange = "mmate.rpc"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// TopicExchange returns a durable topic exchange named name
func TopicExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Kind: amqp.ExchangeTopic, Durable: true}
}

// QueueSpec describes the queue behind one subscription
type QueueSpec struct {
	// Name is empty for server-named queues
	Name       string
	RoutingKey string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Prefetch   int
	Arguments  amqp.Table
}

// GroupQueue returns the shared durable queue of group on topic. Every member
// of the group consumes from it.
func GroupQueue(group, topic string, prefetch int) QueueSpec {
	return QueueSpec{
		Name:       QueueName(group, topic),
		RoutingKey: topic,
		Durable:    true,
		Prefetch:   prefetch,
	}
}

// PrivateQueue returns a server-named queue on topic owned by one consumer and
// deleted with it
func PrivateQueue(topic string, prefetch int) QueueSpec {
	return QueueSpec{
		RoutingKey: topic,
		AutoDelete: true,
		Exclusive:  true,
		Prefetch:   prefetch,
	}
}

// QueueName is the queue of group on topic
func QueueName(group, topic string) string {
	return group + "." + topic
}

// Validate checks the spec can be declared
func (q QueueSpec) Validate() error {
	if q.RoutingKey == "" {
		return fmt.Errorf("%w: routing key is required", ErrInvalidConfiguration)
	}
	if q.Name == "" && !q.Exclusive {
		return fmt.Errorf("%w: server-named queues must be exclusive", ErrInvalidConfiguration)
	}
	if q.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// TopologyManager declares exchanges over pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareExchange declares exchange. Declaring an existing exchange with the
// same settings is a no-op.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	kind := exchange.Kind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	err := ch.ExchangeDeclare(exchange.Name, kind, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Err: err}
	}
	return nil
}

// declareQueue declares q and binds it to exchange. It returns the queue name,
// which the broker picks for server-named queues.
func declareQueue(ch *amqp.Channel, exchange string, q QueueSpec) (string, error) {
	declared, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: q.Name, Err: err}
	}
	if err := ch.QueueBind(declared.Name, q.RoutingKey, exchange, false, nil); err != nil {
		return "", &TopologyError{Component: "binding", Name: declared.Name + "->" + exchange, Err: err}
	}
	return declared.Name, nil
}

// QueueInfo is what a passive declare reports about a queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// InspectQueue reads the message and consumer counts of an existing queue.
// A missing queue closes the channel it was inspected on and returns a
// TopologyError wrapping the broker's 404.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	if name == "" {
		return QueueInfo{}, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	var info QueueInfo
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Err: err}
		}
		info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
		return nil
	})
	return info, err
}

// IsNotFound reports whether err is the broker refusing a missing entity
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}
