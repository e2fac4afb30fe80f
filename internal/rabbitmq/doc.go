// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// The pieces are:
//   - ConnectionManager: one broker connection, redialled with backoff when it drops
//   - ChannelPool: reusable channels in confirm mode for publishing
//   - Publisher: confirmed publishes to the topic exchange
//   - Subscriber: a dedicated channel per queue consumer
//   - TopologyManager: exchange declaration and queue naming
//
// Topics map to routing keys on a single topic exchange. A consumer group owns
// a durable queue named "<group>.<topic>"; a private subscription gets a
// server-named exclusive queue that disappears with its channel.
package rabbitmq
