// Package contracts defines the two messages exchanged by the request/response
// protocol.
//
// A Request is published to a request topic by a caller and carries:
//   - ID: the join key between a request and its eventual response
//   - Destination: the topic the worker must publish the response to
//   - Source: the logical identity of the sender
//   - Type: a command discriminator that is opaque to the transport layer
//   - Payload: an opaque blob
//   - CorrelationID: a tracing id propagated end-to-end, independent of ID
//
// A Response echoes the originating request's ID as RequestID. A response with
// Success set to false is still a delivered outcome, not a protocol error.
package contracts
