// Package messaging is the broker-neutral layer between the request/response
// bridge and a concrete transport.
//
// A Producer encodes a contracts.Message, stamps the routing headers and hands
// it to a Transport. A Consumer subscribes to one topic as part of a consumer
// group and drives a Handler for every delivery, either one at a time or
// concurrently. Transports live under transports/.
package messaging
