// Package reliability holds the failure-handling primitives shared by the
// transports and the producer:
//
//   - Backoff: capped exponential delays with jitter, used when dialing the
//     broker and when a consumer has to resubscribe
//   - Retry: repeats an operation under a Backoff until it succeeds, the
//     attempts run out or the context ends
//   - CircuitBreaker: fails publishes fast while the broker keeps rejecting
//     them
//
// Nothing here retries a request/response exchange. A request that is not
// answered in time surfaces as a timeout to the caller.
package reliability
