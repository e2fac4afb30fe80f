// Package bridge provides synchronous request/response on top of
// publish/subscribe messaging.
//
// A caller's Bridge.SendAndReceive registers a Completion in the Registry
// under the request ID, publishes the request and waits. The
// ResponseDispatcher consumes the response topic and completes the matching
// Completion. Whichever of response, timeout or cancellation reaches the
// Completion first decides the outcome.
//
// Basic usage:
//
//	registry := bridge.NewRegistry()
//	dispatcher := bridge.NewResponseDispatcher(transport, "mmate.responses.orders", registry)
//	go dispatcher.Run(ctx)
//
//	b, err := bridge.NewBridge(producer, registry, "mmate.requests",
//	    bridge.WithResponseTopic("mmate.responses.orders"),
//	    bridge.WithTimeout(5*time.Second))
//	result, err := b.Send(ctx, "Ping", nil)
package bridge
