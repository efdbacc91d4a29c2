// Package emitter provides a typed, named-event publish/subscribe bus with
// best-effort fan-out and subscriptions that clean up after themselves.
//
// An Emitter is constructed once and handed to whoever needs it (typically by
// inserting it into each request's capability registry); there is no package
// level instance.
//
//	bus := emitter.New[int]()
//	sub := bus.Subscribe("ping")
//	defer sub.Close()
//
//	bus.Emit("ping", 5)
//	v, err := sub.Next(ctx) // 5
//
// # Delivery
//
// Emit never blocks and never fails. Each listener owns a bounded buffer
// (32 values by default); when a buffer is full the value is dropped for that
// listener only. Values are delivered in emit order per listener. There is no
// ordering across listeners and no replay of values emitted before a listener
// registered.
//
// # Cleanup
//
// A Subscription removes its listener from the bus exactly once, on whichever
// of these happens first: Close, the end of an All loop, cancellation of the
// context passed to SubscribeContext, or Close on the Emitter. A subscription
// that is dropped without being closed is deregistered when it is garbage
// collected, but callers should not rely on that.
package emitter
