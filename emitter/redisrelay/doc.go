// Package redisrelay extends an emitter.Emitter across processes using Redis
// pub/sub.
//
// Every node wraps its local Emitter in a Relay bound to the same Redis
// channel. Emit delivers to local listeners immediately and forwards the value
// to Redis; each other node re-emits what it receives on its own Emitter.
// Values a node published itself are recognised by an origin id and not
// delivered twice.
//
// Delivery stays best effort: values are queued for Redis without blocking
// and dropped (with a log line) when the queue is full or Redis is
// unavailable. Redis pub/sub has no replay, which matches the bus contract of
// never delivering values emitted before a listener registered.
//
//	client, err := redisrelay.Config{Addr: "localhost:6379"}.NewClient(ctx)
//	relay, err := redisrelay.New(ctx, client, emitter.New[int](), redisrelay.WithTopic("pings"))
//	defer relay.Close()
package redisrelay
