// Package stdio serves an rpc.Router to a single peer over a pair of byte
// streams, stdin and stdout by default. It suits running the server as a
// subprocess of an editor, a test harness or another local tool.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Framing          : one JSON-RPC 2.0 message per line
//	Subscriptions    : subscription.start / subscription.stop, as over WebSocket
//
// Every call's registry carries the peer's auth.UserInfo, so procedures
// guarded by identity work unchanged.
//
// Example:
//
//	h := stdio.NewHandler(router,
//	    stdio.WithContextFunc(func(ctx context.Context, caps *capability.Registry) error {
//	        capability.Insert[emitter.Bus[int]](caps, bus)
//	        return nil
//	    }),
//	)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For multi-client deployments prefer the streaminghttp or wsrpc transports.
package stdio
