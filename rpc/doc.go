// Package rpc routes named procedures (queries, mutations and subscriptions)
// through a chain of middleware to typed handlers.
//
// Every call carries a *capability.Registry. Transports seed it with what
// they know about the request (the *http.Request for example), router and
// procedure middleware extend it, and the handler reads what it needs:
//
//	router := rpc.NewRouter(rpc.WithMiddleware(middleware.Cookies()))
//	router.MustRegister("echo", rpc.Query(func(ctx context.Context, caps *capability.Registry, in string) (string, error) {
//		return in, nil
//	}))
//	router.MustRegister("pings", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, _ struct{}) (rpc.Stream[int], error) {
//		bus, err := capability.Get[emitter.Bus[int]](caps)
//		if err != nil {
//			return nil, err
//		}
//		return bus.SubscribeContext(ctx, "ping"), nil
//	}))
//
// A middleware stage may short-circuit by returning without calling next;
// the handler then never runs. Errors leave the router as *Error values with
// a Code that transports map to HTTP statuses and JSON-RPC codes.
//
// Routers can describe themselves for clients: ExportTypeScript writes a
// TypeScript declaration of every procedure's input and result types, and
// ExportSchema writes the same information as JSON Schema.
package rpc
