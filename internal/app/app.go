// Package app defines the procedures served by rpcserver.
package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/middleware"
	"github.com/ggoodman/rpc-server-go/rpc"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported by the version procedure.
const Version = "0.1.0"

// PingEvent is the bus event behind the ping mutation and pings subscription.
const PingEvent = "ping"

// Options configures NewRouter.
type Options struct {
	// Bus carries ping events. Required.
	Bus emitter.Bus[int]
	// Authenticator guards version when set. Without one, version only needs
	// the request's cookies to be readable.
	Authenticator auth.Authenticator
	// SessionCookie may carry the bearer token for browser clients.
	SessionCookie string
	// TickInterval paces the ticks stream. Defaults to one second.
	TickInterval time.Duration
	Logger       *slog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// NewRouter builds the router with every procedure registered.
func NewRouter(opts Options) *rpc.Router {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	routerOpts := []rpc.RouterOption{
		rpc.WithLogger(opts.Logger),
		rpc.WithMiddleware(
			middleware.Logging(opts.Logger),
			middleware.Provide[emitter.Bus[int]](opts.Bus),
		),
	}
	if opts.TracerProvider != nil {
		routerOpts = append(routerOpts, rpc.WithTracerProvider(opts.TracerProvider))
	}

	r := rpc.NewRouter(routerOpts...)
	r.MustRegister("version", rpc.Query(version).With(middleware.Cookies(), authStage(opts)))
	r.MustRegister("echo", rpc.Query(echo))
	r.MustRegister("ping", rpc.Mutation(ping))
	r.MustRegister("pings", rpc.Subscription(pings))
	r.MustRegister("ticks", rpc.Subscription(ticks(opts.TickInterval)))
	return r
}

func authStage(opts Options) rpc.Middleware {
	if opts.Authenticator != nil {
		return middleware.Authenticate(opts.Authenticator, opts.SessionCookie)
	}
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		if _, err := capability.Get[middleware.CookieJar](caps); err != nil {
			return nil, err
		}
		return next(ctx, caps)
	}
}

func version(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
	bus, err := capability.Get[emitter.Bus[int]](caps)
	if err != nil {
		return "", err
	}
	bus.Emit(PingEvent, 1)
	return Version, nil
}

// EchoInput is the input of echo.
type EchoInput struct {
	Message string `json:"message,omitempty"`
}

func echo(ctx context.Context, caps *capability.Registry, in EchoInput) (string, error) {
	if in.Message == "" {
		return Version, nil
	}
	return in.Message, nil
}

// PingResult reports how many local subscribers received a ping.
type PingResult struct {
	Delivered int `json:"delivered"`
}

func ping(ctx context.Context, caps *capability.Registry, v int) (PingResult, error) {
	bus, err := capability.Get[emitter.Bus[int]](caps)
	if err != nil {
		return PingResult{}, err
	}
	return PingResult{Delivered: bus.Emit(PingEvent, v)}, nil
}

func pings(ctx context.Context, caps *capability.Registry, _ struct{}) (rpc.Stream[int], error) {
	bus, err := capability.Get[emitter.Bus[int]](caps)
	if err != nil {
		return nil, err
	}
	return bus.SubscribeContext(ctx, PingEvent), nil
}

// ticks yields "start" and then "0" through "9", pausing interval after each
// number.
func ticks(interval time.Duration) func(context.Context, *capability.Registry, struct{}) (rpc.Stream[string], error) {
	return func(ctx context.Context, caps *capability.Registry, _ struct{}) (rpc.Stream[string], error) {
		return rpc.Generate(func(ctx context.Context, yield func(string) bool) error {
			if !yield("start") {
				return nil
			}
			t := time.NewTimer(interval)
			defer t.Stop()
			for i := range 10 {
				if !yield(strconv.Itoa(i)) {
					return nil
				}
				t.Reset(interval)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
			return nil
		}), nil
	}
}
