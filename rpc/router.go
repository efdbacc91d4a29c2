package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ggoodman/rpc-server-go/capability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ggoodman/rpc-server-go/rpc"

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMiddleware appends router-level middleware. It runs before any
// procedure middleware.
func WithMiddleware(mws ...Middleware) RouterOption {
	return func(r *Router) { r.middleware = append(r.middleware, mws...) }
}

// WithTracerProvider sets the provider used for dispatch spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) RouterOption {
	return func(r *Router) { r.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// Router holds named procedures and dispatches calls to them. It is safe for
// concurrent use.
type Router struct {
	mu         sync.RWMutex
	procedures map[string]*Procedure
	middleware []Middleware
	tracer     trace.Tracer
	log        *slog.Logger
}

// ProcedureInfo describes one registered procedure.
type ProcedureInfo struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// NewRouter creates an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{procedures: make(map[string]*Procedure)}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	return r
}

// Register adds p under name. Names must be unique and non-empty.
func (r *Router) Register(name string, p *Procedure) error {
	if name == "" {
		return fmt.Errorf("procedure name is required")
	}
	if p == nil || p.invoke == nil {
		return fmt.Errorf("procedure %q: missing handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procedures[name]; exists {
		return fmt.Errorf("procedure %q already registered", name)
	}
	r.procedures[name] = p
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Router) MustRegister(name string, p *Procedure) *Router {
	if err := r.Register(name, p); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the procedure registered under name.
func (r *Router) Lookup(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[name]
	return p, ok
}

// Procedures lists registered procedures sorted by name.
func (r *Router) Procedures() []ProcedureInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProcedureInfo, 0, len(r.procedures))
	for name, p := range r.procedures {
		out = append(out, ProcedureInfo{Name: name, Kind: p.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs a query or mutation and returns its result. Errors are always
// *Error.
func (r *Router) Call(ctx context.Context, name string, caps *capability.Registry, input json.RawMessage) (any, error) {
	return r.dispatch(ctx, name, caps, input, false)
}

// Subscribe opens a subscription. The caller owns the returned stream and
// must Close it. Errors are always *Error.
func (r *Router) Subscribe(ctx context.Context, name string, caps *capability.Registry, input json.RawMessage) (Stream[any], error) {
	res, err := r.dispatch(ctx, name, caps, input, true)
	if err != nil {
		return nil, err
	}
	s, ok := res.(Stream[any])
	if !ok {
		// A middleware stage answered in place of the handler.
		return nil, NewError(InternalServerError, "subscription %q did not produce a stream", name)
	}
	return s, nil
}

func (r *Router) dispatch(ctx context.Context, name string, caps *capability.Registry, input json.RawMessage, stream bool) (any, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, NewError(NotFound, "procedure %q not found", name)
	}
	if stream != (p.kind == KindSubscription) {
		return nil, NewError(MethodNotSupported, "procedure %q is a %s", name, p.kind)
	}

	ctx, span := r.tracer.Start(ctx, "rpc."+string(p.kind), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.procedure", name),
		attribute.String("rpc.kind", string(p.kind)),
	)

	if caps == nil {
		caps = capability.New()
	}

	r.mu.RLock()
	mws := slices.Concat(r.middleware, p.middleware)
	r.mu.RUnlock()

	terminal := func(ctx context.Context, caps *capability.Registry) (any, error) {
		return p.invoke(ctx, caps, input)
	}

	res, err := wrap(mws, terminal)(ctx, caps)
	if err != nil {
		rpcErr := AsError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(rpcErr.Code))
		r.log.DebugContext(ctx, "rpc.dispatch.fail",
			slog.String("procedure", name),
			slog.String("code", string(rpcErr.Code)),
			slog.String("err", err.Error()))
		return nil, rpcErr
	}
	return res, nil
}
