package rpc

import (
	"context"
	"slices"

	"github.com/ggoodman/rpc-server-go/capability"
)

// Next continues a call with the given registry.
type Next func(ctx context.Context, caps *capability.Registry) (any, error)

// Middleware is one stage of a call. It may read and extend caps before
// calling next, or return without calling it to short-circuit the call.
type Middleware func(ctx context.Context, caps *capability.Registry, next Next) (any, error)

// Chain composes stages left to right into one.
func Chain(mws ...Middleware) Middleware {
	mws = slices.Clone(mws)
	return func(ctx context.Context, caps *capability.Registry, next Next) (any, error) {
		return wrap(mws, next)(ctx, caps)
	}
}

func wrap(mws []Middleware, terminal Next) Next {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], h
		if mw == nil {
			continue
		}
		h = func(ctx context.Context, caps *capability.Registry) (any, error) {
			return mw(ctx, caps, inner)
		}
	}
	return h
}
