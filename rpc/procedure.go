package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"slices"

	"github.com/ggoodman/rpc-server-go/capability"
)

// Kind distinguishes the three procedure shapes.
type Kind string

const (
	KindQuery        Kind = "query"
	KindMutation     Kind = "mutation"
	KindSubscription Kind = "subscription"
)

// Procedure is a registered unit of work. Build one with Query, Mutation or
// Subscription.
type Procedure struct {
	kind       Kind
	input      reflect.Type
	output     reflect.Type
	middleware []Middleware

	// invoke decodes the raw input and runs the handler. Subscriptions return
	// a Stream[any].
	invoke func(ctx context.Context, caps *capability.Registry, input json.RawMessage) (any, error)
}

// Query declares a read-only procedure.
func Query[In, Out any](fn func(ctx context.Context, caps *capability.Registry, in In) (Out, error)) *Procedure {
	return unary(KindQuery, fn)
}

// Mutation declares a procedure with side effects.
func Mutation[In, Out any](fn func(ctx context.Context, caps *capability.Registry, in In) (Out, error)) *Procedure {
	return unary(KindMutation, fn)
}

func unary[In, Out any](kind Kind, fn func(context.Context, *capability.Registry, In) (Out, error)) *Procedure {
	return &Procedure{
		kind:   kind,
		input:  reflect.TypeFor[In](),
		output: reflect.TypeFor[Out](),
		invoke: func(ctx context.Context, caps *capability.Registry, raw json.RawMessage) (any, error) {
			in, err := decodeInput[In](raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, caps, in)
		},
	}
}

// Subscription declares a procedure that yields a stream of Out values.
func Subscription[In, Out any](fn func(ctx context.Context, caps *capability.Registry, in In) (Stream[Out], error)) *Procedure {
	return &Procedure{
		kind:   KindSubscription,
		input:  reflect.TypeFor[In](),
		output: reflect.TypeFor[Out](),
		invoke: func(ctx context.Context, caps *capability.Registry, raw json.RawMessage) (any, error) {
			in, err := decodeInput[In](raw)
			if err != nil {
				return nil, err
			}
			s, err := fn(ctx, caps, in)
			if err != nil {
				return nil, err
			}
			if s == nil {
				return nil, NewError(InternalServerError, "subscription returned no stream")
			}
			return Stream[any](erasedStream[Out]{s}), nil
		},
	}
}

// With returns a copy of p that runs mws, in order, after any router
// middleware and before the handler.
func (p *Procedure) With(mws ...Middleware) *Procedure {
	cp := *p
	cp.middleware = append(slices.Clip(p.middleware), mws...)
	return &cp
}

// Kind reports the procedure's kind.
func (p *Procedure) Kind() Kind { return p.kind }

// InputType and OutputType report the Go types used for export. For
// subscriptions OutputType is the element type of the stream.
func (p *Procedure) InputType() reflect.Type  { return p.input }
func (p *Procedure) OutputType() reflect.Type { return p.output }

func decodeInput[In any](raw json.RawMessage) (In, error) {
	var in In
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return in, nil
	}
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return in, &Error{Code: BadRequest, Message: "invalid input: " + err.Error(), Cause: err}
	}
	return in, nil
}
