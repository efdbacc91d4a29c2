package rpc

import (
	"context"
	"io"
	"sync"
)

// Stream is a pull-based sequence of subscription values. Next returns io.EOF
// once the stream has ended; a context error means only that the wait was
// abandoned. Close releases whatever the stream holds and is idempotent.
//
// *emitter.Subscription[T] satisfies Stream[T].
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

// Generate builds a Stream driven by fn. fn runs on its own goroutine from the
// first call to Next, handing values to yield; yield blocks until the
// consumer pulls the value and returns false once the stream is closed. The
// stream ends with io.EOF when fn returns nil, or with fn's error.
func Generate[T any](fn func(ctx context.Context, yield func(T) bool) error) Stream[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &generator[T]{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		values: make(chan T),
		done:   make(chan struct{}),
	}
}

type generator[T any] struct {
	fn     func(ctx context.Context, yield func(T) bool) error
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	values    chan T
	done      chan struct{}
	err       error
}

func (g *generator[T]) start() {
	g.startOnce.Do(func() {
		go func() {
			defer close(g.done)
			err := g.fn(g.ctx, func(v T) bool {
				select {
				case g.values <- v:
					return true
				case <-g.ctx.Done():
					return false
				}
			})
			if err == nil || g.ctx.Err() != nil {
				err = io.EOF
			}
			g.err = err
		}()
	})
}

func (g *generator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if g.ctx.Err() != nil {
		return zero, io.EOF
	}
	g.start()

	select {
	case v := <-g.values:
		return v, nil
	case <-g.done:
		return zero, g.err
	case <-g.ctx.Done():
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (g *generator[T]) Close() error {
	g.cancel()
	return nil
}

// FromSlice returns a finite Stream over vs.
func FromSlice[T any](vs ...T) Stream[T] {
	return &sliceStream[T]{values: vs}
}

type sliceStream[T any] struct {
	mu     sync.Mutex
	values []T
	closed bool
}

func (s *sliceStream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.values) == 0 {
		return zero, io.EOF
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, nil
}

func (s *sliceStream[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	s.values = nil
	s.mu.Unlock()
	return nil
}

// erasedStream adapts a typed stream to Stream[any] for transports.
type erasedStream[T any] struct {
	Stream[T]
}

func (s erasedStream[T]) Next(ctx context.Context) (any, error) {
	return s.Stream.Next(ctx)
}
