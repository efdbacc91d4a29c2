package emitter

import (
	"context"
	"io"
	"iter"
	"runtime"
	"sync"
)

// Subscription is a single-consumer, pull-based view of one listener. It
// removes the listener from its Emitter exactly once when it ends.
type Subscription[T any] struct {
	event    string
	listener *Listener[T]
	emitter  *Emitter[T]

	closeOnce sync.Once
	mu        sync.Mutex
	stopCtx   func() bool
	cleanup   runtime.Cleanup
}

// release carries what the GC guard needs to deregister a subscription that
// was dropped without Close. It must not reference the Subscription itself.
type release[T any] struct {
	emitter  *Emitter[T]
	event    string
	listener *Listener[T]
}

func (r release[T]) run() {
	r.emitter.RemoveListener(r.event, r.listener)
	r.listener.end()
}

func newSubscription[T any](e *Emitter[T], event string, l *Listener[T]) *Subscription[T] {
	s := &Subscription[T]{event: event, listener: l, emitter: e}
	s.cleanup = runtime.AddCleanup(s, release[T].run, release[T]{emitter: e, event: event, listener: l})
	return s
}

func (s *Subscription[T]) bind(ctx context.Context) {
	if ctx == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
}

// Event returns the event name the subscription is registered under.
func (s *Subscription[T]) Event() string { return s.event }

// Done is closed once the subscription has ended.
func (s *Subscription[T]) Done() <-chan struct{} { return s.listener.Done() }

// Next returns the next value, blocking until one arrives, the subscription
// ends (io.EOF) or ctx is done (ctx.Err()). A context error does not end the
// subscription.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if s.listener.ended() {
		return zero, io.EOF
	}
	select {
	case v := <-s.listener.ch:
		return v, nil
	case <-s.listener.done:
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryNext polls without blocking. It reports (v, true, nil) when a value was
// buffered, (zero, false, nil) when nothing is ready yet and io.EOF once the
// subscription has ended.
func (s *Subscription[T]) TryNext() (T, bool, error) {
	var zero T
	if s.listener.ended() {
		return zero, false, io.EOF
	}
	select {
	case v := <-s.listener.ch:
		return v, true, nil
	default:
		return zero, false, nil
	}
}

// All returns a sequence over the subscription's values. The subscription is
// closed when the loop stops for any reason: the body breaks, ctx is done or
// the subscription ends.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Close()
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Close ends the subscription and deregisters its listener. It is safe to
// call more than once and from multiple goroutines.
func (s *Subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		stop := s.stopCtx
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.cleanup.Stop()
		release[T]{emitter: s.emitter, event: s.event, listener: s.listener}.run()
	})
	return nil
}
