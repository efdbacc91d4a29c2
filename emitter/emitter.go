package emitter

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// DefaultBufferSize is the per-listener buffer used when WithBufferSize is
// not supplied.
const DefaultBufferSize = 32

// Option configures an Emitter.
type Option func(*config)

type config struct {
	bufferSize int
	log        *slog.Logger
	metrics    *Metrics
}

// WithBufferSize sets the capacity of each listener's buffer. Values below 1
// are ignored.
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for delivery diagnostics. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Listener is one registration on an Emitter: the receive side of a bounded
// buffer plus the identity used to deregister it.
type Listener[T any] struct {
	ch      chan T
	done    chan struct{}
	endOnce sync.Once
}

func newListener[T any](size int) *Listener[T] {
	return &Listener[T]{ch: make(chan T, size), done: make(chan struct{})}
}

// C returns the channel values are delivered on. It is never closed; select
// on Done to observe the end of the registration.
func (l *Listener[T]) C() <-chan T { return l.ch }

// Done is closed once the listener has been removed or its Emitter closed.
func (l *Listener[T]) Done() <-chan struct{} { return l.done }

func (l *Listener[T]) end() {
	l.endOnce.Do(func() { close(l.done) })
}

func (l *Listener[T]) ended() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Emitter is a named-event bus for values of type T. It is safe for
// concurrent use. T should be cheap to copy (or a pointer/immutable value)
// since every listener receives its own copy.
type Emitter[T any] struct {
	mu sync.Mutex
	// Listener slices are copy-on-write so Emit can iterate a snapshot
	// after releasing mu.
	listeners map[string][]*Listener[T]
	closed    bool

	bufferSize int
	log        *slog.Logger
	metrics    *Metrics
}

// New creates an Emitter.
func New[T any](opts ...Option) *Emitter[T] {
	cfg := config{bufferSize: DefaultBufferSize, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	return &Emitter[T]{
		listeners:  make(map[string][]*Listener[T]),
		bufferSize: cfg.bufferSize,
		log:        cfg.log,
		metrics:    cfg.metrics,
	}
}

// AddListener registers a new listener under event and returns it. If the
// Emitter is closed the returned listener is already done.
func (e *Emitter[T]) AddListener(event string) *Listener[T] {
	l := newListener[T](e.bufferSize)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		l.end()
		return l
	}
	e.listeners[event] = append(slices.Clip(e.listeners[event]), l)
	e.mu.Unlock()

	e.metrics.listenerAdded(event)
	return l
}

// RemoveListener deregisters l from event and marks it done. Removing a
// listener that is not registered under event is a no-op.
func (e *Emitter[T]) RemoveListener(event string, l *Listener[T]) {
	if l == nil {
		return
	}

	e.mu.Lock()
	current := e.listeners[event]
	kept := make([]*Listener[T], 0, len(current))
	for _, other := range current {
		if other != l {
			kept = append(kept, other)
		}
	}
	removed := len(current) - len(kept)
	if removed > 0 {
		if len(kept) == 0 {
			delete(e.listeners, event)
		} else {
			e.listeners[event] = kept
		}
	}
	e.mu.Unlock()

	if removed > 0 {
		l.end()
		e.metrics.listenersRemoved(event, removed)
	}
}

// Emit hands v to every listener currently registered under event without
// blocking. A listener whose buffer is full misses v. Emit returns the number
// of listeners that accepted v.
func (e *Emitter[T]) Emit(event string, v T) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	targets := e.listeners[event]
	e.mu.Unlock()

	delivered, dropped := 0, 0
	for _, l := range targets {
		if l.ended() {
			continue
		}
		select {
		case l.ch <- v:
			delivered++
		default:
			dropped++
		}
	}

	if dropped > 0 {
		e.log.Debug("emitter.deliver.drop", slog.String("event", event), slog.Int("dropped", dropped))
	}
	e.metrics.emitted(event, delivered, dropped)
	return delivered
}

// Subscribe registers a listener under event and wraps it in a Subscription.
func (e *Emitter[T]) Subscribe(event string) *Subscription[T] {
	return newSubscription(e, event, e.AddListener(event))
}

// SubscribeContext is like Subscribe, but the subscription is closed when ctx
// is done.
func (e *Emitter[T]) SubscribeContext(ctx context.Context, event string) *Subscription[T] {
	s := e.Subscribe(event)
	s.bind(ctx)
	return s
}

// ListenerCount returns the number of listeners registered under event.
func (e *Emitter[T]) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Events returns the names of events that currently have listeners, sorted.
func (e *Emitter[T]) Events() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	e.mu.Unlock()
	sort.Strings(names)
	return names
}

// Close removes every listener and marks each one done, ending all
// subscriptions. Subsequent Emit calls are no-ops and AddListener returns
// listeners that are already done. Close is idempotent.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := e.listeners
	e.listeners = make(map[string][]*Listener[T])
	e.mu.Unlock()

	for event, ls := range all {
		for _, l := range ls {
			l.end()
		}
		e.metrics.listenersRemoved(event, len(ls))
	}
}
