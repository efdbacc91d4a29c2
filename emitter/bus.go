package emitter

import "context"

// Bus is the surface shared by the local Emitter and the cross-process relays.
type Bus[T any] interface {
	// Subscribe registers a new listener for event.
	Subscribe(event string) *Subscription[T]
	// SubscribeContext is Subscribe bound to ctx: the subscription ends when
	// ctx is done.
	SubscribeContext(ctx context.Context, event string) *Subscription[T]
	// Emit delivers v to the current listeners of event, best effort. The
	// return value is the number of local listeners that accepted v.
	Emit(event string, v T) int
}

var _ Bus[int] = (*Emitter[int])(nil)
