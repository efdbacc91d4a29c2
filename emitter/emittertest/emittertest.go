// Package emittertest provides a conformance suite for emitter.Bus
// implementations. Relays run it against their own factory so every bus
// honours the same delivery and cleanup contract as the local Emitter.
package emittertest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/rpc-server-go/emitter"
)

// BusFactory creates a fresh bus for a single subtest. Implementations should
// register their own cleanup with t.Cleanup.
type BusFactory func(t *testing.T) emitter.Bus[int]

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("SubscribeReceivesInEmitOrder", func(t *testing.T) {
		testSubscribeReceivesInEmitOrder(t, factory)
	})
	t.Run("FanOutToEverySubscriber", func(t *testing.T) {
		testFanOutToEverySubscriber(t, factory)
	})
	t.Run("EventIsolation", func(t *testing.T) {
		testEventIsolation(t, factory)
	})
	t.Run("ClosedSubscriptionEnds", func(t *testing.T) {
		testClosedSubscriptionEnds(t, factory)
	})
	t.Run("ContextCancellationEndsSubscription", func(t *testing.T) {
		testContextCancellationEndsSubscription(t, factory)
	})
	t.Run("NoDeliveryBeforeSubscribe", func(t *testing.T) {
		testNoDeliveryBeforeSubscribe(t, factory)
	})
}

func testSubscribeReceivesInEmitOrder(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := b.Subscribe("ping")
	defer sub.Close()

	for _, v := range []int{5, 6, 7} {
		b.Emit("ping", v)
	}

	for _, want := range []int{5, 6, 7} {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func testFanOutToEverySubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 4
	subs := make([]*emitter.Subscription[int], n)
	for i := range subs {
		subs[i] = b.Subscribe("fanout")
		defer subs[i].Close()
	}

	b.Emit("fanout", 99)

	for i, sub := range subs {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("subscriber %d: Next: %v", i, err)
		}
		if got != 99 {
			t.Fatalf("subscriber %d: expected 99, got %d", i, got)
		}
	}
}

func testEventIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := b.Subscribe("isolation-a")
	defer a.Close()

	b.Emit("isolation-b", 1)
	b.Emit("isolation-a", 2)

	got, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected only isolation-a values, got %d", got)
	}

	// Nothing else should arrive for "isolation-a".
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if v, err := a.Next(short); err == nil {
		t.Fatalf("unexpected extra value %d", v)
	}
}

func testClosedSubscriptionEnds(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := b.Subscribe("closing")
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	b.Emit("closing", 1)

	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after Close, got %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func testContextCancellationEndsSubscription(t *testing.T, factory BusFactory) {
	b := factory(t)

	subCtx, cancelSub := context.WithCancel(context.Background())
	sub := b.SubscribeContext(subCtx, "cancel")
	cancelSub()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after its context was cancelled")
	}

	if _, err := sub.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func testNoDeliveryBeforeSubscribe(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.Emit("late", 1)

	// Relays deliver asynchronously; let the first value settle before
	// registering.
	time.Sleep(100 * time.Millisecond)

	sub := b.Subscribe("late")
	defer sub.Close()

	b.Emit("late", 2)

	got, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected value emitted after subscribing, got %d", got)
	}
}
