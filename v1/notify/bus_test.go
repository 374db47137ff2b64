package notify

import (
	"context"
	"testing"
	"time"
)

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed instead of signalled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for signal")
	}
}

func expectClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	a, _ := bus.Subscribe(ctx, "t")
	b, _ := bus.Subscribe(ctx, "t")
	other, _ := bus.Subscribe(ctx, "u")

	if err := bus.Publish(ctx, "t"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, a)
	expectSignal(t, b)
	select {
	case <-other:
		t.Fatal("signal leaked to another topic")
	default:
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusCoalescesSignals(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "t")
	for i := 0; i < 5; i++ {
		_ = bus.Publish(ctx, "t")
	}
	expectSignal(t, ch)
	select {
	case <-ch:
		t.Fatal("expected signals to be coalesced")
	default:
	}
}

func TestInMemoryBusUnsubscribeOnContext(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "t")
	cancel()
	expectClosed(t, ch)
	if bus.subs.has("t") {
		t.Fatal("subscription not removed")
	}
	if err := bus.Unsubscribe(context.Background(), "t", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}
