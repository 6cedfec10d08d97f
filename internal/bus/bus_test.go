package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := NewWithCapacity(4)
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message before the deadline")
	}
	if msg.Channel != "telegram" || msg.Content != "hi" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestConsumeInboundHonorsCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false on a cancelled context")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var first, second int
	b.Subscribe("a", func(ev Event) { first++ })
	b.Subscribe("b", func(ev Event) { second++ })

	b.Broadcast(Event{Name: "health"})

	if first != 1 || second != 1 {
		t.Fatalf("first = %d, second = %d; want 1, 1", first, second)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("a", func(ev Event) { calls++ })
	b.Unsubscribe("a")

	b.Broadcast(Event{Name: "health"})

	if calls != 0 {
		t.Fatalf("calls = %d; want 0 after unsubscribe", calls)
	}
}
