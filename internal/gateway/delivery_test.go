package gateway

import (
	"sync"
	"testing"
)

func TestAckClearsPendingAndIsIdempotent(t *testing.T) {
	var sent []PendingMessage
	var mu sync.Mutex
	dt := NewDeliveryTracker(3, func(msg PendingMessage) error {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		return nil
	}, nil)

	id, err := dt.Send("node-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(dt.Pending("node-1")) != 1 {
		t.Fatal("expected one pending message")
	}

	dt.Ack(id)
	dt.Ack(id) // idempotent, no panic/error
	if len(dt.Pending("node-1")) != 0 {
		t.Fatal("expected pending cleared after ack")
	}
}

func TestReconnectRedeliversInOrderWithIncrementedAttempts(t *testing.T) {
	var sent []PendingMessage
	dt := NewDeliveryTracker(5, func(msg PendingMessage) error {
		sent = append(sent, msg)
		return nil
	}, nil)

	dt.Send("node-1", "first")
	dt.Send("node-1", "second")
	sent = nil // only care about redelivery order

	dt.Reconnect("node-1")

	if len(sent) != 2 {
		t.Fatalf("expected 2 redelivered messages, got %d", len(sent))
	}
	if sent[0].Payload != "first" || sent[1].Payload != "second" {
		t.Fatalf("expected original order preserved, got %+v", sent)
	}
	if sent[0].Attempts != 2 || sent[1].Attempts != 2 {
		t.Fatalf("expected attempts incremented to 2, got %+v", sent)
	}
}

func TestExceedingMaxAttemptsDeadLetters(t *testing.T) {
	var deadLettered []PendingMessage
	dt := NewDeliveryTracker(1, func(msg PendingMessage) error { return nil }, func(msg PendingMessage) {
		deadLettered = append(deadLettered, msg)
	})

	dt.Send("node-1", "only-try")
	dt.Reconnect("node-1") // attempts becomes 2, exceeds maxAttempts=1

	if len(deadLettered) != 1 {
		t.Fatalf("expected dead-letter handoff, got %d", len(deadLettered))
	}
	if len(dt.Pending("node-1")) != 0 {
		t.Fatal("expected pending cleared after dead-letter")
	}
}
