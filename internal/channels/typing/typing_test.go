package typing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestControllerFiresImmediatelyAndOnInterval(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
		KeepaliveInterval: 10 * time.Millisecond,
		MaxDuration:       200 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	if calls.Load() != 1 {
		t.Fatalf("expected immediate call, got %d", calls.Load())
	}

	time.Sleep(55 * time.Millisecond)
	if got := calls.Load(); got < 3 {
		t.Fatalf("expected at least 3 keepalive calls after 55ms, got %d", got)
	}
}

func TestControllerStopHaltsKeepalives(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
		KeepaliveInterval: 10 * time.Millisecond,
		MaxDuration:       time.Second,
	})
	c.Start()
	time.Sleep(25 * time.Millisecond)
	c.Stop()
	afterStop := calls.Load()

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != afterStop {
		t.Fatalf("expected no further calls after Stop, before=%d after=%d", afterStop, calls.Load())
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	c := New(Options{StartFn: func() error { return nil }})
	c.Start()
	c.Stop()
	c.Stop()
}

func TestControllerMaxDurationStopsKeepalives(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
		KeepaliveInterval: 10 * time.Millisecond,
		MaxDuration:       30 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	time.Sleep(100 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatalf("expected calls to stop after MaxDuration, before=%d after=%d", settled, calls.Load())
	}
}
