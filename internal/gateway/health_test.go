package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthMonitorDetectsDeadNode(t *testing.T) {
	r := NewRegistry()
	r.Register("node-1", "p", nil, func(msg Message) error { return nil })

	var deadCalls int32
	var deadNode string
	var mu sync.Mutex

	hm := NewHealthMonitor(r, 5*time.Millisecond, 10*time.Millisecond,
		func(nodeID string) (time.Time, bool) { return time.Now().Add(-time.Hour), true },
		func(nodeID string) error { return nil },
		func(nodeID string) {
			atomic.AddInt32(&deadCalls, 1)
			mu.Lock()
			deadNode = nodeID
			mu.Unlock()
		},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)
	defer hm.Shutdown()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&deadCalls) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&deadCalls) == 0 {
		t.Fatal("expected onDead to fire for a stale node")
	}
	mu.Lock()
	defer mu.Unlock()
	if deadNode != "node-1" {
		t.Fatalf("expected node-1 reported dead, got %q", deadNode)
	}
}

func TestHealthMonitorTicksDoNotOverlap(t *testing.T) {
	r := NewRegistry()
	r.Register("node-1", "p", nil, func(msg Message) error { return nil })

	var running int32
	var overlapped int32
	block := make(chan struct{})

	hm := NewHealthMonitor(r, 2*time.Millisecond, time.Hour,
		func(nodeID string) (time.Time, bool) { return time.Now(), true },
		func(nodeID string) error {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.AddInt32(&overlapped, 1)
			}
			<-block
			atomic.StoreInt32(&running, 0)
			return nil
		},
		nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	hm.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	close(block)
	cancel()
	hm.Shutdown()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatalf("expected no overlapping ticks, observed %d", overlapped)
	}
}
