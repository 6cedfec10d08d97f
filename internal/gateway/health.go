package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// PingSender sends a liveness ping to a node.
type PingSender func(nodeID string) error

// NodeDeadHandler is invoked for a node whose last activity predates the
// dead threshold; it typically emits a disconnect event into the session
// machine.
type NodeDeadHandler func(nodeID string)

// SweepHandler runs once per tick after dead-node detection; collaborators
// (pairing guard, delivery tracker) use it to evict their own expired
// entries.
type SweepHandler func()

// LastActivityFunc reports the last observed activity time for a node.
type LastActivityFunc func(nodeID string) (time.Time, bool)

// HealthMonitor periodically pings live nodes, detects dead ones, and runs
// sweep collaborators. Ticks never overlap: if a previous tick is still
// running when the next is due, the next is skipped.
type HealthMonitor struct {
	registry        *Registry
	pingInterval    time.Duration
	deadThreshold   time.Duration
	lastActivity    LastActivityFunc
	ping            PingSender
	onDead          NodeDeadHandler
	onSweep         SweepHandler

	running atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewHealthMonitor builds a HealthMonitor. Any of lastActivity, ping, onDead
// and onSweep may be nil; the step that uses a nil callback is skipped.
func NewHealthMonitor(registry *Registry, pingInterval, deadThreshold time.Duration, lastActivity LastActivityFunc, ping PingSender, onDead NodeDeadHandler, onSweep SweepHandler) *HealthMonitor {
	return &HealthMonitor{
		registry:      registry,
		pingInterval:  pingInterval,
		deadThreshold: deadThreshold,
		lastActivity:  lastActivity,
		ping:          ping,
		onDead:        onDead,
		onSweep:       onSweep,
	}
}

// Start begins the periodic tick loop. Returns immediately; stop via ctx
// cancellation or Shutdown.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	ticker := time.NewTicker(h.pingInterval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick()
			}
		}
	}()
}

// Shutdown stops the tick loop and awaits any in-flight tick.
func (h *HealthMonitor) Shutdown() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) tick() {
	if !h.running.CompareAndSwap(false, true) {
		return // previous tick still in flight, skip
	}
	defer h.running.Store(false)

	now := time.Now()
	nodes := h.registry.List()

	// Pings fan out concurrently: a slow or hanging node's ping must not
	// delay liveness detection for the rest of the fleet.
	if h.ping != nil {
		var g errgroup.Group
		for _, nodeID := range nodes {
			nodeID := nodeID
			g.Go(func() error {
				h.ping(nodeID)
				return nil
			})
		}
		g.Wait()
	}

	if h.lastActivity != nil {
		for _, nodeID := range nodes {
			last, ok := h.lastActivity(nodeID)
			if !ok {
				continue
			}
			if now.Sub(last) >= h.deadThreshold && h.onDead != nil {
				h.onDead(nodeID)
			}
		}
	}
	if h.onSweep != nil {
		h.onSweep()
	}
}
