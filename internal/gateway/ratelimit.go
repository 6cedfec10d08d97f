package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-node token-bucket inbound-message rate. A node
// exceeding its rate has messages rejected (not queued) until the bucket
// refills.
type RateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	enabled bool
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter at rpm requests/minute with burst.
// rpm <= 0 disables limiting entirely (Allow always true).
func NewRateLimiter(rpm int, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{enabled: false}
	}
	return &RateLimiter{
		rps:     rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		enabled: true,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether nodeID may send another message now, consuming a
// token if so.
func (r *RateLimiter) Allow(nodeID string) bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	b, ok := r.buckets[nodeID]
	if !ok {
		b = rate.NewLimiter(r.rps, r.burst)
		r.buckets[nodeID] = b
	}
	r.mu.Unlock()
	return b.Allow()
}

// Forget drops a node's bucket, called when the node's connection closes to
// bound memory.
func (r *RateLimiter) Forget(nodeID string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	delete(r.buckets, nodeID)
	r.mu.Unlock()
}
