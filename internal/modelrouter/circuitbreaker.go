package modelrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// CircuitBreakerConfig tunes the per-provider breaker. A closed breaker
// trips to open after MaxFailures consecutive failures; it stays open for
// Timeout before admitting a single half-open probe; Interval resets the
// closed-state failure counter on a rolling basis.
type CircuitBreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// DefaultCircuitBreakerConfig returns the breaker tuning used in production.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 3, Timeout: 30 * time.Second, Interval: 60 * time.Second}
}

// providerBreaker wraps one gobreaker instance for one provider name.
type providerBreaker struct {
	breaker *gobreaker.CircuitBreaker[Response]
}

func newProviderBreaker(name string, cfg CircuitBreakerConfig, logger *slog.Logger) *providerBreaker {
	settings := gobreaker.Settings{
		Name:        "model:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			logger.Warn("modelrouter.breaker_state_change", "breaker", n, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool { return err == nil },
	}
	return &providerBreaker{breaker: gobreaker.NewCircuitBreaker[Response](settings)}
}

func (p *providerBreaker) execute(fn func() (Response, error)) (Response, error) {
	resp, err := p.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Response{}, fmt.Errorf("modelrouter: circuit open: %w", err)
	}
	return resp, err
}

func (p *providerBreaker) isOpen() bool {
	return p.breaker.State() == gobreaker.StateOpen
}

// breakerRegistry lazily constructs one providerBreaker per provider name.
type breakerRegistry struct {
	mu     sync.Mutex
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	byName map[string]*providerBreaker

	// probes coalesces concurrent half-open callers for the same provider:
	// gobreaker admits exactly one probe request per provider while
	// half-open and rejects the rest with ErrTooManyRequests, which would
	// otherwise count as N-1 wasted failure attempts per real probe.
	// singleflight turns that into one upstream call whose result every
	// concurrent caller shares.
	probes singleflight.Group
}

func newBreakerRegistry(cfg CircuitBreakerConfig, logger *slog.Logger) *breakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &breakerRegistry{cfg: cfg, logger: logger, byName: make(map[string]*providerBreaker)}
}

func (r *breakerRegistry) get(provider string) *providerBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byName[provider]; ok {
		return b
	}
	b := newProviderBreaker(provider, r.cfg, r.logger)
	r.byName[provider] = b
	return b
}

// open exposes open-state checks to the router's candidate
// gate without leaking gobreaker types.
func (r *breakerRegistry) open(provider string) bool {
	return r.get(provider).isOpen()
}

func (r *breakerRegistry) execute(ctx context.Context, provider string, fn func() (Response, error)) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}

	b := r.get(provider)
	if b.breaker.State() != gobreaker.StateHalfOpen {
		return b.execute(fn)
	}

	v, err, _ := r.probes.Do(provider, func() (interface{}, error) {
		return b.execute(fn)
	})
	resp, _ := v.(Response)
	return resp, err
}
