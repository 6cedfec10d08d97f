package modelrouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nxlb/turnplane/internal/tracing"
)

// RouterConfig tunes retry/backoff and failover behavior.
type RouterConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ThinkingDowngrade bool
	PreSelect         PreSelect
	Breaker           CircuitBreakerConfig
}

// DefaultRouterConfig returns the retry/failover tuning used in production.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetries:        5,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		ThinkingDowngrade: true,
		Breaker:           DefaultCircuitBreakerConfig(),
	}
}

// Router multiplexes calls across providers and API keys.
type Router struct {
	provider ProviderCall
	classify ClassifyFunc
	cfg      RouterConfig
	breakers *breakerRegistry
	logger   *slog.Logger

	mu    sync.Mutex
	rings map[string]*keyRing

	usageMu sync.Mutex
	onUsage []func(Usage)
}

// New builds a Router. keysByProvider supplies the credential pool per
// provider name; a provider absent from the map gets a single empty-key ring
// (useful when the provider authenticates out of band). A zero cfg.Breaker
// is replaced by DefaultCircuitBreakerConfig.
func New(provider ProviderCall, classify ClassifyFunc, cfg RouterConfig, keysByProvider map[string][]string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Breaker == (CircuitBreakerConfig{}) {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	rings := make(map[string]*keyRing, len(keysByProvider))
	for name, keys := range keysByProvider {
		rings[name] = newKeyRing(keys)
	}
	return &Router{
		provider: provider,
		classify: classify,
		cfg:      cfg,
		breakers: newBreakerRegistry(cfg.Breaker, logger),
		logger:   logger,
		rings:    rings,
	}
}

// OnUsage registers a callback fired once per successful completion.
// Callback errors (panics recovered) are swallowed.
func (r *Router) OnUsage(fn func(Usage)) {
	r.usageMu.Lock()
	defer r.usageMu.Unlock()
	r.onUsage = append(r.onUsage, fn)
}

func (r *Router) emitUsage(u Usage) {
	r.usageMu.Lock()
	subs := append([]func(Usage){}, r.onUsage...)
	r.usageMu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() { recover() }()
			fn(u)
		}()
	}
}

func (r *Router) ringFor(provider string) *keyRing {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.rings[provider]
	if !ok {
		ring = newKeyRing([]string{""})
		r.rings[provider] = ring
	}
	return ring
}

func (r *Router) candidates(req Request) []ModelRef {
	all := append([]ModelRef{req.Default}, req.FallbackChain...)
	if r.cfg.PreSelect == nil {
		return all
	}
	selected, err := r.cfg.PreSelect(all)
	if err != nil || len(selected) == 0 {
		return all
	}
	return selected
}

// Complete runs the candidate/circuit/retry/failover pipeline for one
// request and returns the first successful response.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	resp, _, err := r.run(ctx, req, nil)
	return resp, err
}

// Stream is like Complete but relays chunks via onChunk. Mid-stream errors
// (after the first chunk) propagate without failover.
func (r *Router) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (Response, error) {
	resp, _, err := r.run(ctx, req, onChunk)
	return resp, err
}

func (r *Router) run(ctx context.Context, req Request, onChunk func(Chunk)) (Response, int, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, 0, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	ctx, span := tracing.StartModelSpan(ctx, req.Default.Provider, req.Default.Model, 0)
	defer span.End()

	resp, slots, err := r.routeCandidates(ctx, req, onChunk)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("modelrouter.resolved_provider", resp.Provider), attribute.String("modelrouter.resolved_model", resp.Model))
	}
	return resp, slots, err
}

func (r *Router) routeCandidates(ctx context.Context, req Request, onChunk func(Chunk)) (Response, int, error) {
	candidates := r.candidates(req)
	thinking := req.Thinking
	retrySlots := 0
	var lastErr error

	for ci := 0; ci < len(candidates); ci++ {
		cand := candidates[ci]
		if r.breakers.open(cand.Provider) {
			continue
		}
		ring := r.ringFor(cand.Provider)
		// Entering a candidate consumes one retry slot; a single successful
		// call always consumes exactly one, and key rotation within the
		// candidate is free (it does not add further slots).
		retrySlots++

	attemptLoop:
		for {
			if retrySlots > r.cfg.MaxRetries+1 {
				return Response{}, retrySlots, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
			}
			key, ok := ring.current()
			if !ok {
				ring.reset()
				break attemptLoop // candidate exhausted, move to next
			}
			if err := ctx.Err(); err != nil {
				return Response{}, retrySlots, fmt.Errorf("%w: %v", ErrAborted, err)
			}

			creq := req
			creq.Thinking = thinking
			tokensSent := false
			resp, err := r.breakers.execute(ctx, cand.Provider, func() (Response, error) {
				if onChunk == nil {
					return r.provider.Complete(ctx, cand.Provider, cand.Model, key, creq)
				}
				return r.provider.Stream(ctx, cand.Provider, cand.Model, key, creq, func(c Chunk) {
					if c.Type == "content" {
						tokensSent = true
					}
					onChunk(c)
				})
			})
			if err == nil {
				r.emitUsage(resp.Usage)
				return resp, retrySlots, nil
			}
			lastErr = err

			if onChunk != nil && tokensSent {
				return Response{}, retrySlots, err // mid-stream failure propagates, no failover
			}

			category := r.classify(err)
			switch category {
			case FailureAuthFailed, FailureBillingFailed:
				if !ring.rotate() {
					break attemptLoop
				}
				continue attemptLoop
			case FailureRateLimited, FailureTimeout:
				retrySlots++
				if waitErr := r.wait(ctx, backoffFor(err, r.cfg.BaseDelay, retrySlots, r.cfg.MaxDelay)); waitErr != nil {
					return Response{}, retrySlots, waitErr
				}
				continue attemptLoop
			case FailureContextOverflow, FailureThinkingFailed:
				if !r.cfg.ThinkingDowngrade {
					return Response{}, retrySlots, fmt.Errorf("%w: %v", ErrThinkingExhausted, err)
				}
				next, ok := downgrade(thinking)
				if !ok {
					return Response{}, retrySlots, fmt.Errorf("%w: %v", ErrThinkingExhausted, err)
				}
				thinking = next
				retrySlots++
				continue attemptLoop
			case FailureModelError:
				// next candidate; its entry increment charges the slot
			default:
			}
			break attemptLoop // next candidate
		}
	}
	return Response{}, retrySlots, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

func (r *Router) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
}
