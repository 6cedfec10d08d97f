// Package modelrouter multiplexes LLM calls across providers and API keys,
// applying per-provider circuit breakers, jittered retries, failure-taxonomy
// driven failover, and a thinking-budget downgrade chain.
package modelrouter

import (
	"context"
	"errors"
)

// ErrAllProvidersFailed is the terminal error when every candidate and
// retry slot has been exhausted.
var ErrAllProvidersFailed = errors.New("modelrouter: all providers failed")

// ErrAborted reports cancellation of the in-flight call or retry wait.
var ErrAborted = errors.New("modelrouter: call aborted")

// ErrThinkingExhausted reports a request already at thinking "none" that
// hit a thinking-related failure.
var ErrThinkingExhausted = errors.New("modelrouter: thinking downgrade chain exhausted")

// Thinking is the request-level reasoning-depth directive.
type Thinking string

const (
	ThinkingNone     Thinking = "none"
	ThinkingStandard Thinking = "standard"
	ThinkingExtended Thinking = "extended"
	ThinkingAdaptive Thinking = "adaptive"
)

// FailureCategory classifies a provider error for failover purposes.
type FailureCategory string

const (
	FailureAuthFailed      FailureCategory = "auth_failed"
	FailureBillingFailed   FailureCategory = "billing_failed"
	FailureRateLimited     FailureCategory = "rate_limited"
	FailureTimeout         FailureCategory = "timeout"
	FailureModelError      FailureCategory = "model_error"
	FailureContextOverflow FailureCategory = "context_overflow"
	FailureThinkingFailed  FailureCategory = "thinking_failed"
)

// ModelRef names a provider/model pair.
type ModelRef struct {
	Provider string
	Model    string
}

// Request is a single model-router call.
type Request struct {
	Default       ModelRef
	FallbackChain []ModelRef
	Thinking      Thinking
	Messages      any
	Tools         any
}

// Response is a successful completion.
type Response struct {
	Provider string
	Model    string
	Content  string
	Usage    Usage
}

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is a tagged streaming event.
type Chunk struct {
	Type    string // content | usage | tool_call | done
	Content string
	Usage   *Usage
}

// ProviderCall is the minimal surface the router needs from a model
// provider; a real adapter (internal/providers) implements this per backend.
type ProviderCall interface {
	Complete(ctx context.Context, provider, model string, key string, req Request) (Response, error)
	Stream(ctx context.Context, provider, model string, key string, req Request, onChunk func(Chunk)) (Response, error)
}

// ClassifyFunc maps a provider error to a FailureCategory.
type ClassifyFunc func(err error) FailureCategory

// PreSelect may reorder or trim the candidate list. Returning an error or an
// empty slice falls back to the unfiltered chain.
type PreSelect func(candidates []ModelRef) ([]ModelRef, error)
