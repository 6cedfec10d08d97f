package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/nxlb/turnplane/internal/modelrouter"
)

// Factory builds a Provider bound to a single API key. The model router
// calls it once per (provider, key) pair it actually uses and caches the
// result, so key rotation never re-does provider construction work under
// the retry loop.
type Factory func(apiKey string) Provider

// Registry holds one Factory per provider name plus every Provider instance
// built so far, keyed by (name, apiKey). The same Registry backs both
// direct tool-facing provider lookups and the model router's key rotation.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry returns an empty Registry. Register providers with Register.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// Register installs the Factory for a provider name, overwriting any prior
// registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns the Provider for name built with apiKey, constructing and
// caching it on first use. apiKey may be empty for providers that
// authenticate out of band.
func (r *Registry) Get(name, apiKey string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cacheKey := name + "|" + apiKey
	if p, ok := r.instances[cacheKey]; ok {
		return p, true
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	p := factory(apiKey)
	r.instances[cacheKey] = p
	return p, true
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// RouterAdapter implements modelrouter.ProviderCall over a Registry,
// translating the router's provider-agnostic Request/Response/Chunk shapes
// into this package's ChatRequest/ChatResponse/StreamChunk.
type RouterAdapter struct {
	registry *Registry
}

// NewRouterAdapter wraps registry for use as a modelrouter.ProviderCall.
func NewRouterAdapter(registry *Registry) *RouterAdapter {
	return &RouterAdapter{registry: registry}
}

var _ modelrouter.ProviderCall = (*RouterAdapter)(nil)

func (a *RouterAdapter) Complete(ctx context.Context, provider, model, key string, req modelrouter.Request) (modelrouter.Response, error) {
	p, ok := a.registry.Get(provider, key)
	if !ok {
		return modelrouter.Response{}, fmt.Errorf("modelrouter: unknown provider %q", provider)
	}
	cr, err := toChatRequest(model, req)
	if err != nil {
		return modelrouter.Response{}, err
	}
	resp, err := p.Chat(ctx, cr)
	if err != nil {
		return modelrouter.Response{}, err
	}
	return toRouterResponse(provider, model, resp), nil
}

func (a *RouterAdapter) Stream(ctx context.Context, provider, model, key string, req modelrouter.Request, onChunk func(modelrouter.Chunk)) (modelrouter.Response, error) {
	p, ok := a.registry.Get(provider, key)
	if !ok {
		return modelrouter.Response{}, fmt.Errorf("modelrouter: unknown provider %q", provider)
	}
	cr, err := toChatRequest(model, req)
	if err != nil {
		return modelrouter.Response{}, err
	}
	resp, err := p.ChatStream(ctx, cr, func(c StreamChunk) {
		if c.Content != "" {
			onChunk(modelrouter.Chunk{Type: "content", Content: c.Content})
		}
		if c.Done {
			onChunk(modelrouter.Chunk{Type: "done"})
		}
	})
	if err != nil {
		return modelrouter.Response{}, err
	}
	return toRouterResponse(provider, model, resp), nil
}

func toChatRequest(model string, req modelrouter.Request) (ChatRequest, error) {
	messages, ok := req.Messages.([]Message)
	if !ok {
		return ChatRequest{}, errors.New("modelrouter: Request.Messages is not []providers.Message")
	}
	cr := ChatRequest{Messages: messages, Model: model}
	if tools, ok := req.Tools.([]ToolDefinition); ok {
		cr.Tools = tools
	}
	if req.Thinking != "" && req.Thinking != modelrouter.ThinkingNone {
		cr.Options = map[string]any{OptThinkingLevel: ThinkingLevelFor(string(req.Thinking))}
	}
	return cr, nil
}

func toRouterResponse(provider, model string, resp *ChatResponse) modelrouter.Response {
	out := modelrouter.Response{Provider: provider, Model: model, Content: resp.Content}
	if resp.Usage != nil {
		out.Usage = modelrouter.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

// Classify maps a provider error into the model router's failure taxonomy.
// HTTPError carries the status code that distinguishes most categories;
// everything else falls back to matching on the error's message, keying off
// Anthropic/OpenAI's textual error codes when no status is available.
func Classify(err error) modelrouter.FailureCategory {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return modelrouter.FailureAuthFailed
		case http.StatusPaymentRequired:
			return modelrouter.FailureBillingFailed
		case http.StatusTooManyRequests:
			return modelrouter.FailureRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return modelrouter.FailureTimeout
		case http.StatusRequestEntityTooLarge:
			return modelrouter.FailureContextOverflow
		default:
			return modelrouter.FailureModelError
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context") && strings.Contains(msg, "too long"),
		strings.Contains(msg, "maximum context"),
		strings.Contains(msg, "context_length_exceeded"):
		return modelrouter.FailureContextOverflow
	case strings.Contains(msg, "thinking"):
		return modelrouter.FailureThinkingFailed
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "overloaded"):
		return modelrouter.FailureRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return modelrouter.FailureTimeout
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "invalid x-api-key"):
		return modelrouter.FailureAuthFailed
	case strings.Contains(msg, "billing"), strings.Contains(msg, "insufficient_quota"), strings.Contains(msg, "credit balance"):
		return modelrouter.FailureBillingFailed
	default:
		return modelrouter.FailureModelError
	}
}
