package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/nxlb/turnplane/internal/modelrouter"
)

type stubProvider struct {
	name  string
	resp  *ChatResponse
	err   error
	calls int
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	onChunk(StreamChunk{Content: s.resp.Content})
	onChunk(StreamChunk{Done: true})
	return s.resp, nil
}

func (s *stubProvider) DefaultModel() string { return "stub-model" }
func (s *stubProvider) Name() string         { return s.name }

func TestRegistryCachesInstancePerKey(t *testing.T) {
	reg := NewRegistry()
	builds := 0
	reg.Register("stub", func(apiKey string) Provider {
		builds++
		return &stubProvider{name: "stub"}
	})

	p1, ok := reg.Get("stub", "key-a")
	if !ok {
		t.Fatal("expected stub provider to be found")
	}
	p2, _ := reg.Get("stub", "key-a")
	if p1 != p2 {
		t.Error("expected same instance for repeated (name, key) lookup")
	}
	if _, ok := reg.Get("stub", "key-b"); !ok {
		t.Fatal("expected a distinct instance for a different key")
	}
	if builds != 2 {
		t.Errorf("builds = %d, want 2 (one per distinct key)", builds)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("missing", ""); ok {
		t.Error("expected ok=false for an unregistered provider")
	}
}

func TestRouterAdapterCompleteTranslatesRequest(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(apiKey string) Provider {
		return &stubProvider{name: "stub", resp: &ChatResponse{Content: "hi", Usage: &Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}}}
	})
	adapter := NewRouterAdapter(reg)

	resp, err := adapter.Complete(context.Background(), "stub", "stub-model", "k", modelrouter.Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if resp.Content != "hi" || resp.Usage.TotalTokens != 8 {
		t.Errorf("resp = %+v, want content %q and total tokens 8", resp, "hi")
	}
}

func TestRouterAdapterStreamRelaysChunks(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(apiKey string) Provider {
		return &stubProvider{name: "stub", resp: &ChatResponse{Content: "chunked"}}
	})
	adapter := NewRouterAdapter(reg)

	var seen []modelrouter.Chunk
	_, err := adapter.Stream(context.Background(), "stub", "stub-model", "k", modelrouter.Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c modelrouter.Chunk) { seen = append(seen, c) })
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if len(seen) != 2 || seen[0].Type != "content" || seen[1].Type != "done" {
		t.Errorf("seen = %+v, want [content, done]", seen)
	}
}

func TestRouterAdapterRejectsWrongMessageType(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(apiKey string) Provider { return &stubProvider{name: "stub"} })
	adapter := NewRouterAdapter(reg)

	_, err := adapter.Complete(context.Background(), "stub", "m", "k", modelrouter.Request{Messages: "not a slice"})
	if err == nil {
		t.Error("expected an error when Request.Messages is not []providers.Message")
	}
}

func TestClassifyByHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   modelrouter.FailureCategory
	}{
		{http.StatusUnauthorized, modelrouter.FailureAuthFailed},
		{http.StatusPaymentRequired, modelrouter.FailureBillingFailed},
		{http.StatusTooManyRequests, modelrouter.FailureRateLimited},
		{http.StatusGatewayTimeout, modelrouter.FailureTimeout},
		{http.StatusRequestEntityTooLarge, modelrouter.FailureContextOverflow},
		{http.StatusInternalServerError, modelrouter.FailureModelError},
	}
	for _, c := range cases {
		got := Classify(&HTTPError{Status: c.status})
		if got != c.want {
			t.Errorf("Classify(status=%d) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want modelrouter.FailureCategory
	}{
		{"maximum context length exceeded", modelrouter.FailureContextOverflow},
		{"thinking budget exhausted", modelrouter.FailureThinkingFailed},
		{"rate limit reached", modelrouter.FailureRateLimited},
		{"request timeout", modelrouter.FailureTimeout},
		{"invalid api key", modelrouter.FailureAuthFailed},
		{"insufficient_quota", modelrouter.FailureBillingFailed},
		{"something unexpected happened", modelrouter.FailureModelError},
	}
	for _, c := range cases {
		got := Classify(errors.New(c.msg))
		if got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}
