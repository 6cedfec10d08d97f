package modelrouter

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedCall struct {
	err      error
	resp     Response
}

type fakeProvider struct {
	calls   []string
	scripts map[string][]scriptedCall
	idx     map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{scripts: map[string][]scriptedCall{}, idx: map[string]int{}}
}

func (f *fakeProvider) script(provider string, calls ...scriptedCall) {
	f.scripts[provider] = calls
}

func (f *fakeProvider) Complete(ctx context.Context, provider, model, key string, req Request) (Response, error) {
	f.calls = append(f.calls, provider+"/"+string(req.Thinking))
	list := f.scripts[provider]
	i := f.idx[provider]
	if i >= len(list) {
		return Response{}, errors.New("no more scripted calls")
	}
	f.idx[provider] = i + 1
	c := list[i]
	return c.resp, c.err
}

func (f *fakeProvider) Stream(ctx context.Context, provider, model, key string, req Request, onChunk func(Chunk)) (Response, error) {
	return f.Complete(ctx, provider, model, key, req)
}

type classifiedError struct {
	category FailureCategory
}

func (e classifiedError) Error() string { return string(e.category) }

func classify(err error) FailureCategory {
	var ce classifiedError
	if errors.As(err, &ce) {
		return ce.category
	}
	return FailureModelError
}

func TestThinkingDowngradeChain(t *testing.T) {
	fp := newFakeProvider()
	fp.script("anthropic",
		scriptedCall{err: classifiedError{FailureThinkingFailed}},
		scriptedCall{err: classifiedError{FailureThinkingFailed}},
		scriptedCall{resp: Response{Provider: "anthropic"}},
	)
	r := New(fp, classify, RouterConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ThinkingDowngrade: true}, nil, nil)

	var usageEvents int
	r.OnUsage(func(Usage) { usageEvents++ })

	resp, err := r.Complete(context.Background(), Request{
		Default:  ModelRef{Provider: "anthropic", Model: "m"},
		Thinking: ThinkingExtended,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Fatalf("resp = %+v", resp)
	}
	want := []string{"anthropic/extended", "anthropic/standard", "anthropic/none"}
	if len(fp.calls) != len(want) {
		t.Fatalf("calls = %v; want %v", fp.calls, want)
	}
	for i := range want {
		if fp.calls[i] != want[i] {
			t.Fatalf("calls = %v; want %v", fp.calls, want)
		}
	}
	if usageEvents != 1 {
		t.Fatalf("usageEvents = %d; want 1", usageEvents)
	}
}

func TestKeyRotationOnAuthFailed(t *testing.T) {
	fp := newFakeProvider()
	fp.script("openai",
		scriptedCall{err: classifiedError{FailureAuthFailed}},
		scriptedCall{resp: Response{Provider: "openai"}},
	)
	r := New(fp, classify, RouterConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		map[string][]string{"openai": {"k1", "k2"}}, nil)

	resp, slots, err := r.run(context.Background(), Request{Default: ModelRef{Provider: "openai", Model: "m"}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Provider != "openai" {
		t.Fatalf("resp = %+v", resp)
	}
	if slots != 1 {
		t.Fatalf("retry slots = %d; want 1 (key rotation is free)", slots)
	}
}

func TestBreakerTripsAndSkipsProvider(t *testing.T) {
	fp := newFakeProvider()
	fp.script("flaky",
		scriptedCall{err: classifiedError{FailureModelError}},
		scriptedCall{err: classifiedError{FailureModelError}},
		scriptedCall{err: classifiedError{FailureModelError}},
	)
	fp.script("backup",
		scriptedCall{resp: Response{Provider: "backup"}},
		scriptedCall{resp: Response{Provider: "backup"}},
		scriptedCall{resp: Response{Provider: "backup"}},
		scriptedCall{resp: Response{Provider: "backup"}},
	)
	cfg := RouterConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Breaker:    CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Hour, Interval: time.Hour},
	}
	r := New(fp, classify, cfg, nil, nil)

	req := Request{
		Default:       ModelRef{Provider: "flaky", Model: "m"},
		FallbackChain: []ModelRef{{Provider: "backup", Model: "m"}},
	}
	// Three calls fail over to backup, each charging flaky one breaker failure.
	for i := 0; i < 3; i++ {
		resp, err := r.Complete(context.Background(), req)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Provider != "backup" {
			t.Fatalf("call %d: resp.Provider = %q; want backup", i, resp.Provider)
		}
	}
	flakyCalls := 0
	for _, c := range fp.calls {
		if c == "flaky/" {
			flakyCalls++
		}
	}
	if flakyCalls != 3 {
		t.Fatalf("flaky attempts = %d; want 3", flakyCalls)
	}

	// Breaker is now open: the fourth call must skip flaky entirely.
	if _, err := r.Complete(context.Background(), req); err != nil {
		t.Fatalf("call with open breaker: %v", err)
	}
	for _, c := range fp.calls[len(fp.calls)-1:] {
		if c != "backup/" {
			t.Fatalf("last call hit %q; want backup only", c)
		}
	}
}

func TestModelErrorMovesToNextCandidate(t *testing.T) {
	fp := newFakeProvider()
	fp.script("primary", scriptedCall{err: classifiedError{FailureModelError}})
	fp.script("secondary", scriptedCall{resp: Response{Provider: "secondary"}})
	r := New(fp, classify, RouterConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, nil)

	resp, err := r.Complete(context.Background(), Request{
		Default:       ModelRef{Provider: "primary", Model: "m"},
		FallbackChain: []ModelRef{{Provider: "secondary", Model: "m"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Fatalf("resp.Provider = %q; want secondary", resp.Provider)
	}
}

func TestAllProvidersFailedSurfacesTerminalError(t *testing.T) {
	fp := newFakeProvider()
	fp.script("only",
		scriptedCall{err: classifiedError{FailureModelError}},
		scriptedCall{err: classifiedError{FailureModelError}},
	)
	r := New(fp, classify, RouterConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, nil)

	_, err := r.Complete(context.Background(), Request{Default: ModelRef{Provider: "only", Model: "m"}})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v; want ErrAllProvidersFailed", err)
	}
}

func TestFullJitterDelayBounded(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 20; i++ {
			d := fullJitterDelay(base, attempt, 2*time.Second)
			maxExpected := shiftCapped(base, attempt)
			if maxExpected > 2*time.Second {
				maxExpected = 2 * time.Second
			}
			if d < 0 || d > maxExpected {
				t.Fatalf("delay %v out of bounds [0, %v] at attempt %d", d, maxExpected, attempt)
			}
		}
	}
}
