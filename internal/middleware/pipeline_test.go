package middleware

import (
	"context"
	"testing"
)

func TestWrapToolCallOnionOrder(t *testing.T) {
	var order []string
	outer := Middleware{
		Name: "outer",
		WrapToolCall: func(ctx context.Context, req ToolCallRequest, next Next) ToolCallResponse {
			order = append(order, "outer-before")
			resp := next(ctx, req)
			order = append(order, "outer-after")
			return resp
		},
	}
	inner := Middleware{
		Name: "inner",
		WrapToolCall: func(ctx context.Context, req ToolCallRequest, next Next) ToolCallResponse {
			order = append(order, "inner-before")
			resp := next(ctx, req)
			order = append(order, "inner-after")
			return resp
		},
	}
	p := New(outer, inner)

	resp := p.WrapToolCall(context.Background(), ToolCallRequest{}, func(ctx context.Context, req ToolCallRequest) ToolCallResponse {
		order = append(order, "terminal")
		return ToolCallResponse{Result: "done"}
	})

	want := []string{"outer-before", "inner-before", "terminal", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v; want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v; want %v", order, want)
		}
	}
	if resp.Result != "done" {
		t.Fatalf("resp.Result = %v", resp.Result)
	}
}

func TestWrapToolCallShortCircuit(t *testing.T) {
	blocker := Middleware{
		Name: "blocker",
		WrapToolCall: func(ctx context.Context, req ToolCallRequest, next Next) ToolCallResponse {
			return ToolCallResponse{Result: "blocked"}
		},
	}
	terminalCalled := false
	p := New(blocker)
	resp := p.WrapToolCall(context.Background(), ToolCallRequest{}, func(ctx context.Context, req ToolCallRequest) ToolCallResponse {
		terminalCalled = true
		return ToolCallResponse{}
	})

	if terminalCalled {
		t.Fatal("terminal should not run when blocker short-circuits")
	}
	if resp.Result != "blocked" {
		t.Fatalf("resp.Result = %v", resp.Result)
	}
}

func TestSessionEndBestEffort(t *testing.T) {
	ran := false
	m1 := Middleware{Name: "fails", OnSessionEnd: func(ctx context.Context, turn *TurnContext) error {
		return context.DeadlineExceeded
	}}
	m2 := Middleware{Name: "runs", OnSessionEnd: func(ctx context.Context, turn *TurnContext) error {
		ran = true
		return nil
	}}
	p := New(m1, m2)
	err := p.SessionEnd(context.Background(), &TurnContext{})

	if err == nil {
		t.Fatal("expected first error to be returned")
	}
	if !ran {
		t.Fatal("second middleware's onSessionEnd should still run")
	}
}

func TestMergeMetadataMergesNotOverwrites(t *testing.T) {
	tc := &TurnContext{}
	tc.MergeMetadata("entities", map[string]any{"a": 1})
	tc.MergeMetadata("entities", map[string]any{"b": 2})

	got := tc.Metadata["entities"].(map[string]any)
	if got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("merged metadata = %v", got)
	}
}
