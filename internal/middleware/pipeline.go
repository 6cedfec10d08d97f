// Package middleware implements the turn pipeline: ordered session/turn
// lifecycle hooks plus an onion-nested tool-call interceptor chain, in the
// style of an HTTP middleware stack but over agent turns instead of requests.
package middleware

import (
	"context"
	"fmt"
)

// TurnContext carries state through one agent turn. Metadata is shared
// mutable state across middlewares (entities, memories, audit span,
// permission checks); middlewares must merge into existing keys rather than
// overwrite them wholesale.
type TurnContext struct {
	SessionID  string
	TurnNumber int
	Input      any
	Output     any
	Metadata   map[string]any
}

// MergeMetadata writes key/value into tc.Metadata, merging into an existing
// map[string]any value at key rather than replacing it.
func (tc *TurnContext) MergeMetadata(key string, value map[string]any) {
	if tc.Metadata == nil {
		tc.Metadata = make(map[string]any)
	}
	existing, ok := tc.Metadata[key].(map[string]any)
	if !ok {
		tc.Metadata[key] = value
		return
	}
	for k, v := range value {
		existing[k] = v
	}
}

// ToolCallRequest is the unit of work wrapToolCall middlewares intercept.
type ToolCallRequest struct {
	Turn *TurnContext
	Name string
	Args map[string]any
}

// ToolCallResponse is what a tool call (or a short-circuiting middleware)
// produces.
type ToolCallResponse struct {
	Result any
	Error  error
}

// Next invokes the remainder of the onion chain.
type Next func(ctx context.Context, req ToolCallRequest) ToolCallResponse

// Middleware is the full set of hooks a component may implement. All fields
// are optional; a nil hook is skipped.
type Middleware struct {
	Name           string
	OnSessionStart func(ctx context.Context, turn *TurnContext) error
	OnBeforeTurn   func(ctx context.Context, turn *TurnContext) error
	OnAfterTurn    func(ctx context.Context, turn *TurnContext) error
	OnSessionEnd   func(ctx context.Context, turn *TurnContext) error
	WrapToolCall   func(ctx context.Context, req ToolCallRequest, next Next) ToolCallResponse
}

// Pipeline runs a declared-order list of Middleware.
type Pipeline struct {
	stack []Middleware
}

// New builds a Pipeline from middlewares in declared (outermost-first) order.
func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{stack: middlewares}
}

// Len reports the number of middlewares in the pipeline.
func (p *Pipeline) Len() int { return len(p.stack) }

// SessionStart invokes OnSessionStart hooks in declared order. The first
// error aborts and is returned.
func (p *Pipeline) SessionStart(ctx context.Context, turn *TurnContext) error {
	for _, m := range p.stack {
		if m.OnSessionStart == nil {
			continue
		}
		if err := m.OnSessionStart(ctx, turn); err != nil {
			return fmt.Errorf("middleware %q: onSessionStart: %w", m.Name, err)
		}
	}
	return nil
}

// BeforeTurn invokes OnBeforeTurn hooks in declared order.
func (p *Pipeline) BeforeTurn(ctx context.Context, turn *TurnContext) error {
	for _, m := range p.stack {
		if m.OnBeforeTurn == nil {
			continue
		}
		if err := m.OnBeforeTurn(ctx, turn); err != nil {
			return fmt.Errorf("middleware %q: onBeforeTurn: %w", m.Name, err)
		}
	}
	return nil
}

// AfterTurn invokes OnAfterTurn hooks in declared order.
func (p *Pipeline) AfterTurn(ctx context.Context, turn *TurnContext) error {
	for _, m := range p.stack {
		if m.OnAfterTurn == nil {
			continue
		}
		if err := m.OnAfterTurn(ctx, turn); err != nil {
			return fmt.Errorf("middleware %q: onAfterTurn: %w", m.Name, err)
		}
	}
	return nil
}

// SessionEnd invokes OnSessionEnd hooks in declared order, best-effort: a
// hook error is recorded but does not stop later hooks from running.
func (p *Pipeline) SessionEnd(ctx context.Context, turn *TurnContext) error {
	var firstErr error
	for _, m := range p.stack {
		if m.OnSessionEnd == nil {
			continue
		}
		if err := m.OnSessionEnd(ctx, turn); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("middleware %q: onSessionEnd: %w", m.Name, err)
		}
	}
	return firstErr
}

// WrapToolCall builds the onion chain (outermost middleware runs first, each
// decides whether to call next) and invokes it with terminal as the
// innermost call.
func (p *Pipeline) WrapToolCall(ctx context.Context, req ToolCallRequest, terminal Next) ToolCallResponse {
	chain := terminal
	for i := len(p.stack) - 1; i >= 0; i-- {
		m := p.stack[i]
		if m.WrapToolCall == nil {
			continue
		}
		wrap := m.WrapToolCall
		inner := chain
		chain = func(ctx context.Context, req ToolCallRequest) ToolCallResponse {
			return wrap(ctx, req, inner)
		}
	}
	return chain(ctx, req)
}
