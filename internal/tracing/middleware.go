package tracing

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nxlb/turnplane/internal/middleware"
)

// Middleware builds a middleware.Middleware that spans each turn and each
// tool call. Install it first in the pipeline's declared order so its
// tool-call span wraps every other middleware's WrapToolCall and its turn
// span starts before the other OnBeforeTurn hooks; the turn span ends in its
// own OnAfterTurn, before later middlewares' OnAfterTurn hooks run.
func Middleware() middleware.Middleware {
	return middleware.Middleware{
		Name: "tracing",
		OnBeforeTurn: func(ctx context.Context, turn *middleware.TurnContext) error {
			_, span := StartTurnSpan(ctx, turn.SessionID, turn.TurnNumber)
			turn.MergeMetadata("tracing", map[string]any{"span": span})
			return nil
		},
		OnAfterTurn: func(ctx context.Context, turn *middleware.TurnContext) error {
			endSpan(turn)
			return nil
		},
		WrapToolCall: func(ctx context.Context, req middleware.ToolCallRequest, next middleware.Next) middleware.ToolCallResponse {
			spanCtx, span := StartToolSpan(ctx, req.Name)
			resp := next(spanCtx, req)
			if resp.Error != nil {
				span.RecordError(resp.Error)
				span.SetStatus(codes.Error, resp.Error.Error())
			}
			span.End()
			return resp
		},
	}
}

func endSpan(turn *middleware.TurnContext) {
	m, ok := turn.Metadata["tracing"].(map[string]any)
	if !ok {
		return
	}
	span, ok := m["span"].(trace.Span)
	if !ok {
		return
	}
	span.End()
}
