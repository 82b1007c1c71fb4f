package orchestrator

import (
	"context"

	"github.com/petrijr/reviewflow/pkg/api"
)

// reporter publishes task progress on the session's event stream.
type reporter struct {
	o         *Orchestrator
	sessionID string
	step      string
}

var _ api.Reporter = reporter{}

func (r reporter) Stream(ctx context.Context, chunk string) {
	r.o.emit(ctx, r.sessionID, api.EventAgentStream, map[string]any{
		"agent": r.step,
		"chunk": chunk,
	})
}

func (r reporter) ToolCall(ctx context.Context, tool string, args map[string]any) {
	r.o.emit(ctx, r.sessionID, api.EventToolCall, map[string]any{
		"agent": r.step,
		"tool":  tool,
		"args":  args,
	})
}

func (r reporter) ToolResult(ctx context.Context, tool string, result any) {
	r.o.emit(ctx, r.sessionID, api.EventToolResult, map[string]any{
		"agent":  r.step,
		"tool":   tool,
		"result": result,
	})
}
