package agent

import (
	"context"
	"fmt"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/tool"
)

// executeTools runs each call in order and records its result. A failing
// tool is reported to the model as its output; only a failure to record
// the result aborts the run.
func (a *Agent) executeTools(ctx context.Context, runID string, calls []core.ToolCall, events chan<- Event) error {
	for _, call := range calls {
		output := a.executeToolCall(ctx, runID, call, events)

		if _, err := a.conversation.AddMessage(core.Message{
			Role:       core.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
		}); err != nil {
			return fmt.Errorf("add tool result: %w", err)
		}
	}

	return ctx.Err()
}

func (a *Agent) executeToolCall(ctx context.Context, runID string, call core.ToolCall, events chan<- Event) string {
	if ctx.Err() != nil {
		return "error: run cancelled"
	}
	if a.tools == nil {
		return "error: no tools are available"
	}

	toolCtx, cancel := context.WithTimeout(tool.WithSessionID(ctx, a.conversation.SessionID()), a.config.ToolTimeout)
	defer cancel()

	a.send(ctx, events, Event{Type: EvtToolStarted, RunID: runID, CallID: call.ID, ToolName: call.Name})
	output, err := a.tools.Execute(toolCtx, call.Name, call.Arguments)

	if err != nil {
		a.send(ctx, events, Event{Type: EvtToolFailed, RunID: runID, CallID: call.ID, ToolName: call.Name, Error: err.Error()})
		return "error: " + err.Error()
	}

	a.send(ctx, events, Event{Type: EvtToolCompleted, RunID: runID, CallID: call.ID, ToolName: call.Name, Output: output})
	return output
}
