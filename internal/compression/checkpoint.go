package compression

import (
	"context"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
)

// checkpoint summarizes everything older than the preserved tail and keeps
// the replaced span in memory so it can be restored later.
func (e *Engine) checkpoint(ctx context.Context, req Request, messages []core.Message) (Result, error) {
	system, rest := core.SplitSystem(messages)

	split := splitTail(rest, preserveBudget(req))
	if split == 0 {
		return Result{}, ErrNothingToCompress
	}
	span, tail := rest[:split], rest[split:]

	budget := e.summaryBudget(span, req.SummaryMaxTokens)
	if budget <= 0 {
		return Result{}, ErrNothingToCompress
	}

	summary, err := e.summarize(ctx, req, span, budget)
	if err != nil {
		return Result{}, err
	}

	summaryMsg := e.summaryMessage(summary)
	result := Result{
		Messages: assemble(system, []core.Message{summaryMsg}, tail),
		Summary:  summary,
	}
	if req.Tier.MaxCheckpoints > 0 {
		result.Checkpoint = newCheckpoint(summaryMsg, summary, span, e.clock.Now())
	}

	e.emit(req, event.Event{
		Type:             event.Compressed,
		Summary:          summary,
		OriginalTokens:   core.SumTokens(messages),
		CompressedTokens: core.SumTokens(result.Messages),
	})
	return result, nil
}
