package compression

import (
	"context"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
)

// PrunedToolOutput replaces tool results dropped by the hybrid strategy.
const PrunedToolOutput = "[tool output pruned]"

// hybrid truncates everything older than the preserved tail and replaces it
// with a summary, like checkpoint. Tool outputs in the truncated span are
// pruned first so the summarizer spends its input on the conversation
// itself; the checkpoint keeps the span unpruned.
func (e *Engine) hybrid(ctx context.Context, req Request, messages []core.Message) (Result, error) {
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

	pruned, saved := e.pruneToolOutputs(span)
	if saved > 0 {
		e.logger.Debug("pruned tool outputs before summarizing", "tokens_saved", saved)
	}

	summary, err := e.summarize(ctx, req, pruned, budget)
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

// pruneToolOutputs returns a copy of span with tool results replaced by a
// marker, and the number of tokens that saved.
func (e *Engine) pruneToolOutputs(span []core.Message) ([]core.Message, int) {
	out := core.CloneMessages(span)
	saved := 0

	for i := range out {
		if out[i].Role != core.RoleTool || out[i].Content == PrunedToolOutput {
			continue
		}

		replacement := out[i]
		replacement.Content = PrunedToolOutput
		replacement.Tokens = core.MessageTokens(e.estimator, replacement)
		if replacement.Tokens >= out[i].Tokens {
			continue
		}

		saved += out[i].Tokens - replacement.Tokens
		out[i] = replacement
	}
	return out, saved
}
