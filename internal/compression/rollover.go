package compression

import (
	"context"
	"fmt"
	"strings"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
)

// rollover snapshots the whole buffer and restarts it from the system prompt
// and a short summary of the last few messages. A failed snapshot is reported
// and skipped; rollover itself cannot fail on a summarizer.
func (e *Engine) rollover(ctx context.Context, req Request, messages []core.Message) (Result, error) {
	system, rest := core.SplitSystem(messages)
	if len(rest) == 0 {
		return Result{}, ErrNothingToCompress
	}

	var ref *event.SnapshotRef
	result := Result{}

	if e.snapshots != nil {
		conversation := req.Conversation.Clone()
		conversation.Messages = messages
		conversation.TokenCount = core.SumTokens(messages)

		snap, err := e.snapshots.Save(req.SessionID, conversation)
		if err != nil {
			e.logger.Warn("rollover snapshot failed, continuing without it", "error", err)
			e.emit(req, event.Event{Type: event.SnapshotError, Error: err.Error()})
		} else {
			result.Snapshot = &snap
			ref = &event.SnapshotRef{
				ID:         snap.ID,
				SessionID:  string(snap.SessionID),
				TokenCount: snap.TokenCount,
				Timestamp:  snap.Timestamp,
			}
			e.emit(req, event.Event{Type: event.RolloverSnapshotCreated, Snapshot: ref})
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	summary := e.rolloverSummary(rest, ref, rolloverCap(req.SummaryMaxTokens))
	summaryMsg := e.summaryMessage(summary)

	result.Messages = assemble(system, []core.Message{summaryMsg})
	result.Summary = summary

	e.emit(req, event.Event{
		Type:             event.RolloverComplete,
		Snapshot:         ref,
		Summary:          summary,
		OriginalTokens:   core.SumTokens(messages),
		CompressedTokens: core.SumTokens(result.Messages),
	})
	return result, nil
}

// rolloverCap is a quarter of the summary budget, never above 256 tokens.
func rolloverCap(summaryMaxTokens int) int {
	limit := summaryMaxTokens / 4
	if limit <= 0 || limit > rolloverSummaryCeiling {
		limit = rolloverSummaryCeiling
	}
	return limit
}

func (e *Engine) rolloverSummary(rest []core.Message, ref *event.SnapshotRef, maxTokens int) string {
	header := fmt.Sprintf("Context rolled over after %d messages (%d tokens).", len(rest), core.SumTokens(rest))
	if ref != nil {
		header += fmt.Sprintf(" Full history saved as snapshot %s.", ref.ID)
	}

	recent := rest
	if len(recent) > rolloverRecentMessages {
		recent = recent[len(recent)-rolloverRecentMessages:]
	}

	// The prefix line of the summary message counts against the cap too.
	budget := maxTokens - e.estimator.Estimate(SummaryPrefix+"\n")
	head := fitLines(e.estimator, []string{header, "Most recent exchange:"}, budget)

	// Newest messages win when the budget cannot hold all of them.
	var picked []string
	for i := len(recent) - 1; i >= 0; i-- {
		line := describeMessage(recent[i], 60)
		if line == "" {
			continue
		}
		candidate := append([]string{head, "- " + line}, picked...)
		if e.estimator.Estimate(strings.Join(candidate, "\n")) > budget {
			break
		}
		picked = append([]string{"- " + line}, picked...)
	}

	return strings.Join(append([]string{head}, picked...), "\n")
}
