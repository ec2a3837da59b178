// Package compression shrinks a conversation buffer with one of three
// strategies: rollover (snapshot and restart from a tiny summary), checkpoint
// (summarize old history and remember what was replaced) and hybrid (prune
// tool outputs first, summarize only if that is not enough).
package compression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tecet/ollm/internal/clock"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tier"
)

const (
	DefaultSummaryMaxTokens = 1024
	DefaultPreserveRecent   = 1024

	// rolloverSummaryCeiling bounds the rollover summary regardless of budget.
	rolloverSummaryCeiling = 256
	// rolloverRecentMessages is how many trailing messages the rollover summary references.
	rolloverRecentMessages = 10
)

// SnapshotSaver persists the buffer before a rollover discards it.
type SnapshotSaver interface {
	Save(sessionID core.SessionID, conversation core.ConversationContext) (snapshot.Snapshot, error)
}

// Checkpoint remembers the span a summary replaced so it can be put back.
type Checkpoint struct {
	ID               string         `json:"id"`
	SummaryMessageID string         `json:"summary_message_id"`
	Summary          string         `json:"summary"`
	Messages         []core.Message `json:"messages"`
	OriginalTokens   int            `json:"original_tokens"`
	CompressedTokens int            `json:"compressed_tokens"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Request describes one compression. Conversation is never modified.
type Request struct {
	SessionID    core.SessionID
	Conversation core.ConversationContext
	Tier         tier.Descriptor
	// Strategy overrides the tier's strategy unless empty or auto.
	Strategy         core.Strategy
	PreserveRecent   int
	SummaryMaxTokens int
	// Emitter, when set, receives this call's events instead of the engine's.
	Emitter event.Emitter
}

// Result is the compressed buffer plus the single audit entry for it.
type Result struct {
	Messages   []core.Message
	TokenCount int
	Event      core.CompressionEvent
	Summary    string
	Snapshot   *snapshot.Snapshot
	Checkpoint *Checkpoint
}

type Options struct {
	Snapshots  SnapshotSaver
	Summarizer Summarizer
	Estimator  core.TokenEstimator
	Emitter    event.Emitter
	Clock      clock.Clock
	// Logger is expected to carry the session_id attribute already.
	Logger *slog.Logger
}

type Engine struct {
	snapshots  SnapshotSaver
	summarizer Summarizer
	estimator  core.TokenEstimator
	emitter    event.Emitter
	clock      clock.Clock
	logger     *slog.Logger
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		snapshots:  opts.Snapshots,
		summarizer: opts.Summarizer,
		estimator:  opts.Estimator,
		emitter:    opts.Emitter,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
	}
	if e.estimator == nil {
		e.estimator = core.CharEstimator{}
	}
	if e.summarizer == nil {
		e.summarizer = ExtractiveSummarizer{Estimator: e.estimator}
	}
	if e.emitter == nil {
		e.emitter = event.Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// ResolveStrategy picks the request's explicit strategy or the tier's.
func ResolveStrategy(requested core.Strategy, descriptor tier.Descriptor) core.Strategy {
	if requested == "" || requested == core.StrategyAuto {
		return descriptor.Strategy
	}
	return requested
}

// Compress runs the selected strategy. On error the request's buffer is
// untouched and no CompressionEvent is produced.
func (e *Engine) Compress(ctx context.Context, req Request) (Result, error) {
	strategy := ResolveStrategy(req.Strategy, req.Tier)
	if req.SummaryMaxTokens <= 0 {
		req.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
	if req.PreserveRecent < 0 {
		req.PreserveRecent = 0
	}

	messages := e.withTokens(req.Conversation.Messages)

	var (
		result Result
		err    error
	)
	switch strategy {
	case core.StrategyRollover:
		result, err = e.rollover(ctx, req, messages)
	case core.StrategyCheckpoint:
		result, err = e.checkpoint(ctx, req, messages)
	case core.StrategyHybrid:
		result, err = e.hybrid(ctx, req, messages)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return Result{}, e.wrap("compress", strategy, req.SessionID, err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, e.wrap("compress", strategy, req.SessionID, err)
	}

	result.TokenCount = core.SumTokens(result.Messages)
	original := core.SumTokens(messages)
	if strategy != core.StrategyRollover && result.TokenCount >= original {
		e.logger.Warn("compression did not shrink the buffer", "strategy", strategy, "original_tokens", original, "compressed_tokens", result.TokenCount)
		return Result{}, e.wrap("compress", strategy, req.SessionID, ErrNothingToCompress)
	}
	result.Event = core.NewCompressionEvent(strategy, original, result.TokenCount, e.clock.Now())

	e.logger.Info("context compressed",
		"strategy", strategy,
		"original_tokens", result.Event.OriginalTokens,
		"compressed_tokens", result.Event.CompressedTokens)

	return result, nil
}

// Restore puts a checkpoint's span back in place of its summary message.
func (e *Engine) Restore(messages []core.Message, cp Checkpoint) ([]core.Message, error) {
	for i, msg := range messages {
		if msg.ID != cp.SummaryMessageID {
			continue
		}

		restored := make([]core.Message, 0, len(messages)-1+len(cp.Messages))
		restored = append(restored, messages[:i]...)
		restored = append(restored, core.CloneMessages(cp.Messages)...)
		restored = append(restored, messages[i+1:]...)
		return e.withTokens(restored), nil
	}
	return nil, &Error{Op: "restore", Err: fmt.Errorf("%w: %s", ErrCheckpointUnavailable, cp.ID)}
}

func (e *Engine) wrap(op string, strategy core.Strategy, sessionID core.SessionID, err error) error {
	return &Error{Op: op, Strategy: strategy, SessionID: sessionID, Err: err}
}

// withTokens returns a copy of messages with every token count filled in.
func (e *Engine) withTokens(messages []core.Message) []core.Message {
	out := core.CloneMessages(messages)
	for i := range out {
		if out[i].Tokens == 0 {
			out[i].Tokens = core.MessageTokens(e.estimator, out[i])
		}
	}
	return out
}

func (e *Engine) emit(req Request, ev event.Event) {
	ev.SessionID = string(req.SessionID)
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	if req.Emitter != nil {
		req.Emitter.Emit(ev)
		return
	}
	e.emitter.Emit(ev)
}

func (e *Engine) summaryMessage(text string) core.Message {
	msg := core.Message{
		ID:        core.NewMessageID(),
		Role:      core.RoleAssistant,
		Content:   SummaryPrefix + "\n" + text,
		Timestamp: e.clock.Now(),
	}
	msg.Tokens = core.MessageTokens(e.estimator, msg)
	return msg
}

// summaryBudget is the token cap for a summary replacing span: maxTokens,
// lowered so the summary message ends up smaller than the span itself.
// A result of zero or less means the span is too small to summarize.
func (e *Engine) summaryBudget(span []core.Message, maxTokens int) int {
	limit := core.SumTokens(span) - e.estimator.Estimate(SummaryPrefix+"\n") - 1
	return min(limit, maxTokens)
}

// summarize calls the summarizer for span and caps the result at maxTokens.
func (e *Engine) summarize(ctx context.Context, req Request, span []core.Message, maxTokens int) (string, error) {
	e.emit(req, event.Event{Type: event.Summarizing})

	summary, err := e.callSummarizer(ctx, span, maxTokens)
	if err == nil && summary == "" {
		err = fmt.Errorf("empty summary")
	}
	if err != nil {
		e.logger.Warn("summarization failed", "error", err)
		e.emit(req, event.Event{Type: event.AutoSummaryFailed, Error: err.Error()})
		return "", fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}

	summary = truncateTokens(e.estimator, summary, maxTokens)
	e.emit(req, event.Event{Type: event.AutoSummaryCreated, Summary: summary})
	return summary, nil
}

func (e *Engine) callSummarizer(ctx context.Context, span []core.Message, maxTokens int) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("summarizer panicked: %v", r)
		}
	}()
	return e.summarizer.Summarize(ctx, core.CloneMessages(span), maxTokens)
}

func newCheckpoint(summaryMsg core.Message, summary string, span []core.Message, at time.Time) *Checkpoint {
	return &Checkpoint{
		ID:               "ckpt_" + uuid.NewString(),
		SummaryMessageID: summaryMsg.ID,
		Summary:          summary,
		Messages:         core.CloneMessages(span),
		OriginalTokens:   core.SumTokens(span),
		CompressedTokens: summaryMsg.Tokens,
		CreatedAt:        at,
	}
}

// splitTail returns the index where the preserved tail begins: the longest
// suffix whose tokens stay within budget. The split never separates a tool
// result from the assistant message that requested it.
func splitTail(messages []core.Message, budget int) int {
	idx := len(messages)
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		seen += messages[i].Tokens
		if seen > budget {
			break
		}
		idx = i
	}

	for idx > 0 && idx < len(messages) && messages[idx].Role == core.RoleTool {
		idx--
	}
	return idx
}

// preserveBudget keeps the verbatim tail from taking more than half the window.
func preserveBudget(req Request) int {
	budget := req.PreserveRecent
	if half := req.Conversation.MaxTokens / 2; req.Conversation.MaxTokens > 0 && budget > half {
		budget = half
	}
	return budget
}

func assemble(system *core.Message, parts ...[]core.Message) []core.Message {
	var out []core.Message
	if system != nil {
		out = append(out, *system)
	}
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}
