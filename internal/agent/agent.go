// Package agent implements the loop that sends a session's history to the
// model, streams the reply, runs requested tools and feeds results back,
// keeping the conversation manager informed of inflight tokens.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/provider"
)

var ErrRunInProgress = errors.New("a run is already in progress for this session")

// Agent runs one turn sequence at a time against a single conversation.
type Agent struct {
	llm          LLM
	tools        ToolExecutor
	conversation Conversation
	estimator    core.TokenEstimator
	config       RunConfig
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	turns   int
}

// New creates an Agent. tools may be nil, in which case the model is
// offered no tools. A nil estimator uses core.CharEstimator.
func New(llm LLM, tools ToolExecutor, conv Conversation, estimator core.TokenEstimator, cfg RunConfig, logger *slog.Logger) *Agent {
	if estimator == nil {
		estimator = core.CharEstimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		llm:          llm,
		tools:        tools,
		conversation: conv,
		estimator:    estimator,
		config:       cfg.withDefaults(),
		logger:       logger.With("session_id", conv.SessionID()),
	}
}

// Run starts the loop in a goroutine. The returned channel is closed after
// the terminal event. Cancelling ctx ends the run with EvtRunCancelled.
func (a *Agent) Run(ctx context.Context, prompt string) (<-chan Event, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrRunInProgress
	}
	a.running = true
	a.mu.Unlock()

	events := make(chan Event, 64)
	go func() {
		defer func() {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			close(events)
		}()
		a.loop(ctx, prompt, events)
	}()

	return events, nil
}

func (a *Agent) loop(ctx context.Context, prompt string, events chan<- Event) {
	runID := core.NewRunID()
	sessionID := a.conversation.SessionID()
	a.send(ctx, events, Event{Type: EvtRunStarted, RunID: runID, SessionID: sessionID})

	// Compress before the prompt goes in so a rollover never folds the
	// new question into its summary.
	a.compressIfNeeded(ctx, runID, events)

	if prompt != "" {
		if _, err := a.conversation.AddMessage(core.Message{Role: core.RoleUser, Content: prompt}); err != nil {
			a.finish(ctx, events, runID, fmt.Errorf("add prompt: %w", err))
			return
		}
	}

	for step := 0; step < a.config.MaxSteps; step++ {
		if step > 0 {
			a.compressIfNeeded(ctx, runID, events)
		}

		response, err := a.generate(ctx, runID, events)
		if err != nil {
			a.finish(ctx, events, runID, err)
			return
		}

		turn := a.nextTurn()
		calls := assignCallIDs(response.ToolCalls, turn)

		if _, err := a.conversation.AddMessage(core.Message{
			Role:      core.RoleAssistant,
			Content:   response.Content,
			ToolCalls: calls,
		}); err != nil {
			a.finish(ctx, events, runID, fmt.Errorf("add reply: %w", err))
			return
		}

		if err := a.conversation.SaveTurn(turn); err != nil {
			a.logger.Warn("failed to save turn", "turn", turn, "error", err)
		}
		a.send(ctx, events, Event{Type: EvtTurnCompleted, RunID: runID, Turn: turn, Content: response.Content})

		if len(calls) == 0 {
			a.send(ctx, events, Event{Type: EvtRunCompleted, RunID: runID, Content: response.Content})
			return
		}

		if err := a.executeTools(ctx, runID, calls, events); err != nil {
			a.finish(ctx, events, runID, err)
			return
		}
	}

	a.finish(ctx, events, runID, fmt.Errorf("stopped after %d model calls", a.config.MaxSteps))
}

// generate runs one model call. If the history was compressed while the
// call was in flight, the reply was produced from messages that no longer
// exist; the turn is re-run once against the compressed history.
func (a *Agent) generate(ctx context.Context, runID string, events chan<- Event) (provider.Response, error) {
	for attempt := 0; ; attempt++ {
		generation := a.conversation.CompressionCount()
		history := a.conversation.Messages()

		response, err := a.llm.StreamChat(ctx, history, a.toolDefinitions(), func(delta string) {
			a.conversation.ReportInflightTokens(a.estimator.Estimate(delta))
			a.send(ctx, events, Event{Type: EvtTokenDelta, RunID: runID, Token: delta})
		})

		a.conversation.FlushInflight()
		a.conversation.ClearInflightTokens()

		if err != nil {
			return provider.Response{}, err
		}

		if attempt > 0 || a.conversation.CompressionCount() == generation {
			return response, nil
		}

		a.logger.Info("history compressed during generation, retrying turn", "run_id", runID)
		a.send(ctx, events, Event{Type: EvtTurnRetried, RunID: runID})
	}
}

func (a *Agent) compressIfNeeded(ctx context.Context, runID string, events chan<- Event) {
	if !a.conversation.NeedsCompression() {
		return
	}

	compressed, err := a.conversation.Compress(ctx)
	switch {
	case err == nil:
		a.send(ctx, events, Event{Type: EvtContextCompressed, RunID: runID, Compression: &compressed})
	case errors.Is(err, conversation.ErrCompressionInProgress):
	default:
		a.logger.Warn("compression before turn failed", "run_id", runID, "error", err)
	}
}

func (a *Agent) toolDefinitions() []core.ToolDef {
	if a.tools == nil {
		return nil
	}
	return a.tools.Definitions()
}

func (a *Agent) nextTurn() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns++
	return a.turns
}

func (a *Agent) finish(ctx context.Context, events chan<- Event, runID string, err error) {
	if ctx.Err() != nil {
		select {
		case events <- Event{Type: EvtRunCancelled, RunID: runID, SessionID: a.conversation.SessionID()}:
		default:
		}
		return
	}

	a.logger.Warn("run failed", "run_id", runID, "error", err)
	a.send(ctx, events, Event{Type: EvtRunFailed, RunID: runID, Error: err.Error()})
}

func (a *Agent) send(ctx context.Context, events chan<- Event, ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = a.conversation.SessionID()
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func assignCallIDs(calls []core.ToolCall, turn int) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	out := make([]core.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", turn, i)
		}
		out[i] = call
	}
	return out
}
