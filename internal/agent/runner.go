package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
)

// Runner starts runs for sessions opened through a conversation.Service,
// keeping one Agent per live manager so turn numbers continue across runs.
type Runner struct {
	Sessions  conversation.Service
	LLM       LLM
	Tools     ToolExecutor
	Estimator core.TokenEstimator
	Config    RunConfig
	Logger    *slog.Logger

	mu     sync.Mutex
	agents map[core.SessionID]*Agent
}

// StartRun opens (or creates, for an empty ID) the session and runs prompt
// against it. A second run on a busy session returns ErrRunInProgress.
func (runner *Runner) StartRun(ctx context.Context, sessionID core.SessionID, prompt string) (<-chan Event, error) {
	manager, err := runner.Sessions.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return runner.agentFor(manager).Run(ctx, prompt)
}

func (runner *Runner) agentFor(manager *conversation.Manager) *Agent {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if runner.agents == nil {
		runner.agents = make(map[core.SessionID]*Agent)
	}

	id := manager.SessionID()
	if existing, ok := runner.agents[id]; ok && existing.conversation == Conversation(manager) {
		return existing
	}

	created := New(runner.LLM, runner.Tools, manager, runner.Estimator, runner.Config, runner.Logger)
	runner.agents[id] = created
	return created
}

// Forget drops the agent of a closed session.
func (runner *Runner) Forget(sessionID core.SessionID) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	delete(runner.agents, sessionID)
}
