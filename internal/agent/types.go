package agent

import (
	"time"

	"github.com/tecet/ollm/internal/core"
)

type EventType string

const (
	EvtRunStarted        EventType = "run_started"
	EvtContextCompressed EventType = "context_compressed"
	EvtTokenDelta        EventType = "token_delta"
	EvtTurnRetried       EventType = "turn_retried"
	EvtTurnCompleted     EventType = "turn_completed"
	EvtToolStarted       EventType = "tool_execution_started"
	EvtToolCompleted     EventType = "tool_execution_completed"
	EvtToolFailed        EventType = "tool_execution_failed"
	EvtRunCompleted      EventType = "run_completed"
	EvtRunCancelled      EventType = "run_cancelled"
	EvtRunFailed         EventType = "run_failed"
)

type Event struct {
	Type        EventType
	RunID       string
	SessionID   core.SessionID
	Token       string
	Content     string
	Turn        int
	CallID      string
	ToolName    string
	Output      string
	Compression *core.CompressionEvent
	Error       string
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EvtRunCompleted || e.Type == EvtRunCancelled || e.Type == EvtRunFailed
}

type RunConfig struct {
	// MaxSteps bounds the model calls of one run, counting each tool round.
	MaxSteps    int
	ToolTimeout time.Duration
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 8
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 2 * time.Minute
	}
	return c
}
