// Package event defines the named events the context engine publishes to the
// UI and the agent loop, and the bus that carries them.
package event

import "time"

type Type string

const (
	MemoryWarning           Type = "memory-warning"
	ContextWarningLow       Type = "context-warning-low"
	Summarizing             Type = "summarizing"
	Compressed              Type = "compressed"
	RolloverSnapshotCreated Type = "rollover-snapshot-created"
	RolloverComplete        Type = "rollover-complete"
	SnapshotError           Type = "snapshot-error"
	AutoSummaryCreated      Type = "auto-summary-created"
	AutoSummaryFailed       Type = "auto-summary-failed"
	SessionSaved            Type = "session-saved"

	ContextResized   Type = "context-resized"
	SnapshotCreated  Type = "snapshot-created"
	SnapshotRestored Type = "snapshot-restored"
	LowMemory        Type = "low-memory"
)

// SnapshotRef identifies a persisted snapshot without carrying its messages.
type SnapshotRef struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	Percentage       float64      `json:"percentage,omitempty"`
	Message          string       `json:"message,omitempty"`
	Snapshot         *SnapshotRef `json:"snapshot,omitempty"`
	Summary          string       `json:"summary,omitempty"`
	OriginalTokens   int          `json:"original_tokens,omitempty"`
	CompressedTokens int          `json:"compressed_tokens,omitempty"`
	Error            string       `json:"error,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	TurnNumber       int          `json:"turn_number,omitempty"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	Tier             string       `json:"tier,omitempty"`
	Available        int64        `json:"available,omitempty"`
	Total            int64        `json:"total,omitempty"`
}

// Emitter is what producers depend on.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
