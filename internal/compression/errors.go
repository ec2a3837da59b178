package compression

import (
	"errors"
	"fmt"

	"github.com/tecet/ollm/internal/core"
)

var (
	// ErrSummarizationFailed means the summarizer returned an error or nothing usable.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrNothingToCompress means every non-system message falls inside the preserved tail.
	ErrNothingToCompress = errors.New("no messages to compress")

	ErrUnknownStrategy = errors.New("unknown compression strategy")

	// ErrCheckpointUnavailable means the checkpoint's summary message is no
	// longer in the buffer, usually because a later compression replaced it.
	ErrCheckpointUnavailable = errors.New("checkpoint summary no longer in buffer")
)

// Error carries the operation and strategy that failed.
type Error struct {
	// Op is the step that failed, e.g. "summarize" or "restore".
	Op        string
	Strategy  core.Strategy
	SessionID core.SessionID
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("compression %s failed", e.Op)
	if e.Strategy != "" {
		msg += fmt.Sprintf(" (%s)", e.Strategy)
	}
	if e.SessionID != "" {
		msg += fmt.Sprintf(" for session %s", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
