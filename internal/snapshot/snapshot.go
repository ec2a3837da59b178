// Package snapshot persists full conversation snapshots so history dropped by
// a rollover can be recovered later.
//
// Layout on disk:
//
//	<root>/<sessionID>/<snapshotID>.json   snapshot body
//	<root>/<sessionID>/index.json          ordered metadata, oldest first
package snapshot

import (
	"errors"
	"time"

	"github.com/tecet/ollm/internal/core"
)

var (
	ErrNotFound  = errors.New("snapshot not found")
	ErrInvalidID = errors.New("invalid snapshot path component")
	ErrCorrupt   = errors.New("snapshot file is corrupt")
)

// Snapshot is a write-once copy of a conversation buffer.
type Snapshot struct {
	ID         string         `json:"id"`
	SessionID  core.SessionID `json:"session_id"`
	TokenCount int            `json:"token_count"`
	Messages   []core.Message `json:"messages"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Metadata is the index entry for a snapshot. It never carries message bodies.
type Metadata struct {
	ID           string         `json:"id"`
	SessionID    core.SessionID `json:"session_id"`
	TokenCount   int            `json:"token_count"`
	MessageCount int            `json:"message_count"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (s Snapshot) Metadata() Metadata {
	return Metadata{
		ID:           s.ID,
		SessionID:    s.SessionID,
		TokenCount:   s.TokenCount,
		MessageCount: len(s.Messages),
		Timestamp:    s.Timestamp,
	}
}
