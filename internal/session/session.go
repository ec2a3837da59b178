// Package session persists each conversation as an append-only JSONL log
// and lists the logs on disk.
package session

import (
	"time"

	"github.com/tecet/ollm/internal/core"
)

// Info holds metadata about a session log.
type Info struct {
	ID           core.SessionID `json:"id"`
	MessageCount int            `json:"message_count"`
	FileSize     int64          `json:"file_size"`
	CreatedAt    time.Time      `json:"created_at"`
	ModifiedAt   time.Time      `json:"modified_at"`
}
