package core

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID {
	return SessionID("sess_" + timestamp() + "_" + randomSeed())
}

func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

func NewRunID() string {
	return "run_" + timestamp() + "_" + randomSeed()
}

const idTimeLayout = "20060102T150405.000000000"

func timestamp() string {
	return time.Now().UTC().Format(idTimeLayout)
}

// CreatedAt returns the creation time encoded in a session ID, or the zero
// time for IDs not made by NewSessionID.
func (id SessionID) CreatedAt() time.Time {
	rest, ok := strings.CutPrefix(string(id), "sess_")
	if !ok {
		return time.Time{}
	}
	stamp, _, _ := strings.Cut(rest, "_")
	t, err := time.Parse(idTimeLayout, stamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func randomSeed() string {
	buffer := make([]byte, 6)
	_, _ = rand.Read(buffer)
	return hex.EncodeToString(buffer)
}
