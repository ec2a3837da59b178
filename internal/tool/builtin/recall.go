package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/snapshot"
	toolpkg "github.com/tecet/ollm/internal/tool"
)

const (
	defaultRecallResults = 5
	maxRecallResults     = 20
	recallExcerptRunes   = 400
)

// SnapshotReader is the part of the snapshot store recall needs.
type SnapshotReader interface {
	List(sessionID core.SessionID) ([]snapshot.Metadata, error)
	Load(id string) (snapshot.Snapshot, error)
}

// RecallSnapshot searches the calling session's snapshots for messages that
// were dropped from the live context by a rollover or compression.
type RecallSnapshot struct {
	Store SnapshotReader
}

func (tool *RecallSnapshot) Name() string { return "recall_snapshot" }
func (tool *RecallSnapshot) Description() string {
	return "Searches earlier conversation history saved in snapshots of this session. Use it when the user refers to something no longer in the context."
}
func (tool *RecallSnapshot) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Text to look for, matched case-insensitively",
			},
			"snapshot_id": map[string]any{
				"type":        "string",
				"description": "Only search this snapshot (default: all snapshots, newest first)",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     maxRecallResults,
				"description": fmt.Sprintf("Maximum messages to return (default: %d)", defaultRecallResults),
			},
		},
		"required": []string{"query"},
	}
}

func (tool *RecallSnapshot) Execute(ctx context.Context, args map[string]any) (string, error) {
	sessionID := toolpkg.SessionID(ctx)
	if sessionID == "" {
		return "", errors.New("recall requires a session")
	}

	query := strings.ToLower(strings.TrimSpace(stringArg(args, "query")))
	if query == "" {
		return "", errors.New("missing query")
	}

	limit, ok := intArg(args, "max_results")
	if !ok || limit <= 0 {
		limit = defaultRecallResults
	}

	ids, err := tool.snapshotIDs(sessionID, args)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "no snapshots saved for this session", nil
	}

	var builder strings.Builder
	found := 0
	seen := make(map[string]bool)

	for _, id := range ids {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		snap, err := tool.Store.Load(id)
		if err != nil {
			return "", fmt.Errorf("load snapshot %s: %w", id, err)
		}
		if snap.SessionID != sessionID {
			return "", fmt.Errorf("snapshot %s belongs to another session", id)
		}

		for _, msg := range snap.Messages {
			if !strings.Contains(strings.ToLower(msg.Content), query) {
				continue
			}
			// Later snapshots repeat messages kept from earlier ones.
			key := msg.ID
			if key == "" {
				key = string(msg.Role) + "\x00" + msg.Content
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			fmt.Fprintf(&builder, "[%s %s %s]\n%s\n\n", snap.ID, msg.Timestamp.UTC().Format("2006-01-02 15:04"), msg.Role, excerpt(msg.Content, query))
			found++
			if found >= limit {
				return strings.TrimSpace(builder.String()), nil
			}
		}
	}

	if found == 0 {
		return fmt.Sprintf("no saved messages mention %q", query), nil
	}
	return strings.TrimSpace(builder.String()), nil
}

func (tool *RecallSnapshot) snapshotIDs(sessionID core.SessionID, args map[string]any) ([]string, error) {
	if id := stringArg(args, "snapshot_id"); id != "" {
		return []string{id}, nil
	}

	metas, err := tool.Store.List(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	ids := make([]string, 0, len(metas))
	for i := len(metas) - 1; i >= 0; i-- {
		ids = append(ids, metas[i].ID)
	}
	return ids, nil
}

// excerpt returns up to recallExcerptRunes runes of content centered on the
// first match of query.
func excerpt(content, query string) string {
	runes := []rune(content)
	if len(runes) <= recallExcerptRunes {
		return content
	}

	byteIdx := strings.Index(strings.ToLower(content), query)
	center := 0
	if byteIdx > 0 {
		center = len([]rune(content[:min(byteIdx, len(content))]))
	}

	start := max(center-recallExcerptRunes/2, 0)
	end := min(start+recallExcerptRunes, len(runes))
	start = max(end-recallExcerptRunes, 0)

	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}
