package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tecet/ollm/internal/clock"
	"github.com/tecet/ollm/internal/core"
)

const testSession core.SessionID = "sess_20260101T000000.000000000_abcdef012345"

func newTestStore(t *testing.T, maxCount int) (*FileStore, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewFileStore(t.TempDir(), maxCount, fake, nil), fake
}

func sampleConversation() core.ConversationContext {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return core.ConversationContext{
		Messages: []core.Message{
			{ID: "msg_1", Role: core.RoleSystem, Content: "You are helpful.", Timestamp: at, Tokens: 4},
			{ID: "msg_2", Role: core.RoleUser, Content: "hello", Timestamp: at.Add(time.Second), Tokens: 2},
			{ID: "msg_2", Role: core.RoleUser, Content: "hello", Timestamp: at.Add(time.Second), Tokens: 2},
			{
				ID:        "msg_3",
				Role:      core.RoleAssistant,
				Timestamp: at.Add(2 * time.Second),
				ToolCalls: []core.ToolCall{{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}}},
			},
			{ID: "msg_4", Role: core.RoleTool, Content: "package main", ToolCallID: "call_1", Timestamp: at.Add(3 * time.Second), Tokens: 3},
		},
		TokenCount: 11,
		MaxTokens:  4096,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cases := map[string]core.ConversationContext{
		"with duplicates and tool calls": sampleConversation(),
		"empty state":                    {MaxTokens: 2048},
		"empty non-nil messages":         {Messages: []core.Message{}},
	}

	for name, conversation := range cases {
		t.Run(name, func(t *testing.T) {
			store, _ := newTestStore(t, 0)

			saved, err := store.Save(testSession, conversation)
			if err != nil {
				t.Fatalf("save failed: %v", err)
			}

			loaded, err := store.Load(saved.ID)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}

			if !reflect.DeepEqual(saved, loaded) {
				t.Fatalf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", saved, loaded)
			}
		})
	}
}

func TestSaveWritesLayout(t *testing.T) {
	store, _ := newTestStore(t, 0)

	saved, err := store.Save(testSession, sampleConversation())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dir := filepath.Join(store.Root(), string(testSession))
	if _, err := os.Stat(filepath.Join(dir, saved.ID+".json")); err != nil {
		t.Errorf("snapshot body missing: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("index missing: %v", err)
	}
	if strings.Contains(string(data), "package main") {
		t.Error("index should not carry message bodies")
	}

	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", entry.Name())
		}
	}
}

func TestLoadNotFound(t *testing.T) {
	store, _ := newTestStore(t, 0)

	if _, err := store.Load("01HZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidIDs(t *testing.T) {
	store, _ := newTestStore(t, 0)

	for _, id := range []string{"", "..", "a/b", `a\b`, "*", strings.Repeat("x", 300)} {
		if _, err := store.Save(core.SessionID(id), sampleConversation()); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Save(%q): expected ErrInvalidID, got %v", id, err)
		}
		if _, err := store.Load(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Load(%q): expected ErrInvalidID, got %v", id, err)
		}
	}

	sessions, err := store.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("rejected saves must not create directories, got %v", sessions)
	}
}

func TestRetentionPrunesOldestFirst(t *testing.T) {
	store, fake := newTestStore(t, 3)

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := store.Save(testSession, sampleConversation())
		if err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
		ids = append(ids, snap.ID)
		fake.Advance(time.Second)
	}

	index, err := store.List(testSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 retained snapshots, got %d", len(index))
	}
	for i, meta := range index {
		if meta.ID != ids[i+2] {
			t.Errorf("index[%d] = %s, want %s", i, meta.ID, ids[i+2])
		}
		if meta.MessageCount != 5 {
			t.Errorf("index[%d] message count = %d", i, meta.MessageCount)
		}
	}

	for _, pruned := range ids[:2] {
		if _, err := store.Load(pruned); !errors.Is(err, ErrNotFound) {
			t.Errorf("pruned snapshot %s still loadable: %v", pruned, err)
		}
	}
}

func TestIDsAreOrderedWithinOneInstant(t *testing.T) {
	store, _ := newTestStore(t, 0)

	first, err := store.Save(testSession, sampleConversation())
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Save(testSession, sampleConversation())
	if err != nil {
		t.Fatal(err)
	}

	if !(first.ID < second.ID) {
		t.Fatalf("ids not increasing: %s then %s", first.ID, second.ID)
	}
}

func TestCorruptIndexIsRebuilt(t *testing.T) {
	cases := map[string]string{
		"invalid json":     "{not json",
		"empty file":       "",
		"non-array json":   `{"id": "x"}`,
		"null":             "null",
		"wrong types":      `[{"id": 12, "token_count": "many"}]`,
		"missing id field": `[{"token_count": 4}]`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			store, fake := newTestStore(t, 0)

			first, err := store.Save(testSession, sampleConversation())
			if err != nil {
				t.Fatal(err)
			}
			fake.Advance(time.Second)
			second, err := store.Save(testSession, sampleConversation())
			if err != nil {
				t.Fatal(err)
			}

			indexPath := filepath.Join(store.Root(), string(testSession), "index.json")
			if err := os.WriteFile(indexPath, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}

			index, err := store.List(testSession)
			if err != nil {
				t.Fatalf("list must not fail on a corrupt index: %v", err)
			}
			if len(index) != 2 || index[0].ID != first.ID || index[1].ID != second.ID {
				t.Fatalf("unexpected rebuilt index: %+v", index)
			}

			if _, err := store.Save(testSession, sampleConversation()); err != nil {
				t.Fatalf("save after corruption failed: %v", err)
			}
			index, _ = store.List(testSession)
			if len(index) != 3 {
				t.Fatalf("expected 3 entries after another save, got %d", len(index))
			}
		})
	}
}

func TestCorruptSnapshotBody(t *testing.T) {
	store, _ := newTestStore(t, 0)

	saved, err := store.Save(testSession, sampleConversation())
	if err != nil {
		t.Fatal(err)
	}

	bodyPath := filepath.Join(store.Root(), string(testSession), saved.ID+".json")
	for _, content := range []string{"", "[]", `{"messages": "nope"}`, `{"token_count": 3}`} {
		if err := os.WriteFile(bodyPath, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Load(saved.ID); !errors.Is(err, ErrCorrupt) {
			t.Errorf("content %q: expected ErrCorrupt, got %v", content, err)
		}
	}

	// A corrupt body is skipped when the index has to be rebuilt.
	os.Remove(filepath.Join(store.Root(), string(testSession), "index.json"))
	index, err := store.List(testSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 0 {
		t.Errorf("expected corrupt body to be skipped, got %+v", index)
	}
}

func TestSaveFailsWhenIndexCannotBeWritten(t *testing.T) {
	store, _ := newTestStore(t, 0)

	// A directory where the index file should be makes the rename fail.
	indexPath := filepath.Join(store.Root(), string(testSession), "index.json")
	if err := os.MkdirAll(filepath.Join(indexPath, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Save(testSession, sampleConversation()); err == nil {
		t.Fatal("expected save to fail")
	}

	matches, _ := filepath.Glob(filepath.Join(store.Root(), string(testSession), "*.json"))
	for _, match := range matches {
		if filepath.Base(match) != "index.json" {
			t.Errorf("orphaned snapshot body left behind: %s", match)
		}
	}
}

func TestDeleteAndPrune(t *testing.T) {
	store, fake := newTestStore(t, 0)

	var ids []string
	for i := 0; i < 4; i++ {
		snap, err := store.Save(testSession, sampleConversation())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, snap.ID)
		fake.Advance(time.Second)
	}

	if err := store.Delete(testSession, ids[1]); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(testSession, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}

	store.maxCount = 1
	removed, err := store.Prune(testSession)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned, got %d", removed)
	}

	index, _ := store.List(testSession)
	if len(index) != 1 || index[0].ID != ids[3] {
		t.Errorf("expected only the newest snapshot to remain, got %+v", index)
	}
}
