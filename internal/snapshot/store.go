package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/tecet/ollm/internal/clock"
	"github.com/tecet/ollm/internal/core"
)

const (
	indexFile     = "index.json"
	bodySuffix    = ".json"
	maxNameLength = 255
)

// FileStore keeps snapshots as JSON files under a root directory. Every file
// is written to a temporary name, fsynced and renamed into place, so readers
// never observe a partial snapshot or index.
type FileStore struct {
	root     string
	maxCount int
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewFileStore returns a store rooted at root. maxCount <= 0 disables retention pruning.
func NewFileStore(root string, maxCount int, clk clock.Clock, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	clk = clock.OrReal(clk)

	return &FileStore{
		root:     root,
		maxCount: maxCount,
		clock:    clk,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(clk.Now().UnixNano())), 0),
	}
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) sessionDir(sessionID core.SessionID) string {
	return filepath.Join(s.root, string(sessionID))
}

func (s *FileStore) bodyPath(sessionID core.SessionID, id string) string {
	return filepath.Join(s.sessionDir(sessionID), id+bodySuffix)
}

func (s *FileStore) indexPath(sessionID core.SessionID) string {
	return filepath.Join(s.sessionDir(sessionID), indexFile)
}

// Save persists the conversation and appends it to the session index,
// pruning the oldest snapshots beyond maxCount. The body is written before
// the index; if the index cannot be written the body is removed again.
func (s *FileStore) Save(sessionID core.SessionID, conversation core.ConversationContext) (Snapshot, error) {
	if err := validateName(string(sessionID)); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	snap := Snapshot{
		ID:         ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		SessionID:  sessionID,
		TokenCount: conversation.TokenCount,
		Messages:   core.CloneMessages(conversation.Messages),
		Timestamp:  now,
	}

	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	index := s.readIndex(sessionID)

	bodyPath := s.bodyPath(sessionID, snap.ID)
	if err := writeFileAtomic(bodyPath, data); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}

	index, pruned := s.retain(append(index, snap.Metadata()))

	if err := s.writeIndex(sessionID, index); err != nil {
		os.Remove(bodyPath)
		return Snapshot{}, fmt.Errorf("write snapshot index: %w", err)
	}

	s.removeBodies(sessionID, pruned)
	return snap, nil
}

// Load finds a snapshot by ID in any session.
func (s *FileStore) Load(id string) (Snapshot, error) {
	if err := validateName(id); err != nil {
		return Snapshot{}, err
	}

	matches, err := filepath.Glob(filepath.Join(s.root, "*", id+bodySuffix))
	if err != nil {
		return Snapshot{}, fmt.Errorf("find snapshot: %w", err)
	}
	if len(matches) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return readBody(matches[0])
}

// List returns the session's snapshot metadata, oldest first. A missing or
// corrupt index is rebuilt from the snapshot files on disk.
func (s *FileStore) List(sessionID core.SessionID) ([]Metadata, error) {
	if err := validateName(string(sessionID)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readIndex(sessionID), nil
}

// Sessions returns every session that has a snapshot directory.
func (s *FileStore) Sessions() ([]core.SessionID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot sessions: %w", err)
	}

	var sessions []core.SessionID
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, core.SessionID(entry.Name()))
		}
	}
	return sessions, nil
}

func (s *FileStore) Delete(sessionID core.SessionID, id string) error {
	if err := validateName(string(sessionID)); err != nil {
		return err
	}
	if err := validateName(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.readIndex(sessionID)
	kept := index[:0:0]
	found := false
	for _, meta := range index {
		if meta.ID == id {
			found = true
			continue
		}
		kept = append(kept, meta)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.writeIndex(sessionID, kept); err != nil {
		return fmt.Errorf("write snapshot index: %w", err)
	}

	if err := os.Remove(s.bodyPath(sessionID, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Prune applies the retention limit and returns how many snapshots were removed.
func (s *FileStore) Prune(sessionID core.SessionID) (int, error) {
	if err := validateName(string(sessionID)); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, pruned := s.retain(s.readIndex(sessionID))
	if len(pruned) == 0 {
		return 0, nil
	}

	if err := s.writeIndex(sessionID, index); err != nil {
		return 0, fmt.Errorf("write snapshot index: %w", err)
	}

	s.removeBodies(sessionID, pruned)
	return len(pruned), nil
}

// retain splits the index into the newest maxCount entries and the rest.
func (s *FileStore) retain(index []Metadata) ([]Metadata, []Metadata) {
	if s.maxCount <= 0 || len(index) <= s.maxCount {
		return index, nil
	}
	cut := len(index) - s.maxCount
	return index[cut:], index[:cut]
}

func (s *FileStore) removeBodies(sessionID core.SessionID, pruned []Metadata) {
	for _, meta := range pruned {
		if err := os.Remove(s.bodyPath(sessionID, meta.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove pruned snapshot", "session_id", sessionID, "snapshot_id", meta.ID, "error", err)
		}
	}
}

// readIndex never fails: an unreadable index is replaced by one rebuilt from
// the snapshot bodies in the session directory.
func (s *FileStore) readIndex(sessionID core.SessionID) []Metadata {
	path := s.indexPath(sessionID)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read snapshot index, rebuilding", "path", path, "error", err)
		}
		return s.rebuildIndex(sessionID)
	}

	index, err := parseIndex(data)
	if err != nil {
		s.logger.Warn("snapshot index is corrupt, rebuilding", "path", path, "error", err)
		rebuilt := s.rebuildIndex(sessionID)
		if err := s.writeIndex(sessionID, rebuilt); err != nil {
			s.logger.Warn("failed to rewrite snapshot index", "path", path, "error", err)
		}
		return rebuilt
	}

	return index
}

func parseIndex(data []byte) ([]Metadata, error) {
	var index []Metadata
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index == nil {
		return nil, errors.New("index is not an array")
	}

	for _, meta := range index {
		if validateName(meta.ID) != nil {
			return nil, fmt.Errorf("index entry has invalid id %q", meta.ID)
		}
	}
	return index, nil
}

func (s *FileStore) rebuildIndex(sessionID core.SessionID) []Metadata {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		return []Metadata{}
	}

	index := []Metadata{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == indexFile || !strings.HasSuffix(name, bodySuffix) {
			continue
		}

		snap, err := readBody(filepath.Join(s.sessionDir(sessionID), name))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "session_id", sessionID, "file", name, "error", err)
			continue
		}
		index = append(index, snap.Metadata())
	}

	sort.SliceStable(index, func(i, j int) bool {
		if index[i].Timestamp.Equal(index[j].Timestamp) {
			return index[i].ID < index[j].ID
		}
		return index[i].Timestamp.Before(index[j].Timestamp)
	})
	return index
}

func (s *FileStore) writeIndex(sessionID core.SessionID, index []Metadata) error {
	if index == nil {
		index = []Metadata{}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot index: %w", err)
	}
	return writeFileAtomic(s.indexPath(sessionID), data)
}

func readBody(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if snap.ID == "" || snap.SessionID == "" {
		return Snapshot{}, fmt.Errorf("%w: %s: missing id or session_id", ErrCorrupt, filepath.Base(path))
	}
	return snap, nil
}

// writeFileAtomic writes through a temporary file in the same directory,
// fsyncs it, renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	file, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("close temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("rename into place: %w", err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// validateName rejects anything that could escape the store root or that
// filesystems commonly refuse as a single path component.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, name)
	case len(name) > maxNameLength-len(bodySuffix):
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidID, maxNameLength-len(bodySuffix))
	case strings.ContainsAny(name, "/\\:*?[\x00"):
		return fmt.Errorf("%w: %q contains a separator or glob character", ErrInvalidID, name)
	}
	return nil
}
