package session

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tecet/ollm/internal/core"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

const logExt = ".jsonl"

// FileService keeps one JSONL log per session under BaseDir/sessions.
type FileService struct {
	BaseDir string
}

func (service *FileService) sessionDir() string {
	return filepath.Join(service.BaseDir, "sessions")
}

func (service *FileService) sessionPath(id core.SessionID) string {
	return filepath.Join(service.sessionDir(), string(id)+logExt)
}

// Create starts a session under a fresh ID.
func (service *FileService) Create() (core.SessionID, string, error) {
	id := core.NewSessionID()
	path, err := service.touch(id, os.O_EXCL)
	if err != nil {
		return "", "", err
	}
	return id, path, nil
}

// Ensure makes sure the session's log exists and returns its path. Existing
// logs are left as they are.
func (service *FileService) Ensure(id core.SessionID) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return service.touch(id, 0)
}

func (service *FileService) touch(id core.SessionID, flag int) (string, error) {
	if err := os.MkdirAll(service.sessionDir(), 0o755); err != nil {
		return "", fmt.Errorf("create sessions directory: %w", err)
	}

	path := service.sessionPath(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|flag, 0o644)
	if err != nil {
		return "", fmt.Errorf("create session log %s: %w", id, err)
	}
	return path, file.Close()
}

// Open ensures the session's log exists and returns it together with the
// newest messages that fit in budget tokens.
func (service *FileService) Open(id core.SessionID, budget int) (*Log, []core.Message, error) {
	path, err := service.Ensure(id)
	if err != nil {
		return nil, nil, err
	}

	log := NewLog(path)
	history, err := log.LoadTail(budget)
	if err != nil {
		return nil, nil, fmt.Errorf("load session history: %w", err)
	}
	return log, history, nil
}

// List returns every session log, most recently written first. Logs that
// disappear while listing are skipped.
func (service *FileService) List() ([]Info, error) {
	entries, err := os.ReadDir(service.sessionDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), logExt)
		if entry.IsDir() || !ok {
			continue
		}
		if info, err := service.Get(core.SessionID(name)); err == nil {
			infos = append(infos, info)
		}
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return cmp.Or(b.ModifiedAt.Compare(a.ModifiedAt), cmp.Compare(a.ID, b.ID))
	})
	return infos, nil
}

// Get describes one session log. MessageCount counts the lines the log
// reader would load; malformed lines are not messages.
func (service *FileService) Get(id core.SessionID) (Info, error) {
	if err := validateID(id); err != nil {
		return Info{}, err
	}

	path := service.sessionPath(id)
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat session %s: %w", id, err)
	}

	count, err := countMessages(path)
	if err != nil {
		return Info{}, fmt.Errorf("read session %s: %w", id, err)
	}

	return Info{
		ID:           id,
		MessageCount: count,
		FileSize:     stat.Size(),
		CreatedAt:    id.CreatedAt(),
		ModifiedAt:   stat.ModTime(),
	}, nil
}

// Delete removes the session's log.
func (service *FileService) Delete(id core.SessionID) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.Remove(service.sessionPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// validateID keeps session IDs usable as a single file name.
func validateID(id core.SessionID) error {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

func countMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg core.Message
		if json.Unmarshal(line, &msg) == nil {
			count++
		}
	}
	return count, scanner.Err()
}
