package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tecet/ollm/internal/core"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 * 1024 * 1024

// Log is one session's message file. Appends go through a single open
// handle; Sync makes them durable.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

func (l *Log) Append(msg core.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		l.file = file
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close flushes and releases the handle. A later Append reopens it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil

	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// LoadTail returns the newest messages whose tokens fit in tokenBudget,
// always at least one. Malformed lines are skipped, as are tool results at
// the start of the window whose call fell outside it.
func (l *Log) LoadTail(tokenBudget int) ([]core.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, err
	}

	fileSize := fileInfo.Size()
	if fileSize == 0 {
		return nil, nil
	}

	lines, err := readLinesBackward(file, fileSize)
	if err != nil {
		return nil, err
	}

	var messages []core.Message
	tokensUsed := 0
	skipped := 0

	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if len(line) == 0 {
			continue
		}

		var msg core.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			skipped++
			continue
		}

		if tokensUsed+msg.Tokens > tokenBudget && len(messages) > 0 {
			break
		}

		messages = append(messages, msg)
		tokensUsed += msg.Tokens
	}

	if skipped > 0 {
		slog.Warn("skipped malformed session lines", "path", l.path, "count", skipped)
	}

	reverse(messages)

	for len(messages) > 1 && messages[0].Role == core.RoleTool {
		messages = messages[1:]
	}

	return messages, nil
}

func (l *Log) LoadAll() ([]core.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []core.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg core.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		messages = append(messages, msg)
	}

	return messages, scanner.Err()
}

func reverse(messages []core.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

const chunkSize = 8 * 1024

func readLinesBackward(file *os.File, fileSize int64) ([][]byte, error) {
	allData := make([]byte, fileSize)
	remaining := fileSize

	for remaining > 0 {
		readSize := int64(chunkSize)
		if readSize > remaining {
			readSize = remaining
		}

		offset := remaining - readSize
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(file, allData[offset:remaining]); err != nil {
			return nil, err
		}

		remaining = offset
	}

	var lines [][]byte
	start := 0

	for i := 0; i < len(allData); i++ {
		if allData[i] == '\n' {
			if i > start {
				lines = append(lines, allData[start:i])
			}
			start = i + 1
		}
	}

	if start < len(allData) {
		lines = append(lines, allData[start:])
	}

	return lines, nil
}
