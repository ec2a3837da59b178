// Package builtin provides the read-only tools offered to the model: file
// reading and listing below a base directory, and recall of conversation
// history saved in snapshots.
package builtin

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/core"
	toolpkg "github.com/tecet/ollm/internal/tool"
)

// RegisterAll registers every builtin tool. recall may be nil when snapshots
// are disabled, in which case recall_snapshot is not offered.
func RegisterAll(registry *toolpkg.Registry, baseDir string, cfg config.ToolsConfig, recall SnapshotReader) error {
	tools := []toolpkg.Tool{
		&ReadFile{BaseDir: baseDir, MaxLines: cfg.MaxReadLines},
		&ListFiles{BaseDir: baseDir},
	}
	if recall != nil {
		tools = append(tools, &RecallSnapshot{Store: recall})
	}

	for _, t := range tools {
		if err := registry.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath maps a model-supplied relative path onto baseDir, rejecting
// paths that escape it lexically or through a symlink. A path that does not
// exist yet resolves without the symlink check.
func resolvePath(baseDir, rel string) (string, error) {
	if rel == "" {
		return "", errors.New("path is empty")
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q must be relative to the working directory", rel)
	}

	full := filepath.Join(baseDir, rel)
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return full, nil
	}

	root, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	inside, err := filepath.Rel(root, resolved)
	if err != nil || (inside != "." && !filepath.IsLocal(inside)) {
		return "", fmt.Errorf("path %q leaves the working directory", rel)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reports whether key was supplied. The registry has already checked
// the value against the tool's schema, so any JSON number is accepted.
func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false
	}
	return core.IntFromAny(v), true
}
