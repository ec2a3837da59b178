package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ListFiles lists files matching a glob pattern below BaseDir.
type ListFiles struct {
	BaseDir string
}

func (tool *ListFiles) Name() string { return "list_files" }
func (tool *ListFiles) Description() string {
	return "Lists files matching a glob pattern. Returns relative paths, excludes directories."
}
func (tool *ListFiles) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern relative to the working directory, e.g. internal/*.go",
			},
		},
		"required": []string{"pattern"},
	}
}

func (tool *ListFiles) Execute(_ context.Context, args map[string]any) (string, error) {
	pattern := stringArg(args, "pattern")
	if !filepath.IsLocal(pattern) {
		return "", fmt.Errorf("pattern %q must be relative to the working directory", pattern)
	}

	matches, err := filepath.Glob(filepath.Join(tool.BaseDir, pattern))
	if err != nil {
		return "", fmt.Errorf("bad pattern: %w", err)
	}

	var out []string

	for _, m := range matches {
		rel, err := filepath.Rel(tool.BaseDir, m)
		if err != nil {
			continue
		}
		if _, err := resolvePath(tool.BaseDir, rel); err != nil {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, rel)
	}

	if len(out) == 0 {
		return "no files match " + pattern, nil
	}
	return strings.Join(out, "\n"), nil
}
