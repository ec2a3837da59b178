package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

const defaultMaxLines = 2000

// ReadFile returns numbered lines of a file below BaseDir. Reads without an
// explicit range stop at MaxLines so one call cannot flood the context.
type ReadFile struct {
	BaseDir  string
	MaxLines int
}

func (tool *ReadFile) Name() string { return "read_file" }
func (tool *ReadFile) Description() string {
	return "Reads a file and returns its content with line numbers. Format: 'linenum|content'. Supports an optional line range (1-indexed, inclusive)."
}
func (tool *ReadFile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Relative path to the file to read",
			},
			"start_line": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "First line to read (1-indexed, default: 1)",
			},
			"end_line": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "Last line to read (inclusive, default: end of file)",
			},
		},
		"required": []string{"path"},
	}
}

func (tool *ReadFile) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := resolvePath(tool.BaseDir, stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	maxLines := tool.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}

	startLine, _ := intArg(args, "start_line")
	if startLine <= 0 {
		startLine = 1
	}
	endLine, hasEndLine := intArg(args, "end_line")

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if lineNum < startLine {
			continue
		}
		if hasEndLine && lineNum > endLine {
			break
		}
		if !hasEndLine && len(lines) >= maxLines {
			return "", fmt.Errorf("file has more than %d lines from line %d; specify start_line and end_line to read a range", maxLines, startLine)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}

	if len(lines) == 0 {
		if hasEndLine && startLine > endLine {
			return "", fmt.Errorf("no lines in range %d-%d", startLine, endLine)
		}
		return "", fmt.Errorf("no lines starting from line %d (file has %d lines)", startLine, lineNum)
	}

	return formatWithLineNumbers(lines, startLine), nil
}

func formatWithLineNumbers(lines []string, startLine int) string {
	var builder strings.Builder
	width := len(fmt.Sprintf("%d", startLine+len(lines)-1))

	for i, line := range lines {
		fmt.Fprintf(&builder, "%*d|%s\n", width, startLine+i, line)
	}

	return strings.TrimSuffix(builder.String(), "\n")
}
