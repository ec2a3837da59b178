package compression

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tecet/ollm/internal/core"
)

// SummaryPrefix marks messages produced by compression.
const SummaryPrefix = "[Summary of earlier conversation]"

// Summarizer condenses a span of messages into at most maxTokens tokens.
type Summarizer interface {
	Summarize(ctx context.Context, messages []core.Message, maxTokens int) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, messages []core.Message, maxTokens int) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []core.Message, maxTokens int) (string, error) {
	return f(ctx, messages, maxTokens)
}

// ExtractiveSummarizer builds a summary from message excerpts without calling
// a model. It is deterministic and is the default when no model is wired in.
type ExtractiveSummarizer struct {
	Estimator core.TokenEstimator
	// ExcerptRunes bounds each excerpt. Zero means 160.
	ExcerptRunes int
}

func (s ExtractiveSummarizer) Summarize(ctx context.Context, messages []core.Message, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	estimator := s.Estimator
	if estimator == nil {
		estimator = core.CharEstimator{}
	}
	excerpt := s.ExcerptRunes
	if excerpt <= 0 {
		excerpt = 160
	}

	lines := []string{fmt.Sprintf("%d earlier messages covered:", len(messages))}
	for _, msg := range messages {
		line := describeMessage(msg, excerpt)
		if line == "" {
			continue
		}
		lines = append(lines, "- "+line)
	}

	return fitLines(estimator, lines, maxTokens), nil
}

// FormatTranscript renders messages as "role: content" blocks for a model prompt.
func FormatTranscript(messages []core.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		content := msg.Content
		for _, call := range msg.ToolCalls {
			content += fmt.Sprintf("\n[Tool: %s, Input: %v]", call.Name, call.Arguments)
		}
		if msg.Role == core.RoleTool && utf8.RuneCountInString(content) > 500 {
			content = truncateRunes(content, 497) + "..."
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", msg.Role, content)
	}
	return strings.TrimSpace(b.String())
}

// BuildSummaryPrompt asks a model for a summary of transcript within maxTokens.
func BuildSummaryPrompt(transcript string, maxTokens int) string {
	return fmt.Sprintf(`Summarize the conversation below so it can replace the original messages.
Keep the user's goals, decisions made, file names, commands, errors and their fixes, and any unfinished work.
Use short bullet points. Do not add information that is not in the conversation. Stay under %d tokens.

<conversation>
%s
</conversation>`, maxTokens, transcript)
}

func describeMessage(msg core.Message, maxRunes int) string {
	text := collapseSpace(msg.Content)
	if len(msg.ToolCalls) > 0 {
		names := make([]string, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			names = append(names, call.Name)
		}
		calls := "called " + strings.Join(names, ", ")
		if text == "" {
			text = calls
		} else {
			text += " (" + calls + ")"
		}
	}
	if text == "" {
		return ""
	}
	if utf8.RuneCountInString(text) > maxRunes {
		text = truncateRunes(text, maxRunes) + "..."
	}
	return fmt.Sprintf("%s: %s", msg.Role, text)
}

// fitLines joins as many lines as fit in maxTokens; the first line is always
// kept, truncated if needed.
func fitLines(estimator core.TokenEstimator, lines []string, maxTokens int) string {
	if len(lines) == 0 {
		return ""
	}

	out := truncateTokens(estimator, lines[0], maxTokens)
	for _, line := range lines[1:] {
		candidate := out + "\n" + line
		if estimator.Estimate(candidate) > maxTokens {
			break
		}
		out = candidate
	}
	return out
}

// truncateTokens returns the longest rune prefix of text estimated at no more
// than maxTokens.
func truncateTokens(estimator core.TokenEstimator, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if estimator.Estimate(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimator.Estimate(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

func collapseSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
