package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/provider"
)

// Completer is a single-shot completion call, satisfied by provider.OpenAI.
type Completer interface {
	Complete(ctx context.Context, messages []core.Message, maxTokens int) (provider.Response, error)
}

// LLMSummarizer asks the model to condense a span of history.
type LLMSummarizer struct {
	Model Completer
}

var _ compression.Summarizer = LLMSummarizer{}

func (s LLMSummarizer) Summarize(ctx context.Context, messages []core.Message, maxTokens int) (string, error) {
	prompt := compression.BuildSummaryPrompt(compression.FormatTranscript(messages), maxTokens)

	response, err := s.Model.Complete(ctx, []core.Message{{Role: core.RoleUser, Content: prompt}}, maxTokens)
	if err != nil {
		return "", fmt.Errorf("summarize %d messages: %w", len(messages), err)
	}

	summary := strings.TrimSpace(response.Content)
	if summary == "" {
		return "", errors.New("model returned an empty summary")
	}
	return summary, nil
}
