package core

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in the conversation buffer. Messages are never
// edited after they are appended; compression replaces them wholesale.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Tokens     int        `json:"tokens,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Strategy names a compression algorithm.
type Strategy string

const (
	StrategyAuto       Strategy = "auto"
	StrategyRollover   Strategy = "rollover"
	StrategyCheckpoint Strategy = "checkpoint"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy accepts the configured strategy names. An empty string means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyRollover:
		return StrategyRollover, nil
	case StrategyCheckpoint:
		return StrategyCheckpoint, nil
	case StrategyHybrid:
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown compression strategy %q", s)
	}
}

// CompressionEvent is one entry of the append-only compression audit trail.
type CompressionEvent struct {
	Strategy         Strategy  `json:"strategy"`
	OriginalTokens   int       `json:"original_tokens"`
	CompressedTokens int       `json:"compressed_tokens"`
	Ratio            float64   `json:"ratio"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewCompressionEvent fills in the ratio from the token counts.
func NewCompressionEvent(strategy Strategy, originalTokens, compressedTokens int, at time.Time) CompressionEvent {
	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(compressedTokens) / float64(originalTokens)
	}
	return CompressionEvent{
		Strategy:         strategy,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		Ratio:            ratio,
		Timestamp:        at,
	}
}

type ContextMetadata struct {
	CompressionHistory []CompressionEvent `json:"compression_history"`
}

// ConversationContext is the committed state of a conversation. TokenCount
// includes both committed message tokens and outstanding inflight tokens.
type ConversationContext struct {
	Messages   []Message       `json:"messages"`
	TokenCount int             `json:"token_count"`
	MaxTokens  int             `json:"max_tokens"`
	Metadata   ContextMetadata `json:"metadata"`
}

// Clone returns a deep copy safe to hand to callers.
func (c ConversationContext) Clone() ConversationContext {
	out := c
	out.Messages = CloneMessages(c.Messages)
	if c.Metadata.CompressionHistory != nil {
		out.Metadata.CompressionHistory = append([]CompressionEvent(nil), c.Metadata.CompressionHistory...)
	}
	return out
}

// CloneMessages copies the slice and each message's tool calls.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		if msg.ToolCalls != nil {
			msg.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
		}
		out[i] = msg
	}
	return out
}

// SplitSystem separates a leading system message from the rest of the buffer.
func SplitSystem(messages []Message) (*Message, []Message) {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		system := messages[0]
		return &system, messages[1:]
	}
	return nil, messages
}

func SumTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += msg.Tokens
	}
	return total
}
