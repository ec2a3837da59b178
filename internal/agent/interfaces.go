package agent

import (
	"context"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/provider"
)

// LLM streams chat completions.
type LLM interface {
	StreamChat(ctx context.Context, messages []core.Message, tools []core.ToolDef, onDelta func(string)) (provider.Response, error)
}

// ToolExecutor runs the tools the model asks for.
type ToolExecutor interface {
	Definitions() []core.ToolDef
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Conversation is the part of conversation.Manager the loop drives.
type Conversation interface {
	SessionID() core.SessionID
	AddMessage(msg core.Message) (core.Message, error)
	Messages() []core.Message
	NeedsCompression() bool
	Compress(ctx context.Context) (core.CompressionEvent, error)
	CompressionCount() uint64
	ReportInflightTokens(tokens int)
	FlushInflight()
	ClearInflightTokens()
	SaveTurn(turn int) error
}
