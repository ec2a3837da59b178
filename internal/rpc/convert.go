package rpc

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tecet/ollm/internal/agent"
	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/pool"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tier"
)

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func intField(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func usageFields(u pool.Usage) map[string]any {
	return map[string]any{
		"current_tokens": u.CurrentTokens,
		"max_tokens":     u.MaxTokens,
		"percentage":     u.Percentage,
	}
}

func tierFields(d tier.Descriptor) map[string]any {
	return map[string]any{
		"name":               d.Name,
		"strategy":           string(d.Strategy),
		"utilization_target": d.UtilizationTarget,
		"max_checkpoints":    d.MaxCheckpoints,
	}
}

func compressionFields(ev core.CompressionEvent) map[string]any {
	return map[string]any{
		"strategy":          string(ev.Strategy),
		"original_tokens":   ev.OriginalTokens,
		"compressed_tokens": ev.CompressedTokens,
		"ratio":             ev.Ratio,
		"timestamp":         formatTime(ev.Timestamp),
	}
}

func messageFields(msg core.Message) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"role":      string(msg.Role),
		"content":   msg.Content,
		"tokens":    msg.Tokens,
		"timestamp": formatTime(msg.Timestamp),
	}
}

func snapshotFields(meta snapshot.Metadata) map[string]any {
	return map[string]any{
		"id":            meta.ID,
		"session_id":    string(meta.SessionID),
		"token_count":   meta.TokenCount,
		"message_count": meta.MessageCount,
		"timestamp":     formatTime(meta.Timestamp),
	}
}

func memoryFields(info resource.VRAMInfo, forContext int64) map[string]any {
	return map[string]any{
		"total":                 info.Total,
		"used":                  info.Used,
		"available":             info.Available,
		"available_for_context": forContext,
		"model_loaded":          info.ModelLoaded,
		"source":                info.Source,
	}
}

func contextEventFields(ev event.Event) map[string]any {
	fields := map[string]any{
		"type":       string(ev.Type),
		"session_id": ev.SessionID,
		"time":       formatTime(ev.Time),
	}

	setNonZero(fields, "percentage", ev.Percentage)
	setNonEmpty(fields, "message", ev.Message)
	setNonEmpty(fields, "summary", ev.Summary)
	setNonEmpty(fields, "error", ev.Error)
	setNonEmpty(fields, "reason", ev.Reason)
	setNonEmpty(fields, "tier", ev.Tier)
	setNonZero(fields, "original_tokens", float64(ev.OriginalTokens))
	setNonZero(fields, "compressed_tokens", float64(ev.CompressedTokens))
	setNonZero(fields, "turn_number", float64(ev.TurnNumber))
	setNonZero(fields, "max_tokens", float64(ev.MaxTokens))
	setNonZero(fields, "available", float64(ev.Available))
	setNonZero(fields, "total", float64(ev.Total))

	if ev.Snapshot != nil {
		fields["snapshot"] = map[string]any{
			"id":          ev.Snapshot.ID,
			"session_id":  ev.Snapshot.SessionID,
			"token_count": ev.Snapshot.TokenCount,
			"timestamp":   formatTime(ev.Snapshot.Timestamp),
		}
	}
	return fields
}

func agentEventFields(ev agent.Event) map[string]any {
	fields := map[string]any{
		"type":       string(ev.Type),
		"run_id":     ev.RunID,
		"session_id": string(ev.SessionID),
	}

	setNonEmpty(fields, "token", ev.Token)
	setNonEmpty(fields, "content", ev.Content)
	setNonEmpty(fields, "call_id", ev.CallID)
	setNonEmpty(fields, "tool_name", ev.ToolName)
	setNonEmpty(fields, "output", ev.Output)
	setNonEmpty(fields, "error", ev.Error)
	setNonZero(fields, "turn", float64(ev.Turn))

	if ev.Compression != nil {
		fields["compression"] = compressionFields(*ev.Compression)
	}
	return fields
}

func setNonEmpty(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func setNonZero(fields map[string]any, key string, value float64) {
	if value != 0 {
		fields[key] = value
	}
}

// statusError maps engine errors onto gRPC codes so clients can tell a
// busy session from a missing one.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, conversation.ErrCheckpointNotFound):
		code = codes.NotFound
	case errors.Is(err, snapshot.ErrInvalidID), errors.Is(err, pool.ErrInvalidSize):
		code = codes.InvalidArgument
	case errors.Is(err, conversation.ErrCompressionInProgress), errors.Is(err, agent.ErrRunInProgress):
		code = codes.Aborted
	case errors.Is(err, conversation.ErrStopped),
		errors.Is(err, conversation.ErrCompressionDisabled),
		errors.Is(err, conversation.ErrSnapshotsDisabled),
		errors.Is(err, conversation.ErrSessionMismatch),
		errors.Is(err, compression.ErrNothingToCompress),
		errors.Is(err, compression.ErrCheckpointUnavailable):
		code = codes.FailedPrecondition
	case errors.Is(err, compression.ErrSummarizationFailed):
		code = codes.Unavailable
	case errors.Is(err, ErrNoRunner):
		code = codes.Unimplemented
	}
	return status.Error(code, err.Error())
}

func requireSession(in *structpb.Struct) (core.SessionID, error) {
	id := stringField(in, "session_id")
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "session_id is required")
	}
	return core.SessionID(id), nil
}

func parseRole(value string) (core.Role, error) {
	switch role := core.Role(value); role {
	case core.RoleSystem, core.RoleUser, core.RoleAssistant, core.RoleTool:
		return role, nil
	case "":
		return core.RoleUser, nil
	default:
		return "", status.Error(codes.InvalidArgument, fmt.Sprintf("unknown role %q", value))
	}
}
