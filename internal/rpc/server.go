package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tecet/ollm/internal/agent"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tier"
)

var ErrNoRunner = errors.New("no model endpoint is configured")

type Sessions interface {
	Open(ctx context.Context, sessionID core.SessionID) (*conversation.Manager, error)
	Get(sessionID core.SessionID) (*conversation.Manager, bool)
	Close(sessionID core.SessionID) error
	Sessions() []core.SessionID
}

type SnapshotLister interface {
	List(sessionID core.SessionID) ([]snapshot.Metadata, error)
}

type MemoryReader interface {
	Info(ctx context.Context) resource.VRAMInfo
	AvailableForContext(ctx context.Context) int64
}

type RunStarter interface {
	StartRun(ctx context.Context, sessionID core.SessionID, prompt string) (<-chan agent.Event, error)
	Forget(sessionID core.SessionID)
}

type EventSource interface {
	Subscribe(types ...event.Type) *event.Subscription
}

type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type ToolLister interface {
	Definitions() []core.ToolDef
}

// Server implements ContextServiceServer on top of the session registry.
// Monitor, Runner, Bus and Model are optional; the calls that need a
// missing one fail with FailedPrecondition or Unimplemented.
type Server struct {
	Sessions  Sessions
	Snapshots SnapshotLister
	Monitor   MemoryReader
	Runner    RunStarter
	Bus       EventSource
	Model     HealthChecker
	Tools     ToolLister
	Config    config.Config
	StartTime time.Time
	StopFunc  func()
}

var _ ContextServiceServer = (*Server)(nil)

func (s *Server) OpenSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.Sessions.Open(ctx, core.SessionID(stringField(in, "session_id")))
	if err != nil {
		return nil, statusError(err)
	}

	if prompt := stringField(in, "system_prompt"); prompt != "" {
		if err := m.SetSystemPrompt(prompt); err != nil {
			return nil, statusError(err)
		}
	}

	return newStruct(sessionFields(m))
}

func (s *Server) CloseSession(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireSession(in)
	if err != nil {
		return nil, err
	}

	if _, ok := s.Sessions.Get(id); !ok {
		return nil, status.Errorf(codes.NotFound, "session not open: %s", id)
	}
	if err := s.Sessions.Close(id); err != nil {
		return nil, statusError(err)
	}
	if s.Runner != nil {
		s.Runner.Forget(id)
	}

	return newStruct(map[string]any{"session_id": string(id)})
}

func (s *Server) AddMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	role, err := parseRole(stringField(in, "role"))
	if err != nil {
		return nil, err
	}

	added, err := m.AddMessage(core.Message{Role: role, Content: stringField(in, "content")})
	if err != nil {
		return nil, statusError(err)
	}

	return newStruct(map[string]any{
		"message":           messageFields(added),
		"usage":             usageFields(m.Usage()),
		"needs_compression": m.NeedsCompression(),
	})
}

func (s *Server) Compress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	compressed, err := m.Compress(ctx)
	if err != nil {
		return nil, statusError(err)
	}

	return newStruct(map[string]any{
		"compression": compressionFields(compressed),
		"usage":       usageFields(m.Usage()),
	})
}

func (s *Server) Resize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	maxTokens := intField(in, "max_tokens")
	if maxTokens <= 0 {
		return nil, status.Error(codes.InvalidArgument, "max_tokens must be positive")
	}

	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := m.Resize(maxTokens); err != nil {
		return nil, statusError(err)
	}
	return newStruct(sessionFields(m))
}

func (s *Server) Usage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	fields := sessionFields(m)
	history := m.CompressionHistory()
	entries := make([]any, 0, len(history))
	for _, ev := range history {
		entries = append(entries, compressionFields(ev))
	}
	fields["compression_history"] = entries

	return newStruct(fields)
}

func (s *Server) CreateSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	snap, err := m.CreateSnapshot()
	if err != nil {
		return nil, statusError(err)
	}
	return newStruct(snapshotFields(snap.Metadata()))
}

func (s *Server) RestoreSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	snapshotID := stringField(in, "snapshot_id")
	if snapshotID == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot_id is required")
	}

	m, err := s.session(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := m.RestoreSnapshot(snapshotID); err != nil {
		return nil, statusError(err)
	}
	return newStruct(sessionFields(m))
}

func (s *Server) ListSnapshots(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireSession(in)
	if err != nil {
		return nil, err
	}

	entries := []any{}
	if s.Snapshots != nil {
		list, err := s.Snapshots.List(id)
		if err != nil {
			return nil, statusError(err)
		}
		for _, meta := range list {
			entries = append(entries, snapshotFields(meta))
		}
	}

	return newStruct(map[string]any{"session_id": string(id), "snapshots": entries})
}

func (s *Server) Memory(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.Monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "resource monitor is disabled")
	}

	info := s.Monitor.Info(ctx)
	forContext := s.Monitor.AvailableForContext(ctx)
	tokens := resource.TokensForBytes(forContext, s.Config.Context.BytesPerToken)

	fields := memoryFields(info, forContext)
	fields["tokens_for_context"] = tokens
	fields["tier"] = tier.ForTokens(s.Config.Context.Clamp(tokens)).Name
	return newStruct(fields)
}

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	uptimeSeconds := int64(0)
	startedAt := ""
	if !s.StartTime.IsZero() {
		uptimeSeconds = int64(time.Since(s.StartTime).Seconds())
		startedAt = s.StartTime.Format(time.RFC3339)
	}

	open := []any{}
	for _, id := range s.Sessions.Sessions() {
		open = append(open, string(id))
	}

	modelHealthy := false
	if s.Model != nil {
		healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		modelHealthy = s.Model.Healthy(healthCtx)
		cancel()
	}

	tools := []any{}
	if s.Tools != nil {
		for _, def := range s.Tools.Definitions() {
			tools = append(tools, def.Name)
		}
	}

	return newStruct(map[string]any{
		"bind":            s.Config.Bind,
		"data_dir":        s.Config.DataDir,
		"uptime_seconds":  uptimeSeconds,
		"started_at":      startedAt,
		"sessions":        open,
		"model_endpoint":  s.Config.Model.Endpoint,
		"model_name":      s.Config.Model.Name,
		"model_healthy":   modelHealthy,
		"runs_enabled":    s.Runner != nil,
		"monitor_enabled": s.Monitor != nil,
		"tools":           tools,
	})
}

func (s *Server) Shutdown(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if s.StopFunc != nil {
		go s.StopFunc()
	}
	return newStruct(map[string]any{"message": "shutting down"})
}

// Run streams the events of one agent run. The run is cancelled when the
// client goes away.
func (s *Server) Run(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.Runner == nil {
		return statusError(ErrNoRunner)
	}

	prompt := stringField(in, "prompt")
	if prompt == "" {
		return status.Error(codes.InvalidArgument, "prompt is required")
	}

	events, err := s.Runner.StartRun(stream.Context(), core.SessionID(stringField(in, "session_id")), prompt)
	if err != nil {
		return statusError(err)
	}

	for ev := range events {
		out, err := newStruct(agentEventFields(ev))
		if err != nil {
			return err
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
	return nil
}

// Events streams context events, optionally narrowed to one session and a
// set of event types, until the client disconnects or the bus closes.
func (s *Server) Events(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.Bus == nil {
		return status.Error(codes.FailedPrecondition, "event bus is not available")
	}

	var types []event.Type
	for _, v := range in.GetFields()["types"].GetListValue().GetValues() {
		if name := v.GetStringValue(); name != "" {
			types = append(types, event.Type(name))
		}
	}
	sessionID := stringField(in, "session_id")

	sub := s.Bus.Subscribe(types...)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if sessionID != "" && ev.SessionID != sessionID {
				continue
			}

			out, err := newStruct(contextEventFields(ev))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *Server) session(ctx context.Context, in *structpb.Struct) (*conversation.Manager, error) {
	id, err := requireSession(in)
	if err != nil {
		return nil, err
	}

	m, err := s.Sessions.Open(ctx, id)
	if err != nil {
		return nil, statusError(err)
	}
	return m, nil
}

func sessionFields(m *conversation.Manager) map[string]any {
	return map[string]any{
		"session_id":        string(m.SessionID()),
		"state":             m.State().String(),
		"message_count":     len(m.Messages()),
		"compression_count": int64(m.CompressionCount()),
		"usage":             usageFields(m.Usage()),
		"tier":              tierFields(m.Tier()),
	}
}

// LoggingInterceptor logs every unary call at debug level and failures at
// warn level.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		if err != nil && code != codes.NotFound && code != codes.InvalidArgument {
			logger.Warn("rpc failed", "method", info.FullMethod, "code", code.String(), "error", err)
		} else {
			logger.Debug("rpc", "method", info.FullMethod, "code", code.String(), "duration", time.Since(started))
		}
		return resp, err
	}
}
