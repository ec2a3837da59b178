package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tecet/ollm/internal/agent"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/provider"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/snapshot"
)

const gib = 1024 * 1024 * 1024

type fakeMemory struct{}

func (fakeMemory) Info(context.Context) resource.VRAMInfo {
	return resource.VRAMInfo{Total: 8 * gib, Used: 4 * gib, Available: 4 * gib, Source: "nvidia"}
}

func (fakeMemory) AvailableForContext(context.Context) int64 { return 2 * gib }

type echoLLM struct{}

func (echoLLM) StreamChat(_ context.Context, messages []core.Message, _ []core.ToolDef, onDelta func(string)) (provider.Response, error) {
	last := messages[len(messages)-1].Content
	reply := "you said " + last
	for _, word := range strings.SplitAfter(reply, " ") {
		onDelta(word)
	}
	return provider.Response{Content: reply}, nil
}

type harness struct {
	server   *Server
	client   *Client
	bus      *event.Bus
	registry *conversation.Registry
	stopped  chan struct{}
}

func newHarness(t *testing.T, mutate func(*Server)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	bus := event.NewBus()
	store := snapshot.NewFileStore(t.TempDir(), 5, nil, nil)
	registry := conversation.NewRegistry(conversation.Options{
		Config:    cfg.Context,
		Snapshots: store,
		Emitter:   bus,
	}, nil)

	h := &harness{bus: bus, registry: registry, stopped: make(chan struct{})}
	var once sync.Once
	h.server = &Server{
		Sessions:  registry,
		Snapshots: store,
		Monitor:   fakeMemory{},
		Bus:       bus,
		Config:    cfg,
		StartTime: time.Now(),
		StopFunc:  func() { once.Do(func() { close(h.stopped) }) },
	}
	if mutate != nil {
		mutate(h.server)
	}

	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(nil)))
	RegisterContextServiceServer(grpcServer, h.server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() { _ = grpcServer.Serve(listener) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.client = client

	t.Cleanup(func() {
		client.Close()
		grpcServer.Stop()
		registry.CloseAll()
		bus.Close()
	})
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected code %s, got %s (%v)", want, got, err)
	}
}

func number(t *testing.T, fields map[string]any, key string) float64 {
	t.Helper()
	v, ok := fields[key].(float64)
	if !ok {
		t.Fatalf("field %q missing or not a number: %#v", key, fields[key])
	}
	return v
}

func TestServer_OpenAddAndUsage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	opened, err := h.client.Call(ctx, MethodOpenSession, map[string]any{"system_prompt": "You are terse."})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	sessionID, _ := opened["session_id"].(string)
	if !strings.HasPrefix(sessionID, "sess_") {
		t.Fatalf("unexpected session id %q", sessionID)
	}
	if got := number(t, opened, "message_count"); got != 1 {
		t.Errorf("expected the system prompt only, got %v messages", got)
	}

	added, err := h.client.Call(ctx, MethodAddMessage, map[string]any{
		"session_id": sessionID,
		"role":       "user",
		"content":    "How large is the context window?",
	})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}

	message := added["message"].(map[string]any)
	if message["role"] != "user" || message["id"] == "" {
		t.Errorf("unexpected message %#v", message)
	}
	if number(t, message, "tokens") <= 0 {
		t.Errorf("expected a token estimate")
	}

	usage, err := h.client.Call(ctx, MethodUsage, map[string]any{"session_id": sessionID})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage["state"] != "active" {
		t.Errorf("expected active state, got %v", usage["state"])
	}
	if got := number(t, usage, "message_count"); got != 2 {
		t.Errorf("expected 2 messages, got %v", got)
	}
	if got := number(t, usage["usage"].(map[string]any), "max_tokens"); got != 8192 {
		t.Errorf("expected 8192 max tokens, got %v", got)
	}
	if tier := usage["tier"].(map[string]any); tier["name"] != "basic" {
		t.Errorf("expected basic tier, got %v", tier["name"])
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	_, err := h.client.Call(ctx, MethodAddMessage, map[string]any{"content": "hi"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Call(ctx, MethodAddMessage, map[string]any{"session_id": "sess_x", "role": "narrator", "content": "hi"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Call(ctx, MethodResize, map[string]any{"session_id": "sess_x", "max_tokens": 0})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Call(ctx, MethodCloseSession, map[string]any{"session_id": "sess_never_opened"})
	requireCode(t, err, codes.NotFound)
}

func TestServer_ResizeChangesTier(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	resized, err := h.client.Call(ctx, MethodResize, map[string]any{"session_id": "sess_resize", "max_tokens": 2048})
	if err != nil {
		t.Fatalf("resize: %v", err)
	}

	if tier := resized["tier"].(map[string]any); tier["name"] != "minimal" || tier["strategy"] != "rollover" {
		t.Errorf("expected minimal rollover tier, got %#v", tier)
	}
}

func TestServer_Compress(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	const id = "sess_compress"
	for i := 0; i < 20; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		content := strings.Repeat("word ", 80)
		if _, err := h.client.Call(ctx, MethodAddMessage, map[string]any{"session_id": id, "role": role, "content": content}); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	reply, err := h.client.Call(ctx, MethodCompress, map[string]any{"session_id": id})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	compressed := reply["compression"].(map[string]any)
	if compressed["strategy"] != "checkpoint" {
		t.Errorf("expected checkpoint strategy, got %v", compressed["strategy"])
	}
	if number(t, compressed, "compressed_tokens") >= number(t, compressed, "original_tokens") {
		t.Errorf("compression did not shrink the buffer: %#v", compressed)
	}

	usage, err := h.client.Call(ctx, MethodUsage, map[string]any{"session_id": id})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if history := usage["compression_history"].([]any); len(history) != 1 {
		t.Errorf("expected one compression history entry, got %d", len(history))
	}
}

func TestServer_Snapshots(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	const id = "sess_snapshots"
	if _, err := h.client.Call(ctx, MethodAddMessage, map[string]any{"session_id": id, "content": "keep me"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	created, err := h.client.Call(ctx, MethodCreateSnapshot, map[string]any{"session_id": id})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	snapshotID, _ := created["id"].(string)
	if snapshotID == "" {
		t.Fatal("expected a snapshot id")
	}

	listed, err := h.client.Call(ctx, MethodListSnapshots, map[string]any{"session_id": id})
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	entries := listed["snapshots"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["id"] != snapshotID {
		t.Fatalf("unexpected snapshot list %#v", entries)
	}

	if _, err := h.client.Call(ctx, MethodRestoreSnapshot, map[string]any{"session_id": id, "snapshot_id": snapshotID}); err != nil {
		t.Fatalf("restore snapshot: %v", err)
	}

	_, err = h.client.Call(ctx, MethodRestoreSnapshot, map[string]any{"session_id": id, "snapshot_id": "01J00000000000000000000000"})
	requireCode(t, err, codes.NotFound)

	_, err = h.client.Call(ctx, MethodRestoreSnapshot, map[string]any{"session_id": id})
	requireCode(t, err, codes.InvalidArgument)
}

func TestServer_Memory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	memory, err := h.client.Call(ctx, MethodMemory, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	if memory["source"] != "nvidia" {
		t.Errorf("unexpected source %v", memory["source"])
	}
	if got := number(t, memory, "available_for_context"); got != 2*gib {
		t.Errorf("expected 2 GiB for context, got %v", got)
	}
	// 2 GiB at the default 128 KiB per token.
	if got := number(t, memory, "tokens_for_context"); got != 16384 {
		t.Errorf("expected 16384 tokens, got %v", got)
	}
	if memory["tier"] != "standard" {
		t.Errorf("expected standard tier, got %v", memory["tier"])
	}

	disabled := newHarness(t, func(s *Server) { s.Monitor = nil })
	_, err = disabled.client.Call(ctx, MethodMemory, nil)
	requireCode(t, err, codes.FailedPrecondition)
}

func TestServer_StatusAndHealth(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	if _, err := h.client.Call(ctx, MethodOpenSession, map[string]any{"session_id": "sess_status"}); err != nil {
		t.Fatalf("open session: %v", err)
	}

	statusReply, err := h.client.Call(ctx, MethodStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	sessions := statusReply["sessions"].([]any)
	if len(sessions) != 1 || sessions[0] != "sess_status" {
		t.Errorf("unexpected sessions %#v", sessions)
	}
	if statusReply["runs_enabled"] != false {
		t.Errorf("runs should be disabled without a runner")
	}
	if statusReply["model_healthy"] != false {
		t.Errorf("model should not be healthy without a checker")
	}
	if tools, _ := statusReply["tools"].([]any); len(tools) != 0 {
		t.Errorf("expected no tools, got %#v", tools)
	}

	serving, err := h.client.Serving(ctx)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if !serving {
		t.Error("expected SERVING")
	}
}

func TestServer_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	if _, err := h.client.Call(ctx, MethodShutdown, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-h.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop func was not called")
	}
}

func TestServer_RunStreamsAgentEvents(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.Runner = &agent.Runner{Sessions: s.Sessions.(*conversation.Registry), LLM: echoLLM{}}
	})
	ctx := testContext(t)

	var types []string
	var completed map[string]any
	err := h.client.Stream(ctx, MethodRun, map[string]any{"session_id": "sess_run", "prompt": "hello there"}, func(ev map[string]any) error {
		types = append(types, ev["type"].(string))
		if ev["type"] == string(agent.EvtRunCompleted) {
			completed = ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run stream: %v", err)
	}

	if len(types) == 0 || types[0] != string(agent.EvtRunStarted) {
		t.Fatalf("expected run_started first, got %v", types)
	}
	if completed == nil || completed["content"] != "you said hello there" {
		t.Fatalf("expected completed reply, got %v (%v)", completed, types)
	}

	m, ok := h.registry.Get("sess_run")
	if !ok {
		t.Fatal("run did not open the session")
	}
	if got := len(m.Messages()); got != 2 {
		t.Errorf("expected prompt and reply in the buffer, got %d messages", got)
	}
}

func TestServer_RunWithoutRunner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	err := h.client.Stream(ctx, MethodRun, map[string]any{"prompt": "hi"}, func(map[string]any) error { return nil })
	requireCode(t, err, codes.Unimplemented)
}

func TestServer_EventsFiltersBySession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	stopEmitting := make(chan struct{})
	defer close(stopEmitting)

	// The stream subscribes asynchronously, so keep emitting until it hears one.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopEmitting:
				return
			case <-ticker.C:
				h.bus.Emit(event.Event{Type: event.SessionSaved, SessionID: "sess_other", TurnNumber: 1})
				h.bus.Emit(event.Event{Type: event.MemoryWarning, SessionID: "sess_watched", Percentage: 71})
				h.bus.Emit(event.Event{Type: event.SessionSaved, SessionID: "sess_watched", TurnNumber: 2})
			}
		}
	}()

	errDone := errors.New("done")
	var received map[string]any
	err := h.client.Stream(ctx, MethodEvents, map[string]any{
		"session_id": "sess_watched",
		"types":      []any{string(event.SessionSaved)},
	}, func(ev map[string]any) error {
		received = ev
		return errDone
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("expected the stream to end with the callback error, got %v", err)
	}

	if received["session_id"] != "sess_watched" || received["type"] != string(event.SessionSaved) {
		t.Fatalf("unexpected event %#v", received)
	}
	if got := number(t, received, "turn_number"); got != 2 {
		t.Errorf("expected turn 2, got %v", got)
	}
}
