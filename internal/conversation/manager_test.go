package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tecet/ollm/internal/clock"
	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/snapshot"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) Emit(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t event.Type) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return event.Event{}, false
}

type fakeRecorder struct {
	mu       sync.Mutex
	appended []core.Message
	syncs    int
	closed   bool
}

func (r *fakeRecorder) Append(msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, msg)
	return nil
}

func (r *fakeRecorder) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// textOfTokens returns content the default estimator counts as exactly n tokens.
func textOfTokens(i, n int) string {
	prefix := fmt.Sprintf("turn %03d ", i)
	return prefix + strings.Repeat("y", n*4-len(prefix))
}

func contextConfig(size int) config.ContextConfig {
	cfg := config.DefaultContext()
	cfg.TargetSize = size
	cfg.MaxSize = size
	if cfg.MinSize > size {
		cfg.MinSize = size
	}
	return cfg
}

func newTestManager(t *testing.T, cfg config.ContextConfig, mutate func(*Options)) (*Manager, *eventRecorder) {
	t.Helper()
	events := &eventRecorder{}
	opts := Options{
		SessionID: "sess_test",
		Config:    cfg,
		Snapshots: snapshot.NewFileStore(t.TempDir(), cfg.Snapshots.MaxCount, nil, nil),
		Emitter:   events,
		Clock:     clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := New(opts)
	t.Cleanup(m.Stop)
	return m, events
}

func addMessages(t *testing.T, m *Manager, count, tokensEach int) {
	t.Helper()
	for i := 0; i < count; i++ {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		if _, err := m.AddMessage(core.Message{Role: role, Content: textOfTokens(i, tokensEach)}); err != nil {
			t.Fatalf("AddMessage %d failed: %v", i, err)
		}
	}
}

func TestRolloverScenario(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(event.RolloverComplete)

	m, _ := newTestManager(t, contextConfig(4096), func(o *Options) { o.Emitter = bus })
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSystemPrompt("You are helpful."); err != nil {
		t.Fatal(err)
	}

	addMessages(t, m, 70, 55)

	if usage := m.Usage(); usage.Fraction() < 0.8 {
		t.Fatalf("expected usage above 80%%, got %.2f", usage.Fraction())
	}
	if !m.NeedsCompression() {
		t.Fatal("manager should report that compression is needed")
	}

	ev, err := m.Compress(context.Background())
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Snapshot == nil || got.OriginalTokens <= got.CompressedTokens {
			t.Errorf("unexpected rollover-complete payload: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollover-complete was not emitted")
	}

	if n := len(m.Messages()); n > 2 {
		t.Errorf("expected at most 2 messages after rollover, got %d", n)
	}
	if tokens := m.Context().TokenCount; tokens >= 500 {
		t.Errorf("token count after rollover = %d, want < 500", tokens)
	}

	history := m.CompressionHistory()
	if len(history) != 1 || history[0].Strategy != core.StrategyRollover || ev.Strategy != core.StrategyRollover {
		t.Fatalf("expected exactly one rollover event, got %+v", history)
	}
	if m.CompressionCount() != 1 {
		t.Errorf("compression count = %d", m.CompressionCount())
	}
	if len(m.Checkpoints()) != 0 {
		t.Error("rollover sessions keep no checkpoints")
	}
	if ids := m.SnapshotIDs(); len(ids) != 1 {
		t.Errorf("expected the rollover snapshot to be tracked, got %v", ids)
	}
}

func TestResizeScenario(t *testing.T) {
	m, events := newTestManager(t, config.DefaultContext(), nil)

	if err := m.Resize(8192); err != nil {
		t.Fatal(err)
	}
	if got := m.Tier().Name; got != "basic" {
		t.Errorf("tier after 8192 = %s, want basic", got)
	}

	if err := m.Resize(2048); err != nil {
		t.Fatal(err)
	}
	if got := m.Tier().Name; got != "minimal" {
		t.Errorf("tier after 2048 = %s, want minimal", got)
	}

	if m.State() != StateIdle {
		t.Errorf("resize must not change an idle manager's state, got %s", m.State())
	}
	if m.CompressionCount() != 0 || len(m.CompressionHistory()) != 0 {
		t.Error("resize must never compress")
	}
	if events.count(event.ContextResized) != 1 {
		t.Errorf("expected one context-resized event for the actual change, got %d", events.count(event.ContextResized))
	}
}

func TestResizeKeepsMessages(t *testing.T) {
	m, _ := newTestManager(t, config.DefaultContext(), nil)
	addMessages(t, m, 30, 100)

	before := m.Messages()
	if err := m.Resize(2048); err != nil {
		t.Fatal(err)
	}
	if err := m.Resize(65536); err != nil {
		t.Fatal(err)
	}

	if len(m.Messages()) != len(before) {
		t.Fatalf("resize dropped messages: %d -> %d", len(before), len(m.Messages()))
	}
	if m.Usage().MaxTokens != 65536 || m.Tier().Name != "premium" {
		t.Errorf("unexpected usage/tier: %+v %s", m.Usage(), m.Tier().Name)
	}

	if err := m.Resize(100); err != nil {
		t.Fatal(err)
	}
	if m.MaxTokens() != config.DefaultContext().MinSize {
		t.Errorf("resize below min should clamp, got %d", m.MaxTokens())
	}
}

func TestCompressAtMostOneInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls int
	var callsMu sync.Mutex

	summarizer := compression.SummarizerFunc(func(ctx context.Context, messages []core.Message, maxTokens int) (string, error) {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		once.Do(func() { close(entered) })
		<-release
		return "the user and assistant exchanged numbered turns", nil
	})

	cfg := contextConfig(8192)
	cfg.Compression.PreserveRecent = 500
	m, _ := newTestManager(t, cfg, func(o *Options) { o.Summarizer = summarizer })
	addMessages(t, m, 20, 100)

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := m.Compress(context.Background())
			results <- err
		}()
	}

	<-entered
	if m.State() != StateCompressing {
		t.Errorf("state during compression = %s", m.State())
	}

	for i := 0; i < callers-1; i++ {
		if err := <-results; !errors.Is(err, ErrCompressionInProgress) {
			t.Fatalf("overlapping compress returned %v", err)
		}
	}

	// Messages appended mid-compression survive the commit.
	late, err := m.AddMessage(core.Message{Role: core.RoleUser, Content: "arrived during compression"})
	if err != nil {
		t.Fatal(err)
	}

	close(release)
	if err := <-results; err != nil {
		t.Fatalf("winning compress failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("summarizer ran %d times", calls)
	}
	if got := len(m.CompressionHistory()); got != 1 {
		t.Errorf("expected exactly one compression event, got %d", got)
	}

	messages := m.Messages()
	if messages[len(messages)-1].ID != late.ID {
		t.Error("message appended during compression was lost")
	}
	if m.State() != StateActive {
		t.Errorf("state after compression = %s", m.State())
	}
	if m.Context().TokenCount != core.SumTokens(messages) {
		t.Error("token count out of sync with messages")
	}
}

func TestSummarizerFailureLeavesBufferUnchanged(t *testing.T) {
	summarizer := compression.SummarizerFunc(func(context.Context, []core.Message, int) (string, error) {
		return "", errors.New("model unavailable")
	})

	cfg := contextConfig(8192)
	cfg.Compression.PreserveRecent = 500
	m, events := newTestManager(t, cfg, func(o *Options) { o.Summarizer = summarizer })
	addMessages(t, m, 20, 100)

	before := m.Context()
	if _, err := m.Compress(context.Background()); !errors.Is(err, compression.ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}

	after := m.Context()
	if len(after.Messages) != len(before.Messages) || after.TokenCount != before.TokenCount {
		t.Fatal("failed compression modified the buffer")
	}
	for i := range before.Messages {
		if before.Messages[i].ID != after.Messages[i].ID {
			t.Fatalf("message %d changed", i)
		}
	}
	if m.CompressionCount() != 0 || m.State() != StateActive {
		t.Errorf("count=%d state=%s after failure", m.CompressionCount(), m.State())
	}
	if events.count(event.AutoSummaryFailed) != 1 {
		t.Error("expected auto-summary-failed")
	}

	// The caller can retry once the summarizer recovers.
	if _, err := m.Compress(context.Background()); !errors.Is(err, compression.ErrSummarizationFailed) {
		t.Fatalf("retry should run again, got %v", err)
	}
}

func TestStoppedManagerRejectsMutation(t *testing.T) {
	recorder := &fakeRecorder{}
	m, _ := newTestManager(t, config.DefaultContext(), func(o *Options) { o.Recorder = recorder })
	addMessages(t, m, 2, 10)

	m.Stop()
	m.Stop()

	if m.State() != StateStopped {
		t.Fatalf("state = %s", m.State())
	}
	if _, err := m.AddMessage(core.Message{Role: core.RoleUser, Content: "hi"}); !errors.Is(err, ErrStopped) {
		t.Errorf("AddMessage: %v", err)
	}
	if err := m.SetSystemPrompt("x"); !errors.Is(err, ErrStopped) {
		t.Errorf("SetSystemPrompt: %v", err)
	}
	if _, err := m.Compress(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Compress: %v", err)
	}
	if err := m.Resize(4096); !errors.Is(err, ErrStopped) {
		t.Errorf("Resize: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start: %v", err)
	}
	if len(m.Messages()) != 2 {
		t.Error("stop must keep the committed buffer readable")
	}
	if !recorder.closed {
		t.Error("stop should close the recorder")
	}
}

func TestWarningsFireOncePerCrossing(t *testing.T) {
	m, events := newTestManager(t, contextConfig(1000), nil)

	addMessages(t, m, 7, 100) // 70%
	if events.count(event.MemoryWarning) != 1 {
		t.Fatalf("expected memory-warning at 70%%, got %d", events.count(event.MemoryWarning))
	}
	if events.count(event.ContextWarningLow) != 0 {
		t.Fatal("context-warning-low fired too early")
	}

	addMessages(t, m, 1, 50) // 75%
	if events.count(event.MemoryWarning) != 1 {
		t.Error("memory-warning must not repeat while above the threshold")
	}

	addMessages(t, m, 1, 50) // 80%
	if events.count(event.ContextWarningLow) != 1 {
		t.Fatalf("expected context-warning-low at 80%%, got %d", events.count(event.ContextWarningLow))
	}
	ev, _ := events.last(event.ContextWarningLow)
	if ev.Percentage < 79.9 || ev.Message == "" || ev.SessionID != "sess_test" {
		t.Errorf("unexpected payload: %+v", ev)
	}

	if m.Usage().Fraction() < 0.8 || m.CompressionCount() != 0 {
		t.Error("crossing the threshold must not compress automatically")
	}
}

func TestInflightTokensCountTowardUsage(t *testing.T) {
	m, _ := newTestManager(t, contextConfig(1000), nil)
	addMessages(t, m, 1, 100)

	m.ReportInflightTokens(150)
	if got := m.Context().TokenCount; got != 250 {
		t.Errorf("token count with inflight = %d, want 250", got)
	}
	if got := m.Usage().CurrentTokens; got != 250 {
		t.Errorf("usage with inflight = %d, want 250", got)
	}

	m.ClearInflightTokens()
	if got := m.Context().TokenCount; got != 100 {
		t.Errorf("token count after clear = %d, want 100", got)
	}
}

func TestCheckpointsAreBoundedAndRestorable(t *testing.T) {
	cfg := contextConfig(8192)
	cfg.Compression.PreserveRecent = 500
	m, _ := newTestManager(t, cfg, nil)

	addMessages(t, m, 20, 100)
	original := m.Messages()

	if _, err := m.Compress(context.Background()); err != nil {
		t.Fatal(err)
	}
	addMessages(t, m, 20, 100)
	if _, err := m.Compress(context.Background()); err != nil {
		t.Fatal(err)
	}

	checkpoints := m.Checkpoints()
	if len(checkpoints) != 1 {
		t.Fatalf("basic tier keeps one checkpoint, got %d", len(checkpoints))
	}

	if err := m.RestoreCheckpoint(checkpoints[0].ID); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(m.Checkpoints()) != 0 {
		t.Error("restored checkpoint should be consumed")
	}
	if err := m.RestoreCheckpoint(checkpoints[0].ID); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}

	restored := m.Messages()
	if len(restored) <= len(original)/2 {
		t.Errorf("restore should bring back the replaced span, have %d messages", len(restored))
	}
	if m.Context().TokenCount != core.SumTokens(restored) {
		t.Error("token count out of sync after restore")
	}
}

func TestNestedCheckpointRestoresThroughNewer(t *testing.T) {
	cfg := contextConfig(16384)
	cfg.Compression.PreserveRecent = 500
	m, _ := newTestManager(t, cfg, nil)

	addMessages(t, m, 20, 100)
	original := m.Messages()
	if _, err := m.Compress(context.Background()); err != nil {
		t.Fatal(err)
	}
	addMessages(t, m, 20, 100)
	if _, err := m.Compress(context.Background()); err != nil {
		t.Fatal(err)
	}

	checkpoints := m.Checkpoints()
	if len(checkpoints) != 2 {
		t.Fatalf("standard tier should hold both checkpoints, got %d", len(checkpoints))
	}
	for _, msg := range m.Messages() {
		if msg.ID == checkpoints[0].SummaryMessageID {
			t.Fatal("first summary should have been folded into the second compression")
		}
	}

	if err := m.RestoreCheckpoint(checkpoints[0].ID); err != nil {
		t.Fatalf("restoring the older checkpoint: %v", err)
	}
	if left := m.Checkpoints(); len(left) != 0 {
		t.Errorf("both checkpoints should be consumed, %d left", len(left))
	}

	restored := m.Messages()
	if len(restored) != 40 {
		t.Fatalf("expected all 40 messages back, got %d", len(restored))
	}
	for i, msg := range original {
		if restored[i].ID != msg.ID {
			t.Fatalf("message %d is %s after restore, want %s", i, restored[i].ID, msg.ID)
		}
	}
}

func TestSnapshotCreateAndRestore(t *testing.T) {
	m, events := newTestManager(t, config.DefaultContext(), nil)
	if err := m.SetSystemPrompt("system"); err != nil {
		t.Fatal(err)
	}
	addMessages(t, m, 4, 20)
	want := m.Messages()

	snap, err := m.CreateSnapshot()
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if events.count(event.SnapshotCreated) != 1 {
		t.Error("expected snapshot-created")
	}

	addMessages(t, m, 3, 20)
	if err := m.RestoreSnapshot(snap.ID); err != nil {
		t.Fatalf("restore snapshot: %v", err)
	}

	got := m.Messages()
	if len(got) != len(want) {
		t.Fatalf("restored %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Content != want[i].Content {
			t.Fatalf("message %d differs after restore", i)
		}
	}
	if events.count(event.SnapshotRestored) != 1 {
		t.Error("expected snapshot-restored")
	}

	if err := m.RestoreSnapshot("01J00000000000000000000000"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotsDisabled(t *testing.T) {
	cfg := config.DefaultContext()
	cfg.Snapshots.Enabled = false
	m, _ := newTestManager(t, cfg, nil)

	if _, err := m.CreateSnapshot(); !errors.Is(err, ErrSnapshotsDisabled) {
		t.Errorf("expected ErrSnapshotsDisabled, got %v", err)
	}
}

func TestAutoSnapshotAtThreshold(t *testing.T) {
	cfg := contextConfig(1000)
	cfg.Snapshots.AutoCreate = true
	cfg.Snapshots.AutoThreshold = 0.5
	m, events := newTestManager(t, cfg, nil)

	addMessages(t, m, 4, 100)
	if events.count(event.SnapshotCreated) != 0 {
		t.Fatal("snapshot created below the threshold")
	}

	addMessages(t, m, 3, 100)
	if events.count(event.SnapshotCreated) != 1 {
		t.Fatalf("expected one automatic snapshot, got %d", events.count(event.SnapshotCreated))
	}
}

func TestSystemPromptStaysSingleAndFirst(t *testing.T) {
	m, _ := newTestManager(t, config.DefaultContext(), nil)

	if m.State() != StateIdle {
		t.Fatalf("new manager should be idle, got %s", m.State())
	}
	if err := m.SetSystemPrompt("first"); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateActive {
		t.Errorf("system prompt should activate the manager, got %s", m.State())
	}

	addMessages(t, m, 2, 10)
	if err := m.SetSystemPrompt("second"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddMessage(core.Message{Role: core.RoleSystem, Content: "third"}); err != nil {
		t.Fatal(err)
	}

	messages := m.Messages()
	systems := 0
	for _, msg := range messages {
		if msg.Role == core.RoleSystem {
			systems++
		}
	}
	if systems != 1 || messages[0].Content != "third" || len(messages) != 3 {
		t.Fatalf("unexpected buffer: %+v", messages)
	}

	if err := m.SetSystemPrompt(""); err != nil {
		t.Fatal(err)
	}
	if m.Messages()[0].Role == core.RoleSystem {
		t.Error("empty prompt should remove the system message")
	}
}

func TestSaveTurn(t *testing.T) {
	recorder := &fakeRecorder{}
	m, events := newTestManager(t, config.DefaultContext(), func(o *Options) { o.Recorder = recorder })
	addMessages(t, m, 2, 10)

	if err := m.SaveTurn(3); err != nil {
		t.Fatal(err)
	}

	if len(recorder.appended) != 2 || recorder.syncs != 1 {
		t.Errorf("recorder saw %d appends, %d syncs", len(recorder.appended), recorder.syncs)
	}
	ev, ok := events.last(event.SessionSaved)
	if !ok || ev.TurnNumber != 3 {
		t.Errorf("expected session-saved for turn 3, got %+v", ev)
	}
}

type fakeMonitor struct {
	mu        sync.Mutex
	available int64
	low       []func(resource.VRAMInfo)
	change    []func(prev, cur resource.VRAMInfo)
	starts    int
	stops     int
}

func (f *fakeMonitor) AvailableForContext(context.Context) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeMonitor) OnLowMemory(fn func(resource.VRAMInfo)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.low = append(f.low, fn)
	return func() {}
}

func (f *fakeMonitor) OnChange(fn func(prev, cur resource.VRAMInfo)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.change = append(f.change, fn)
	return func() {}
}

func (f *fakeMonitor) Start(time.Duration) { f.starts++ }
func (f *fakeMonitor) Stop()               { f.stops++ }

func (f *fakeMonitor) setAvailable(bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = bytes
}

func (f *fakeMonitor) fireLow() {
	f.mu.Lock()
	listeners := slices.Clone(f.low)
	available := f.available
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(resource.VRAMInfo{Total: 1 << 30, Available: available})
	}
}

func TestAutoSizeFollowsMemory(t *testing.T) {
	monitor := &fakeMonitor{available: 16384 * 1024}

	cfg := config.DefaultContext()
	cfg.AutoSize = true
	cfg.BytesPerToken = 1024
	m, events := newTestManager(t, cfg, func(o *Options) {
		o.Monitor = monitor
		o.MonitorInterval = time.Second
	})
	addMessages(t, m, 3, 100)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.MaxTokens(); got != 16384 {
		t.Fatalf("auto-sized ceiling = %d, want 16384", got)
	}
	if monitor.starts != 1 {
		t.Error("manager with an interval should start its monitor")
	}

	monitor.setAvailable(1024 * 1024)
	monitor.fireLow()

	if got := m.MaxTokens(); got != cfg.MinSize {
		t.Errorf("ceiling after low memory = %d, want min size %d", got, cfg.MinSize)
	}
	if events.count(event.LowMemory) != 1 {
		t.Error("expected low-memory event")
	}
	if len(m.Messages()) != 3 || m.CompressionCount() != 0 {
		t.Error("auto-size must not drop or compress messages")
	}

	m.Stop()
	if monitor.stops != 1 {
		t.Error("stop should stop an owned monitor")
	}
	monitor.setAvailable(64 * 1024 * 1024)
	monitor.fireLow()
	if events.count(event.LowMemory) != 1 {
		t.Error("a stopped manager must ignore memory signals")
	}
}

func TestHistorySeedsBuffer(t *testing.T) {
	history := []core.Message{
		{ID: "a", Role: core.RoleUser, Content: "hello"},
		{ID: "s", Role: core.RoleSystem, Content: "system"},
		{ID: "b", Role: core.RoleAssistant, Content: "hi there"},
	}
	m, _ := newTestManager(t, config.DefaultContext(), func(o *Options) { o.History = history })

	messages := m.Messages()
	if len(messages) != 3 || messages[0].ID != "s" || messages[1].ID != "a" {
		t.Fatalf("unexpected seeded buffer: %+v", messages)
	}
	if m.State() != StateActive {
		t.Errorf("seeded manager should be active, got %s", m.State())
	}
	if m.Usage().CurrentTokens != core.SumTokens(messages) {
		t.Error("usage does not match seeded messages")
	}
}
