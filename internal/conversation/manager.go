// Package conversation owns a session's message buffer and keeps it inside
// its token budget: it tracks usage, warns as limits approach, runs
// compression when asked, resizes on memory pressure and persists snapshots.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tecet/ollm/internal/clock"
	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/pool"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tier"
)

var (
	ErrStopped               = errors.New("conversation manager is stopped")
	ErrCompressionInProgress = errors.New("compression already in progress")
	ErrCompressionDisabled   = errors.New("compression is disabled")
	ErrSnapshotsDisabled     = errors.New("snapshots are disabled")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrSessionMismatch       = errors.New("snapshot belongs to another session")
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateCompressing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompressing:
		return "compressing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MemoryMonitor is the part of resource.Monitor the manager depends on.
type MemoryMonitor interface {
	AvailableForContext(ctx context.Context) int64
	OnLowMemory(fn func(resource.VRAMInfo)) (remove func())
	OnChange(fn func(prev, cur resource.VRAMInfo)) (remove func())
	Start(interval time.Duration)
	Stop()
}

// SnapshotStore persists and reloads full buffers.
type SnapshotStore interface {
	Save(sessionID core.SessionID, conversation core.ConversationContext) (snapshot.Snapshot, error)
	Load(id string) (snapshot.Snapshot, error)
}

// Recorder durably logs committed messages for a session.
type Recorder interface {
	Append(msg core.Message) error
	Sync() error
	Close() error
}

type Options struct {
	SessionID  core.SessionID
	Config     config.ContextConfig
	Estimator  core.TokenEstimator
	Summarizer compression.Summarizer
	Snapshots  SnapshotStore
	Monitor    MemoryMonitor
	// MonitorInterval > 0 makes the manager start and stop the monitor
	// itself. Leave it zero when the monitor is shared between sessions.
	MonitorInterval time.Duration
	Recorder        Recorder
	// History seeds the buffer, e.g. with messages reloaded from disk.
	History []core.Message
	// Emitter is called synchronously and must not call back into the
	// manager; event.Bus queues instead of blocking.
	Emitter event.Emitter
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Manager is safe for concurrent use. Compression runs without holding the
// buffer lock; messages appended meanwhile are kept when the result commits.
type Manager struct {
	id        core.SessionID
	cfg       config.ContextConfig
	strategy  core.Strategy
	estimator core.TokenEstimator
	engine    *compression.Engine
	snapshots SnapshotStore
	monitor   MemoryMonitor
	interval  time.Duration
	recorder  Recorder
	emitter   event.Emitter
	clock     clock.Clock
	logger    *slog.Logger
	pool      *pool.Pool
	startOnce sync.Once
	// unsubscribe removes the memory listeners registered by Start.
	unsubscribe []func()

	mu              sync.Mutex
	state           State
	messages        []core.Message
	maxTokens       int
	history         []core.CompressionEvent
	checkpoints     []compression.Checkpoint
	compressing     bool
	compressions    uint64
	snapshotIDs     []string
	autoSnapshotted bool

	warnMu     sync.Mutex
	warnedSoft bool
	warnedLow  bool
}

// New builds an idle manager. An invalid Config is replaced by defaults
// with a warning.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid context config, using defaults", "error", err)
		cfg = config.DefaultContext()
	}

	strategy, err := core.ParseStrategy(cfg.Compression.Strategy)
	if err != nil {
		logger.Warn("unknown compression strategy, using tier default", "strategy", cfg.Compression.Strategy)
		strategy = core.StrategyAuto
	}

	m := &Manager{
		id:        opts.SessionID,
		cfg:       cfg,
		strategy:  strategy,
		estimator: opts.Estimator,
		snapshots: opts.Snapshots,
		monitor:   opts.Monitor,
		interval:  opts.MonitorInterval,
		recorder:  opts.Recorder,
		emitter:   opts.Emitter,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger.With("session_id", opts.SessionID),
		maxTokens: cfg.InitialSize(),
	}
	if m.id == "" {
		m.id = core.NewSessionID()
	}
	if m.estimator == nil {
		m.estimator = core.CharEstimator{}
	}
	if m.emitter == nil {
		m.emitter = event.Discard
	}
	if !cfg.Snapshots.Enabled {
		m.snapshots = nil
	}

	var saver compression.SnapshotSaver
	if m.snapshots != nil {
		saver = m.snapshots
	}
	m.engine = compression.NewEngine(compression.Options{
		Snapshots:  saver,
		Summarizer: opts.Summarizer,
		Estimator:  m.estimator,
		Emitter:    m.emitter,
		Clock:      m.clock,
		Logger:     m.logger,
	})

	m.pool = pool.New(pool.Options{
		MaxTokens: m.maxTokens,
		Clock:     m.clock,
		OnChange:  m.onUsage,
	})

	if len(opts.History) > 0 {
		m.messages = normalizeHistory(m.prepare, opts.History)
		m.state = StateActive
		m.pool.SetCommitted(core.SumTokens(m.messages))
	}

	return m
}

func (m *Manager) SessionID() core.SessionID { return m.id }

// Start applies automatic sizing and subscribes to memory signals. It can
// be called more than once; only the first call subscribes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	stopped := m.state == StateStopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if m.monitor == nil {
		return nil
	}

	m.startOnce.Do(func() {
		remove := []func(){
			m.monitor.OnLowMemory(m.onLowMemory),
			m.monitor.OnChange(m.onMemoryChange),
		}

		m.mu.Lock()
		stopped = m.state == StateStopped
		if !stopped {
			m.unsubscribe = remove
		}
		m.mu.Unlock()

		if stopped {
			for _, fn := range remove {
				fn()
			}
			return
		}
		if m.interval > 0 {
			m.monitor.Start(m.interval)
		}
	})
	if stopped {
		return ErrStopped
	}

	if m.cfg.AutoSize {
		m.autoSize(ctx)
	}
	return nil
}

// Stop is terminal. Pending inflight tokens are flushed and timers cancelled;
// committed compressions are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	recorder := m.recorder
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	m.pool.Stop()
	if m.monitor != nil && m.interval > 0 {
		m.monitor.Stop()
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			m.logger.Warn("failed to close session recorder", "error", err)
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetSystemPrompt replaces the single leading system message. An empty text
// removes it.
func (m *Manager) SetSystemPrompt(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return ErrStopped
	}

	m.setSystemLocked(text)
	m.pool.SetCommitted(core.SumTokens(m.messages))
	return nil
}

func (m *Manager) setSystemLocked(text string) {
	_, rest := core.SplitSystem(m.messages)

	if text == "" {
		m.messages = append([]core.Message(nil), rest...)
	} else {
		system := m.prepare(core.Message{Role: core.RoleSystem, Content: text})
		m.messages = append([]core.Message{system}, rest...)
	}

	if m.state == StateIdle {
		m.state = StateActive
	}
}

// AddMessage appends msg and returns it with ID, timestamp and token count
// filled in. A system message replaces the system prompt instead. Crossing
// the compression threshold only emits events; compression stays the
// caller's decision.
func (m *Manager) AddMessage(msg core.Message) (core.Message, error) {
	m.mu.Lock()

	if m.state == StateStopped {
		m.mu.Unlock()
		return core.Message{}, ErrStopped
	}

	if msg.Role == core.RoleSystem {
		m.setSystemLocked(msg.Content)
		m.pool.SetCommitted(core.SumTokens(m.messages))
		system, _ := core.SplitSystem(m.messages)
		m.mu.Unlock()
		if system == nil {
			return core.Message{}, nil
		}
		return *system, nil
	}

	msg = m.prepare(msg)
	m.messages = append(m.messages, msg)
	if m.state == StateIdle {
		m.state = StateActive
	}

	if m.recorder != nil {
		if err := m.recorder.Append(msg); err != nil {
			m.logger.Warn("failed to record message", "message_id", msg.ID, "error", err)
		}
	}

	m.pool.SetCommitted(core.SumTokens(m.messages))
	m.mu.Unlock()

	m.maybeAutoSnapshot()
	return msg, nil
}

// Context returns the committed state. TokenCount includes inflight tokens.
func (m *Manager) Context() core.ConversationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := core.CloneMessages(m.messages)
	if messages == nil {
		messages = []core.Message{}
	}

	conversation := core.ConversationContext{
		Messages:   messages,
		TokenCount: core.SumTokens(m.messages) + m.pool.Inflight(),
		MaxTokens:  m.maxTokens,
	}
	conversation.Metadata.CompressionHistory = append([]core.CompressionEvent{}, m.history...)
	return conversation
}

func (m *Manager) Messages() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return core.CloneMessages(m.messages)
}

// CompressionHistory is the append-only audit trail of compressions.
func (m *Manager) CompressionHistory() []core.CompressionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.CompressionEvent(nil), m.history...)
}

// CompressionCount increases by one per committed compression. Callers
// compare it across a generation to learn whether history was rewritten.
func (m *Manager) CompressionCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressions
}

func (m *Manager) Usage() pool.Usage {
	return m.pool.Usage()
}

// Tier is derived from the current ceiling on every call.
func (m *Manager) Tier() tier.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tier.ForTokens(m.maxTokens)
}

func (m *Manager) MaxTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTokens
}

// NeedsCompression reports whether usage has reached the compression threshold.
func (m *Manager) NeedsCompression() bool {
	if !m.cfg.Compression.Enabled {
		return false
	}
	return m.pool.Usage().Fraction() >= m.cfg.Compression.Threshold
}

// Resize changes the ceiling without compressing. Sizes below the configured
// minimum are raised to it.
func (m *Manager) Resize(maxTokens int) error {
	if maxTokens <= 0 {
		return pool.ErrInvalidSize
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if maxTokens < m.cfg.MinSize {
		maxTokens = m.cfg.MinSize
	}
	changed := maxTokens != m.maxTokens
	m.maxTokens = maxTokens
	m.cfg.TargetSize = maxTokens
	m.mu.Unlock()

	if err := m.pool.Resize(maxTokens); err != nil {
		return err
	}

	if changed {
		descriptor := tier.ForTokens(maxTokens)
		m.logger.Info("context resized", "max_tokens", maxTokens, "tier", descriptor.Name)
		m.emit(event.Event{Type: event.ContextResized, MaxTokens: maxTokens, Tier: descriptor.Name})
	}
	return nil
}

func (m *Manager) ReportInflightTokens(tokens int) {
	m.pool.ReportInflightTokens(tokens)
}

func (m *Manager) ClearInflightTokens() {
	m.pool.ClearInflightTokens()
}

func (m *Manager) FlushInflight() {
	m.pool.FlushInflight()
}

// SaveTurn makes everything recorded so far durable and announces it.
func (m *Manager) SaveTurn(turn int) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrStopped
	}
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		if err := recorder.Sync(); err != nil {
			return fmt.Errorf("save session turn %d: %w", turn, err)
		}
	}

	m.emit(event.Event{Type: event.SessionSaved, TurnNumber: turn})
	return nil
}

// prepare fills in the fields the manager owns. Token counts always come
// from the estimator so the buffer total stays consistent.
func (m *Manager) prepare(msg core.Message) core.Message {
	if msg.ID == "" {
		msg.ID = core.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	if msg.ToolCalls != nil {
		msg.ToolCalls = append([]core.ToolCall(nil), msg.ToolCalls...)
	}
	msg.Tokens = core.MessageTokens(m.estimator, msg)
	return msg
}

func (m *Manager) emit(ev event.Event) {
	ev.SessionID = string(m.id)
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	m.emitter.Emit(ev)
}

// normalizeHistory keeps at most one system message, the last one seen, at
// the front.
func normalizeHistory(prepare func(core.Message) core.Message, history []core.Message) []core.Message {
	var system *core.Message
	out := make([]core.Message, 0, len(history))
	for _, msg := range history {
		msg = prepare(msg)
		if msg.Role == core.RoleSystem {
			system = &msg
			continue
		}
		out = append(out, msg)
	}
	if system != nil {
		out = append([]core.Message{*system}, out...)
	}
	return out
}
