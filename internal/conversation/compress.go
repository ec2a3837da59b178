package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tier"
)

// Compress runs the strategy selected by the current tier, or the configured
// override. Only one compression runs at a time; an overlapping call returns
// ErrCompressionInProgress. If the strategy fails the buffer is unchanged.
func (m *Manager) Compress(ctx context.Context) (core.CompressionEvent, error) {
	if !m.cfg.Compression.Enabled {
		return core.CompressionEvent{}, ErrCompressionDisabled
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return core.CompressionEvent{}, ErrStopped
	}
	if m.compressing {
		m.mu.Unlock()
		return core.CompressionEvent{}, ErrCompressionInProgress
	}

	m.compressing = true
	previous := m.state
	m.state = StateCompressing

	_, rest := core.SplitSystem(m.messages)
	baseCount := len(rest)
	descriptor := tier.ForTokens(m.maxTokens)
	request := compression.Request{
		SessionID: m.id,
		Conversation: core.ConversationContext{
			Messages:   core.CloneMessages(m.messages),
			TokenCount: core.SumTokens(m.messages),
			MaxTokens:  m.maxTokens,
		},
		Tier:             descriptor,
		Strategy:         m.strategy,
		PreserveRecent:   m.cfg.Compression.PreserveRecent,
		SummaryMaxTokens: m.cfg.Compression.SummaryMaxTokens,
	}
	m.mu.Unlock()

	completion := &completionBuffer{next: m.emitter}
	request.Emitter = completion

	m.logger.Debug("compressing context", "tier", descriptor.Name, "strategy", compression.ResolveStrategy(m.strategy, descriptor))
	result, err := m.engine.Compress(ctx, request)

	m.mu.Lock()
	m.compressing = false
	if m.state == StateStopped {
		m.mu.Unlock()
		return core.CompressionEvent{}, ErrStopped
	}
	if previous == StateIdle && len(m.messages) == 0 {
		m.state = StateIdle
	} else {
		m.state = StateActive
	}
	if err != nil {
		m.mu.Unlock()
		return core.CompressionEvent{}, err
	}
	m.commitLocked(result, baseCount, descriptor)
	m.mu.Unlock()

	completion.flush()
	return result.Event, nil
}

// commitLocked installs a compression result. Messages appended after the
// request was taken (current[baseCount:]) follow the compressed buffer, and
// the live system prompt wins over the one the engine saw.
func (m *Manager) commitLocked(result compression.Result, baseCount int, descriptor tier.Descriptor) {
	system, current := core.SplitSystem(m.messages)
	_, compressed := core.SplitSystem(result.Messages)

	messages := make([]core.Message, 0, 1+len(compressed)+len(current)-baseCount)
	if system != nil {
		messages = append(messages, *system)
	}
	messages = append(messages, compressed...)
	messages = append(messages, current[baseCount:]...)
	m.messages = messages

	m.history = append(m.history, result.Event)
	m.compressions++
	m.autoSnapshotted = false

	switch {
	case result.Event.Strategy == core.StrategyRollover || descriptor.MaxCheckpoints == 0:
		m.checkpoints = nil
	case result.Checkpoint != nil:
		m.checkpoints = append(m.checkpoints, *result.Checkpoint)
		if excess := len(m.checkpoints) - descriptor.MaxCheckpoints; excess > 0 {
			m.checkpoints = append([]compression.Checkpoint(nil), m.checkpoints[excess:]...)
		}
		m.pruneCheckpointsLocked()
	}

	if result.Snapshot != nil {
		m.snapshotIDs = append(m.snapshotIDs, result.Snapshot.ID)
	}

	m.pool.SetCommitted(core.SumTokens(m.messages))
}

// completionBuffer forwards progress events as they happen and holds the
// completion events until the result is committed, so a subscriber reacting
// to them already sees the compressed buffer.
type completionBuffer struct {
	next event.Emitter

	mu   sync.Mutex
	held []event.Event
}

func (b *completionBuffer) Emit(ev event.Event) {
	if ev.Type == event.Compressed || ev.Type == event.RolloverComplete {
		b.mu.Lock()
		b.held = append(b.held, ev)
		b.mu.Unlock()
		return
	}
	b.next.Emit(ev)
}

func (b *completionBuffer) flush() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.mu.Unlock()

	for _, ev := range held {
		b.next.Emit(ev)
	}
}

// Checkpoints lists the rollback points, oldest first. Rollover-tier
// sessions never have any.
func (m *Manager) Checkpoints() []compression.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]compression.Checkpoint, len(m.checkpoints))
	for i, cp := range m.checkpoints {
		cp.Messages = core.CloneMessages(cp.Messages)
		out[i] = cp
	}
	return out
}

// RestoreCheckpoint swaps a checkpoint's summary back for the messages it
// replaced. When a later compression folded that summary into a newer
// checkpoint, the newer one is restored first.
func (m *Manager) RestoreCheckpoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mutableLocked(); err != nil {
		return err
	}

	messages, checkpoints, err := m.restoreChain(m.messages, m.checkpoints, id)
	if err != nil {
		return err
	}

	m.messages = messages
	m.checkpoints = checkpoints
	m.pool.SetCommitted(core.SumTokens(m.messages))
	m.logger.Info("checkpoint restored", "checkpoint_id", id, "checkpoints_left", len(checkpoints))
	return nil
}

// restoreChain restores checkpoint id on copies of messages and checkpoints.
func (m *Manager) restoreChain(messages []core.Message, checkpoints []compression.Checkpoint, id string) ([]core.Message, []compression.Checkpoint, error) {
	i := slices.IndexFunc(checkpoints, func(cp compression.Checkpoint) bool { return cp.ID == id })
	if i < 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	cp := checkpoints[i]

	restored, err := m.engine.Restore(messages, cp)
	if errors.Is(err, compression.ErrCheckpointUnavailable) {
		holder := slices.IndexFunc(checkpoints, func(other compression.Checkpoint) bool {
			return other.ID != cp.ID && slices.ContainsFunc(other.Messages, func(msg core.Message) bool {
				return msg.ID == cp.SummaryMessageID
			})
		})
		if holder < 0 {
			return nil, nil, err
		}
		messages, checkpoints, err = m.restoreChain(messages, checkpoints, checkpoints[holder].ID)
		if err != nil {
			return nil, nil, err
		}
		return m.restoreChain(messages, checkpoints, id)
	}
	if err != nil {
		return nil, nil, err
	}

	remaining := slices.Delete(slices.Clone(checkpoints), i, i+1)
	return restored, remaining, nil
}

// pruneCheckpointsLocked drops checkpoints whose summary message is gone
// from the buffer and from every other checkpoint, since nothing can bring
// them back.
func (m *Manager) pruneCheckpointsLocked() {
	present := make(map[string]bool, len(m.messages))
	for _, msg := range m.messages {
		present[msg.ID] = true
	}
	for _, cp := range m.checkpoints {
		for _, msg := range cp.Messages {
			present[msg.ID] = true
		}
	}
	m.checkpoints = slices.DeleteFunc(m.checkpoints, func(cp compression.Checkpoint) bool {
		return !present[cp.SummaryMessageID]
	})
}

// CreateSnapshot persists the current buffer.
func (m *Manager) CreateSnapshot() (snapshot.Snapshot, error) {
	if m.snapshots == nil {
		return snapshot.Snapshot{}, ErrSnapshotsDisabled
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return snapshot.Snapshot{}, ErrStopped
	}
	conversation := core.ConversationContext{
		Messages:   core.CloneMessages(m.messages),
		TokenCount: core.SumTokens(m.messages),
		MaxTokens:  m.maxTokens,
	}
	m.mu.Unlock()

	snap, err := m.snapshots.Save(m.id, conversation)
	if err != nil {
		m.logger.Warn("snapshot failed", "error", err)
		m.emit(event.Event{Type: event.SnapshotError, Error: err.Error()})
		return snapshot.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}

	m.mu.Lock()
	m.snapshotIDs = append(m.snapshotIDs, snap.ID)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.SnapshotCreated, Snapshot: snapshotRef(snap)})
	return snap, nil
}

// RestoreSnapshot replaces the buffer with a snapshot of this session.
// Compression history is kept; checkpoints no longer apply and are dropped.
func (m *Manager) RestoreSnapshot(id string) error {
	if m.snapshots == nil {
		return ErrSnapshotsDisabled
	}

	snap, err := m.snapshots.Load(id)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if snap.SessionID != m.id {
		return fmt.Errorf("%w: %s", ErrSessionMismatch, snap.SessionID)
	}

	m.mu.Lock()
	if err := m.mutableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.messages = normalizeHistory(m.prepare, snap.Messages)
	m.checkpoints = nil
	if len(m.messages) > 0 && m.state == StateIdle {
		m.state = StateActive
	}
	m.pool.SetCommitted(core.SumTokens(m.messages))
	m.mu.Unlock()

	m.emit(event.Event{Type: event.SnapshotRestored, Snapshot: snapshotRef(snap)})
	return nil
}

// SnapshotIDs lists snapshots this manager has created, oldest first.
func (m *Manager) SnapshotIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.snapshotIDs...)
}

func (m *Manager) mutableLocked() error {
	switch {
	case m.state == StateStopped:
		return ErrStopped
	case m.compressing:
		return ErrCompressionInProgress
	}
	return nil
}

func snapshotRef(snap snapshot.Snapshot) *event.SnapshotRef {
	return &event.SnapshotRef{
		ID:         snap.ID,
		SessionID:  string(snap.SessionID),
		TokenCount: snap.TokenCount,
		Timestamp:  snap.Timestamp,
	}
}
