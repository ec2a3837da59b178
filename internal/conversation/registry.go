package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tecet/ollm/internal/core"
)

// RecorderFactory opens the durable log for a session and returns the
// messages already in it that fit within budget tokens.
type RecorderFactory func(sessionID core.SessionID, budget int) (Recorder, []core.Message, error)

// Service hands out one Manager per session.
type Service interface {
	Open(ctx context.Context, sessionID core.SessionID) (*Manager, error)
	Get(sessionID core.SessionID) (*Manager, bool)
	Close(sessionID core.SessionID) error
}

// Registry is the Service used by the daemon. Every manager shares the
// template's monitor, snapshot store, summarizer and emitter.
type Registry struct {
	template  Options
	recorders RecorderFactory

	mu       sync.Mutex
	managers map[core.SessionID]*Manager
}

func NewRegistry(template Options, recorders RecorderFactory) *Registry {
	// A shared monitor is started and stopped by its owner, not per session.
	template.MonitorInterval = 0
	template.History = nil
	template.Recorder = nil

	return &Registry{
		template:  template,
		recorders: recorders,
		managers:  make(map[core.SessionID]*Manager),
	}
}

// Open returns the session's manager, creating and starting it on first
// use. An empty ID creates a new session.
func (r *Registry) Open(ctx context.Context, sessionID core.SessionID) (*Manager, error) {
	if sessionID == "" {
		sessionID = core.NewSessionID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[sessionID]; ok {
		return m, nil
	}

	opts := r.template
	opts.SessionID = sessionID

	if r.recorders != nil {
		recorder, history, err := r.recorders(sessionID, opts.Config.InitialSize())
		if err != nil {
			return nil, fmt.Errorf("open session %s: %w", sessionID, err)
		}
		opts.Recorder = recorder
		opts.History = history
	}

	m := New(opts)
	if err := m.Start(ctx); err != nil {
		m.Stop()
		return nil, fmt.Errorf("start session %s: %w", sessionID, err)
	}

	r.managers[sessionID] = m
	return m, nil
}

func (r *Registry) Get(sessionID core.SessionID) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[sessionID]
	return m, ok
}

// Sessions lists the open sessions in ID order.
func (r *Registry) Sessions() []core.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]core.SessionID, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops the session's manager and forgets it.
func (r *Registry) Close(sessionID core.SessionID) error {
	r.mu.Lock()
	m, ok := r.managers[sessionID]
	delete(r.managers, sessionID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session not open: %s", sessionID)
	}
	m.Stop()
	return nil
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[core.SessionID]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Stop()
	}
}
