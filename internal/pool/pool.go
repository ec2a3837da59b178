// Package pool tracks token usage of one context window, including
// provisional tokens from generation that has not been committed yet.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/tecet/ollm/internal/clock"
)

const DefaultDebounce = 500 * time.Millisecond

var ErrInvalidSize = errors.New("context size must be positive")

type Usage struct {
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	Percentage    float64 `json:"percentage"`
}

func (u Usage) Fraction() float64 {
	if u.MaxTokens <= 0 {
		return 0
	}
	return float64(u.CurrentTokens) / float64(u.MaxTokens)
}

type Options struct {
	MaxTokens int
	Debounce  time.Duration
	Clock     clock.Clock
	// OnChange receives usage after resizes, commits and flushed inflight
	// batches. It is called without the pool's lock held.
	OnChange func(Usage)
}

// Pool combines committed message tokens with inflight tokens. Inflight
// reports are batched: Usage always includes them, but OnChange only hears
// about them once per debounce window.
type Pool struct {
	clock    clock.Clock
	debounce time.Duration
	onChange func(Usage)

	mu        sync.Mutex
	maxTokens int
	committed int
	inflight  int
	pending   int
	timer     *clock.Timer
	stopped   bool
}

func New(opts Options) *Pool {
	p := &Pool{
		clock:     clock.OrReal(opts.Clock),
		debounce:  opts.Debounce,
		onChange:  opts.OnChange,
		maxTokens: opts.MaxTokens,
	}
	if p.debounce <= 0 {
		p.debounce = DefaultDebounce
	}
	return p
}

// Resize changes the ceiling. Messages are never discarded here.
func (p *Pool) Resize(maxTokens int) error {
	if maxTokens <= 0 {
		return ErrInvalidSize
	}

	p.mu.Lock()
	p.maxTokens = maxTokens
	usage := p.usageLocked()
	p.mu.Unlock()

	p.notify(usage)
	return nil
}

// SetCommitted records the token total of the committed message list.
func (p *Pool) SetCommitted(tokens int) {
	if tokens < 0 {
		tokens = 0
	}

	p.mu.Lock()
	p.committed = tokens
	usage := p.usageLocked()
	p.mu.Unlock()

	p.notify(usage)
}

// ReportInflightTokens adds provisional usage and schedules a batched notification.
func (p *Pool) ReportInflightTokens(tokens int) {
	if tokens <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.pending += tokens
	if p.timer == nil {
		p.timer = p.clock.AfterFunc(p.debounce, p.flushFromTimer)
	}
}

func (p *Pool) flushFromTimer() {
	p.mu.Lock()
	p.timer = nil
	if p.pending == 0 {
		p.mu.Unlock()
		return
	}
	p.inflight += p.pending
	p.pending = 0
	usage := p.usageLocked()
	p.mu.Unlock()

	p.notify(usage)
}

// FlushInflight publishes any batched inflight tokens immediately.
func (p *Pool) FlushInflight() {
	p.mu.Lock()
	p.stopTimerLocked()
	if p.pending == 0 {
		p.mu.Unlock()
		return
	}
	p.inflight += p.pending
	p.pending = 0
	usage := p.usageLocked()
	p.mu.Unlock()

	p.notify(usage)
}

// ClearInflightTokens drops all provisional usage, typically once the
// generated message has been committed.
func (p *Pool) ClearInflightTokens() {
	p.mu.Lock()
	p.stopTimerLocked()
	changed := p.inflight != 0 || p.pending != 0
	p.inflight = 0
	p.pending = 0
	usage := p.usageLocked()
	p.mu.Unlock()

	if changed {
		p.notify(usage)
	}
}

func (p *Pool) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight + p.pending
}

func (p *Pool) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usageLocked()
}

// Stop flushes outstanding inflight tokens and cancels the batching timer.
// Later inflight reports are ignored.
func (p *Pool) Stop() {
	p.FlushInflight()

	p.mu.Lock()
	p.stopped = true
	p.stopTimerLocked()
	p.mu.Unlock()
}

func (p *Pool) usageLocked() Usage {
	current := p.committed + p.inflight + p.pending
	usage := Usage{CurrentTokens: current, MaxTokens: p.maxTokens}
	if p.maxTokens > 0 {
		usage.Percentage = float64(current) / float64(p.maxTokens) * 100
	}
	return usage
}

func (p *Pool) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pool) notify(usage Usage) {
	if p.onChange != nil {
		p.onChange(usage)
	}
}
