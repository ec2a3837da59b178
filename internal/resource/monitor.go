package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/tecet/ollm/internal/clock"
)

const (
	DefaultCacheTTL           = time.Second
	DefaultLowMemoryThreshold = 0.1
	DefaultCooldown           = 30 * time.Second
	DefaultChangeThreshold    = 0.05
)

type Options struct {
	// GPU probers are tried in order; the first that succeeds wins.
	GPU  []Prober
	Host Prober

	Clock  clock.Clock
	Logger *slog.Logger

	CacheTTL           time.Duration
	Reserved           int64
	LowMemoryThreshold float64
	Cooldown           time.Duration
	// ChangeThreshold is the fraction of total memory available memory must
	// move between polls before change listeners fire.
	ChangeThreshold float64
}

// DetectProbers returns the probers for the local machine: nvidia-smi, then
// amdgpu sysfs, with host RAM as the fallback.
func DetectProbers() ([]Prober, Prober) {
	return []Prober{&NvidiaSMI{}, &AMDGPU{}}, &HostMemory{}
}

// Monitor samples memory with a short-lived cache and notifies listeners
// about low memory (rate limited by a cooldown) and significant changes.
type Monitor struct {
	clock  clock.Clock
	logger *slog.Logger
	gpu    []Prober
	host   Prober

	mu              sync.Mutex
	cacheTTL        time.Duration
	reserved        int64
	threshold       float64
	cooldown        time.Duration
	changeThreshold float64
	disabled        []bool
	succeeded       []bool
	cached          VRAMInfo
	cachedAt        time.Time
	haveCache       bool
	lastKnown       VRAMInfo
	modelLoaded     bool
	nextListener    uint64
	lowListeners    []listener[func(VRAMInfo)]
	changeListeners []listener[func(prev, cur VRAMInfo)]
	lastFired       time.Time
	hasFired        bool
	lastPolled      VRAMInfo
	havePolled      bool
	ticker          *clock.Ticker
	stop            chan struct{}
	done            chan struct{}
}

type listener[F any] struct {
	id uint64
	fn F
}

func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		clock:           clock.OrReal(opts.Clock),
		logger:          opts.Logger,
		gpu:             opts.GPU,
		host:            opts.Host,
		cacheTTL:        opts.CacheTTL,
		reserved:        opts.Reserved,
		threshold:       opts.LowMemoryThreshold,
		cooldown:        opts.Cooldown,
		changeThreshold: opts.ChangeThreshold,
		disabled:        make([]bool, len(opts.GPU)),
		succeeded:       make([]bool, len(opts.GPU)),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.host == nil {
		m.host = &HostMemory{}
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = DefaultCacheTTL
	}
	if m.threshold <= 0 {
		m.threshold = DefaultLowMemoryThreshold
	}
	if m.cooldown <= 0 {
		m.cooldown = DefaultCooldown
	}
	if m.changeThreshold <= 0 {
		m.changeThreshold = DefaultChangeThreshold
	}
	return m
}

// Info returns the current memory sample, served from cache when fresh.
func (m *Monitor) Info(ctx context.Context) VRAMInfo {
	m.mu.Lock()
	if m.haveCache && m.clock.Now().Sub(m.cachedAt) < m.cacheTTL {
		info := m.cached
		info.ModelLoaded = m.modelLoaded
		m.mu.Unlock()
		return info
	}
	m.mu.Unlock()

	info := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cached = info
	m.cachedAt = m.clock.Now()
	m.haveCache = true
	info.ModelLoaded = m.modelLoaded
	return info
}

// AvailableForContext is available memory minus the reserved buffer.
func (m *Monitor) AvailableForContext(ctx context.Context) int64 {
	info := m.Info(ctx)

	m.mu.Lock()
	reserved := m.reserved
	m.mu.Unlock()

	if available := info.Available - reserved; available > 0 {
		return available
	}
	return 0
}

// OnLowMemory registers fn and returns a func that removes it again.
func (m *Monitor) OnLowMemory(fn func(VRAMInfo)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.lowListeners = append(m.lowListeners, listener[func(VRAMInfo)]{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lowListeners = removeListener(m.lowListeners, id)
	}
}

// OnChange registers fn and returns a func that removes it again.
func (m *Monitor) OnChange(fn func(prev, cur VRAMInfo)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.changeListeners = append(m.changeListeners, listener[func(prev, cur VRAMInfo)]{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.changeListeners = removeListener(m.changeListeners, id)
	}
}

// Listeners reports how many low-memory and change listeners are registered.
func (m *Monitor) Listeners() (low, change int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lowListeners), len(m.changeListeners)
}

func removeListener[F any](listeners []listener[F], id uint64) []listener[F] {
	return slices.DeleteFunc(listeners, func(l listener[F]) bool { return l.id == id })
}

func (m *Monitor) SetLowMemoryThreshold(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// ResetCooldown lets the next low-memory poll fire immediately.
func (m *Monitor) ResetCooldown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasFired = false
}

func (m *Monitor) SetModelLoaded(loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelLoaded = loaded
}

// Start polls every interval until Stop. Calling Start while running is a no-op.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.mu.Lock()
	if m.ticker != nil {
		m.mu.Unlock()
		return
	}
	ticker := m.clock.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	m.ticker, m.stop, m.done = ticker, stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				m.poll(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts polling and waits for an in-progress poll to return. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ticker, stop, done := m.ticker, m.stop, m.done
	m.ticker, m.stop, m.done = nil, nil, nil
	m.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticker != nil
}

// poll runs one monitoring cycle.
func (m *Monitor) poll(ctx context.Context) {
	info := m.Info(ctx)
	now := m.clock.Now()

	m.mu.Lock()
	var changed bool
	prev := m.lastPolled
	if m.havePolled && info.Total > 0 {
		delta := math.Abs(float64(info.Available - prev.Available))
		changed = delta > float64(info.Total)*m.changeThreshold
	}
	m.lastPolled = info
	m.havePolled = true

	var fireLow bool
	if info.Total > 0 && float64(info.Available) < float64(info.Total)*m.threshold {
		if !m.hasFired || now.Sub(m.lastFired) >= m.cooldown {
			fireLow = true
			m.hasFired = true
			m.lastFired = now
		}
	}

	lowListeners := slices.Clone(m.lowListeners)
	changeListeners := slices.Clone(m.changeListeners)
	m.mu.Unlock()

	if changed {
		for _, l := range changeListeners {
			l.fn(prev, info)
		}
	}

	if fireLow {
		m.logger.Warn("low memory", "source", info.Source, "available", info.Available, "total", info.Total)
		for _, l := range lowListeners {
			l.fn(info)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) VRAMInfo {
	for i, prober := range m.gpu {
		m.mu.Lock()
		skip := m.disabled[i]
		m.mu.Unlock()
		if skip {
			continue
		}

		info, err := safeProbe(ctx, prober)
		if err == nil && info.Total > 0 {
			m.mu.Lock()
			m.succeeded[i] = true
			m.lastKnown = info
			m.mu.Unlock()
			return info
		}

		m.mu.Lock()
		if !m.succeeded[i] {
			m.disabled[i] = true
		}
		m.mu.Unlock()
		m.logger.Debug("gpu probe failed, falling back", "prober", prober.Name(), "error", err)
	}

	info, err := safeProbe(ctx, m.host)
	if err == nil {
		m.mu.Lock()
		m.lastKnown = info
		m.mu.Unlock()
		return info
	}

	m.logger.Warn("host memory probe failed, keeping last known sample", "error", err)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastKnown
}

// safeProbe turns a panicking prober into an error so detection problems
// never escape the monitor.
func safeProbe(ctx context.Context, prober Prober) (info VRAMInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s probe panicked: %v", prober.Name(), r)
		}
	}()

	info, err = prober.Probe(ctx)
	if err != nil {
		return VRAMInfo{}, err
	}
	return clampNonNegative(info), nil
}
