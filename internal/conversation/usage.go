package conversation

import (
	"context"
	"fmt"

	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/pool"
	"github.com/tecet/ollm/internal/resource"
)

// onUsage runs for every usage change the pool publishes. Each warning
// fires once per upward crossing and re-arms when usage drops below it.
func (m *Manager) onUsage(usage pool.Usage) {
	fraction := usage.Fraction()

	m.warnMu.Lock()
	var fireSoft, fireLow bool

	if soft := m.cfg.WarningThreshold; soft > 0 {
		switch {
		case fraction >= soft && !m.warnedSoft:
			m.warnedSoft = true
			fireSoft = true
		case fraction < soft:
			m.warnedSoft = false
		}
	}

	if m.cfg.Compression.Enabled {
		threshold := m.cfg.Compression.Threshold
		switch {
		case fraction >= threshold && !m.warnedLow:
			m.warnedLow = true
			fireLow = true
		case fraction < threshold:
			m.warnedLow = false
		}
	}
	m.warnMu.Unlock()

	if fireSoft {
		m.emit(event.Event{Type: event.MemoryWarning, Percentage: usage.Percentage})
	}
	if fireLow {
		m.logger.Info("context nearing limit", "percentage", usage.Percentage, "max_tokens", usage.MaxTokens)
		m.emit(event.Event{
			Type:       event.ContextWarningLow,
			Percentage: usage.Percentage,
			Message:    fmt.Sprintf("Context is %.0f%% full; compression recommended", usage.Percentage),
		})
	}
}

func (m *Manager) onLowMemory(info resource.VRAMInfo) {
	if m.State() == StateStopped {
		return
	}

	m.emit(event.Event{Type: event.LowMemory, Available: info.Available, Total: info.Total})
	if m.cfg.AutoSize {
		m.autoSize(context.Background())
	}
}

func (m *Manager) onMemoryChange(_, _ resource.VRAMInfo) {
	if m.State() == StateStopped || !m.cfg.AutoSize {
		return
	}
	m.autoSize(context.Background())
}

// autoSize derives the ceiling from the memory left for the KV cache once
// the monitor has subtracted its reserved buffer.
func (m *Manager) autoSize(ctx context.Context) {
	available := m.monitor.AvailableForContext(ctx)
	ceiling := resource.TokensForBytes(available, m.cfg.BytesPerToken)
	size := m.cfg.Clamp(ceiling)

	if size == m.MaxTokens() {
		return
	}

	m.logger.Debug("auto-sizing context", "available_bytes", available, "ceiling", ceiling, "size", size)
	if err := m.Resize(size); err != nil {
		m.logger.Warn("auto-size failed", "error", err)
	}
}

// maybeAutoSnapshot saves one snapshot per climb past the auto threshold.
func (m *Manager) maybeAutoSnapshot() {
	if m.snapshots == nil || !m.cfg.Snapshots.AutoCreate {
		return
	}

	fraction := m.pool.Usage().Fraction()

	m.mu.Lock()
	if fraction < m.cfg.Snapshots.AutoThreshold {
		m.autoSnapshotted = false
		m.mu.Unlock()
		return
	}
	if m.autoSnapshotted || m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.autoSnapshotted = true
	m.mu.Unlock()

	if _, err := m.CreateSnapshot(); err != nil {
		m.logger.Warn("automatic snapshot failed", "error", err)
	}
}
