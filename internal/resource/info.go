// Package resource samples device memory (GPU VRAM, or host RAM when no GPU
// is usable) and turns it into the token ceiling the context window may use.
package resource

import (
	"context"
	"errors"
)

// VRAMInfo is a memory sample in bytes. Used plus Available approximates
// Total; drivers and the OS keep some memory for themselves.
type VRAMInfo struct {
	Total       int64  `json:"total"`
	Used        int64  `json:"used"`
	Available   int64  `json:"available"`
	ModelLoaded bool   `json:"model_loaded"`
	Source      string `json:"source"`
}

// Prober reads one kind of memory. Implementations must be safe to call
// from the monitor's polling goroutine.
type Prober interface {
	Name() string
	Probe(ctx context.Context) (VRAMInfo, error)
}

var ErrNoDevice = errors.New("no device found")

// TokensForBytes converts a memory budget into tokens of KV cache.
func TokensForBytes(bytes, bytesPerToken int64) int {
	if bytes <= 0 || bytesPerToken <= 0 {
		return 0
	}
	return int(bytes / bytesPerToken)
}

func clampNonNegative(info VRAMInfo) VRAMInfo {
	if info.Total < 0 {
		info.Total = 0
	}
	if info.Used < 0 {
		info.Used = 0
	}
	if info.Available < 0 {
		info.Available = 0
	}
	return info
}
