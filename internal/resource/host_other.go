//go:build !linux

package resource

import (
	"context"
	"errors"
)

// HostMemory has no portable implementation off Linux; the monitor keeps
// its last known sample when this fails.
type HostMemory struct {
	ProcRoot string
}

func (h *HostMemory) Name() string { return "host" }

func (h *HostMemory) Probe(_ context.Context) (VRAMInfo, error) {
	return VRAMInfo{}, errors.New("host memory probing is only supported on linux")
}
