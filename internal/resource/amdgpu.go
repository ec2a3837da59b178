package resource

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AMDGPU reads VRAM counters from the amdgpu driver's sysfs files.
type AMDGPU struct {
	// SysRoot defaults to /sys; tests point it at a synthetic tree.
	SysRoot string
}

func (a *AMDGPU) Name() string { return "amdgpu" }

func (a *AMDGPU) Probe(_ context.Context) (VRAMInfo, error) {
	root := a.SysRoot
	if root == "" {
		root = "/sys"
	}

	drmDir := filepath.Join(root, "class", "drm")
	entries, err := os.ReadDir(drmDir)
	if err != nil {
		return VRAMInfo{}, ErrNoDevice
	}

	info := VRAMInfo{Source: "amdgpu"}
	cards := 0

	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}

		devicePath := filepath.Join(drmDir, entry.Name(), "device")
		total, ok := readSysfsInt64(filepath.Join(devicePath, "mem_info_vram_total"))
		if !ok || total <= 0 {
			continue
		}
		used, _ := readSysfsInt64(filepath.Join(devicePath, "mem_info_vram_used"))

		info.Total += total
		info.Used += used
		info.Available += total - used
		cards++
	}

	if cards == 0 {
		return VRAMInfo{}, ErrNoDevice
	}
	return clampNonNegative(info), nil
}

// isCardDevice accepts card0, card1, ... but not connectors like card0-DP-1.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func readSysfsInt64(path string) (int64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
