//go:build linux

package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// HostMemory reports system RAM. It prefers MemAvailable from /proc/meminfo,
// which counts reclaimable cache, and falls back to sysinfo(2).
type HostMemory struct {
	// ProcRoot defaults to /proc.
	ProcRoot string
}

func (h *HostMemory) Name() string { return "host" }

func (h *HostMemory) Probe(_ context.Context) (VRAMInfo, error) {
	root := h.ProcRoot
	if root == "" {
		root = "/proc"
	}

	if info, err := readMeminfo(root + "/meminfo"); err == nil {
		return info, nil
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return VRAMInfo{}, fmt.Errorf("sysinfo: %w", err)
	}

	unit := int64(si.Unit)
	total := int64(si.Totalram) * unit
	free := int64(si.Freeram+si.Bufferram) * unit

	return clampNonNegative(VRAMInfo{
		Total:     total,
		Used:      total - free,
		Available: free,
		Source:    "host",
	}), nil
}

func readMeminfo(path string) (VRAMInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return VRAMInfo{}, err
	}
	defer file.Close()

	var total, available int64 = -1, -1

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}

		switch fields[0] {
		case "MemTotal:":
			total = value * 1024
		case "MemAvailable:":
			available = value * 1024
		}
	}
	if err := scanner.Err(); err != nil {
		return VRAMInfo{}, err
	}

	if total <= 0 || available < 0 {
		return VRAMInfo{}, fmt.Errorf("meminfo: missing MemTotal or MemAvailable in %s", path)
	}

	return clampNonNegative(VRAMInfo{
		Total:     total,
		Used:      total - available,
		Available: available,
		Source:    "host",
	}), nil
}
