package resource

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMI reads VRAM through nvidia-smi, summing every listed GPU.
type NvidiaSMI struct {
	Binary string
	Run    CommandRunner
}

func (n *NvidiaSMI) Name() string { return "nvidia" }

func (n *NvidiaSMI) Probe(ctx context.Context) (VRAMInfo, error) {
	binary := n.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}
	run := n.Run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, binary, "--query-gpu=memory.total,memory.used,memory.free", "--format=csv,noheader,nounits")
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("nvidia-smi: %w", err)
	}

	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses lines of "total, used, free" in MiB.
func parseNvidiaSMI(out string) (VRAMInfo, error) {
	const mib = 1024 * 1024

	info := VRAMInfo{Source: "nvidia"}
	gpus := 0

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return VRAMInfo{}, fmt.Errorf("nvidia-smi: unexpected line %q", line)
		}

		values := make([]int64, 3)
		for i, field := range fields {
			v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return VRAMInfo{}, fmt.Errorf("nvidia-smi: parse %q: %w", field, err)
			}
			values[i] = v * mib
		}

		info.Total += values[0]
		info.Used += values[1]
		info.Available += values[2]
		gpus++
	}

	if gpus == 0 {
		return VRAMInfo{}, ErrNoDevice
	}
	return info, nil
}
