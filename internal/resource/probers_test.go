package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSyntheticFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseNvidiaSMI(t *testing.T) {
	info, err := parseNvidiaSMI("24576, 1024, 23552\n8192, 0, 8192\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	const mib = 1024 * 1024
	if info.Total != (24576+8192)*mib {
		t.Errorf("total: got %d", info.Total)
	}
	if info.Available != (23552+8192)*mib {
		t.Errorf("available: got %d", info.Available)
	}

	if _, err := parseNvidiaSMI(""); !errors.Is(err, ErrNoDevice) {
		t.Errorf("empty output: expected ErrNoDevice, got %v", err)
	}
	if _, err := parseNvidiaSMI("N/A, N/A, N/A"); err == nil {
		t.Error("expected error for unparseable values")
	}
}

func TestNvidiaSMI_UsesRunner(t *testing.T) {
	var gotArgs []string
	prober := &NvidiaSMI{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("4096, 1024, 3072\n"), nil
	}}

	info, err := prober.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if info.Used != 1024*1024*1024 {
		t.Errorf("used: got %d", info.Used)
	}
	if gotArgs[0] != "nvidia-smi" {
		t.Errorf("binary: got %q", gotArgs[0])
	}

	failing := &NvidiaSMI{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exec: not found")
	}}
	if _, err := failing.Probe(context.Background()); err == nil {
		t.Error("expected runner error to propagate")
	}
}

func TestAMDGPU_SyntheticSysfs(t *testing.T) {
	root := t.TempDir()
	card := filepath.Join(root, "class", "drm", "card0", "device")
	writeSyntheticFile(t, filepath.Join(card, "mem_info_vram_total"), "17163091968\n")
	writeSyntheticFile(t, filepath.Join(card, "mem_info_vram_used"), "1073741824\n")
	// Connectors and render nodes are ignored.
	writeSyntheticFile(t, filepath.Join(root, "class", "drm", "card0-DP-1", "status"), "connected\n")
	writeSyntheticFile(t, filepath.Join(root, "class", "drm", "renderD128", "dev"), "226:128\n")

	info, err := (&AMDGPU{SysRoot: root}).Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if info.Total != 17163091968 || info.Used != 1073741824 {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.Available != 17163091968-1073741824 {
		t.Errorf("available: got %d", info.Available)
	}
}

func TestAMDGPU_NoCards(t *testing.T) {
	if _, err := (&AMDGPU{SysRoot: t.TempDir()}).Probe(context.Background()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestIsCardDevice(t *testing.T) {
	cases := map[string]bool{
		"card0":      true,
		"card12":     true,
		"card":       false,
		"card0-DP-1": false,
		"renderD128": false,
	}
	for name, want := range cases {
		if got := isCardDevice(name); got != want {
			t.Errorf("isCardDevice(%q) = %v, want %v", name, got, want)
		}
	}
}
