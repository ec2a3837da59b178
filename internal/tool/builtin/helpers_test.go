package builtin

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()

	if err := os.MkdirAll(filepath.Join(base, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(base, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(base, "notes"), filepath.Join(base, "inner")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		wantErr bool
	}{
		{path: "file.txt"},
		{path: "notes/today.md"},
		{path: "notes/../file.txt"},
		{path: "./notes"},
		{path: "inner"},
		{path: "", wantErr: true},
		{path: "/etc/passwd", wantErr: true},
		{path: "../parent", wantErr: true},
		{path: "notes/../../bar", wantErr: true},
		{path: "escape/secret.txt", wantErr: true},
		{path: "escape", wantErr: true},
	}

	for _, tt := range tests {
		got, err := resolvePath(base, tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("resolvePath(%q) = %q, want error", tt.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolvePath(%q): %v", tt.path, err)
			continue
		}
		if want := filepath.Join(base, tt.path); got != want {
			t.Errorf("resolvePath(%q) = %q, want %q", tt.path, got, want)
		}
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{
		"decoded": float64(7),
		"native":  3,
		"wide":    int64(100),
		"null":    nil,
	}

	tests := []struct {
		key    string
		want   int
		wantOK bool
	}{
		{"decoded", 7, true},
		{"native", 3, true},
		{"wide", 100, true},
		{"null", 0, false},
		{"missing", 0, false},
	}

	for _, tt := range tests {
		got, ok := intArg(args, tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("intArg(%q) = (%d, %v), want (%d, %v)", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}

	if got := stringArg(map[string]any{"n": 1}, "n"); got != "" {
		t.Errorf("stringArg on a number = %q, want empty", got)
	}
}
