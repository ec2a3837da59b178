package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type CompressionConfig struct {
	Enabled          bool    `toml:"enabled"`
	Threshold        float64 `toml:"threshold"`
	Strategy         string  `toml:"strategy"`
	PreserveRecent   int     `toml:"preserve_recent"`
	SummaryMaxTokens int     `toml:"summary_max_tokens"`
}

type SnapshotConfig struct {
	Enabled       bool    `toml:"enabled"`
	MaxCount      int     `toml:"max_count"`
	AutoCreate    bool    `toml:"auto_create"`
	AutoThreshold float64 `toml:"auto_threshold"`
}

// ContextConfig sizes the context window and controls compression and snapshots.
// MinSize is fixed for the lifetime of a manager; resizes may move TargetSize and MaxSize.
type ContextConfig struct {
	TargetSize       int               `toml:"target_size"`
	MinSize          int               `toml:"min_size"`
	MaxSize          int               `toml:"max_size"`
	AutoSize         bool              `toml:"auto_size"`
	VRAMBuffer       int64             `toml:"vram_buffer_bytes"`
	BytesPerToken    int64             `toml:"bytes_per_token"`
	WarningThreshold float64           `toml:"warning_threshold"`
	Compression      CompressionConfig `toml:"compression"`
	Snapshots        SnapshotConfig    `toml:"snapshots"`
}

type MonitorConfig struct {
	Enabled            bool    `toml:"enabled"`
	IntervalMS         int     `toml:"interval_ms"`
	LowMemoryThreshold float64 `toml:"low_memory_threshold"`
	CooldownSeconds    int     `toml:"cooldown_seconds"`
	CacheTTLMS         int     `toml:"cache_ttl_ms"`
}

// ModelConfig points at a local OpenAI-compatible server. An empty
// Endpoint disables the model-backed summarizer and the run command.
type ModelConfig struct {
	Endpoint       string `toml:"endpoint"`
	Name           string `toml:"name"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxTokens      int    `toml:"max_tokens"`
	Summarize      bool   `toml:"summarize"`
}

// ToolsConfig controls the tools offered to the model during a run. Files
// are only read below WorkingDir; an empty WorkingDir means the directory
// the server was started in.
type ToolsConfig struct {
	Enabled        bool   `toml:"enabled"`
	WorkingDir     string `toml:"working_dir"`
	MaxReadLines   int    `toml:"max_read_lines"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type DebugConfig struct {
	Verbose bool `toml:"verbose"`
}

type Config struct {
	Bind    string        `toml:"bind"`
	DataDir string        `toml:"data_dir"`
	Context ContextConfig `toml:"context"`
	Monitor MonitorConfig `toml:"monitor"`
	Model   ModelConfig   `toml:"model"`
	Tools   ToolsConfig   `toml:"tools"`
	Debug   DebugConfig   `toml:"debug"`
}

func Default() Config {
	return Config{
		Bind:    ":50061",
		DataDir: defaultDataDir(),
		Context: DefaultContext(),
		Monitor: MonitorConfig{
			Enabled:            true,
			IntervalMS:         5000,
			LowMemoryThreshold: 0.1,
			CooldownSeconds:    30,
			CacheTTLMS:         1000,
		},
		Model: ModelConfig{
			Endpoint:       "http://127.0.0.1:11434",
			Name:           "llama3.2",
			TimeoutSeconds: 300,
			MaxTokens:      2048,
			Summarize:      true,
		},
		Tools: ToolsConfig{
			Enabled:        true,
			MaxReadLines:   2000,
			TimeoutSeconds: 60,
		},
	}
}

func DefaultContext() ContextConfig {
	return ContextConfig{
		TargetSize:       8192,
		MinSize:          2048,
		MaxSize:          131072,
		AutoSize:         false,
		VRAMBuffer:       512 * 1024 * 1024,
		BytesPerToken:    128 * 1024,
		WarningThreshold: 0.7,
		Compression: CompressionConfig{
			Enabled:          true,
			Threshold:        0.8,
			Strategy:         "auto",
			PreserveRecent:   1024,
			SummaryMaxTokens: 1024,
		},
		Snapshots: SnapshotConfig{
			Enabled:       true,
			MaxCount:      5,
			AutoCreate:    false,
			AutoThreshold: 0.85,
		},
	}
}

// Validate reports the first setting that cannot be used as-is.
func (c ContextConfig) Validate() error {
	switch {
	case c.MinSize <= 0:
		return errors.New("context: min_size must be positive")
	case c.MaxSize < c.MinSize:
		return fmt.Errorf("context: max_size %d is below min_size %d", c.MaxSize, c.MinSize)
	case c.Compression.Threshold <= 0 || c.Compression.Threshold > 1:
		return fmt.Errorf("context: compression threshold %v outside (0,1]", c.Compression.Threshold)
	case c.WarningThreshold < 0 || c.WarningThreshold > 1:
		return fmt.Errorf("context: warning threshold %v outside [0,1]", c.WarningThreshold)
	case c.Compression.PreserveRecent < 0:
		return errors.New("context: preserve_recent must not be negative")
	case c.Compression.SummaryMaxTokens <= 0:
		return errors.New("context: summary_max_tokens must be positive")
	case c.Snapshots.MaxCount < 0:
		return errors.New("context: snapshots.max_count must not be negative")
	}
	return nil
}

// InitialSize is the window a new manager starts with: the target clamped to [min, max].
func (c ContextConfig) InitialSize() int {
	size := c.TargetSize
	if size <= 0 {
		size = c.MaxSize
	}
	return c.Clamp(size)
}

func (c ContextConfig) Clamp(size int) int {
	if size < c.MinSize {
		return c.MinSize
	}
	if c.MaxSize > 0 && size > c.MaxSize {
		return c.MaxSize
	}
	return size
}

// LoadOrCreate reads the config at path, writing defaults there on first run.
// A file that cannot be parsed is reported and replaced by defaults in memory.
func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return config, err
			}

			configData, err := toml.Marshal(config)
			if err != nil {
				return config, err
			}

			if err := os.WriteFile(path, configData, 0o644); err != nil {
				return config, err
			}

			return config, nil
		}

		return config, err
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		slog.Warn("config file is malformed, using defaults", "path", path, "error", err)
		config = Default()
	}

	config.DataDir = expandPath(config.DataDir)
	config.Tools.WorkingDir = expandPath(config.Tools.WorkingDir)
	config.Bind = strings.TrimSpace(config.Bind)
	config.Model.Endpoint = strings.TrimRight(strings.TrimSpace(config.Model.Endpoint), "/")

	if config.Bind == "" {
		config.Bind = ":50061"
	}

	if err := config.Context.Validate(); err != nil {
		slog.Warn("invalid context settings, using defaults", "path", path, "error", err)
		config.Context = DefaultContext()
	}

	return config, nil
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".ollm"
	}

	return filepath.Join(homeDir, ".ollm")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
