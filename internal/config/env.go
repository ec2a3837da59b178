package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv overlays OLLM_* settings onto cfg. Values come from <DataDir>/.env
// when present, and the process environment wins over the file.
func LoadEnv(cfg Config) Config {
	values := map[string]string{}

	envPath := filepath.Join(cfg.DataDir, ".env")
	if fileValues, err := godotenv.Read(envPath); err == nil {
		values = fileValues
	} else if !os.IsNotExist(err) {
		slog.Warn("failed to read env file", "path", envPath, "error", err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}

	return applyEnv(cfg, lookup)
}

func applyEnv(cfg Config, lookup func(string) (string, bool)) Config {
	if v, ok := lookup("OLLM_BIND"); ok && v != "" {
		cfg.Bind = v
	}
	if v, ok := lookup("OLLM_DATA_DIR"); ok && v != "" {
		cfg.DataDir = expandPath(v)
	}
	if v, ok := lookup("OLLM_ENDPOINT"); ok {
		cfg.Model.Endpoint = strings.TrimRight(v, "/")
	}
	if v, ok := lookup("OLLM_MODEL"); ok && v != "" {
		cfg.Model.Name = v
	}
	if v, ok := lookup("OLLM_DEBUG"); ok {
		cfg.Debug.Verbose = v == "1" || v == "true"
	}

	envInt(lookup, "OLLM_CONTEXT_TARGET", &cfg.Context.TargetSize)
	envInt(lookup, "OLLM_CONTEXT_MIN", &cfg.Context.MinSize)
	envInt(lookup, "OLLM_CONTEXT_MAX", &cfg.Context.MaxSize)
	envInt(lookup, "OLLM_MONITOR_INTERVAL_MS", &cfg.Monitor.IntervalMS)

	if v, ok := lookup("OLLM_CONTEXT_AUTO_SIZE"); ok {
		cfg.Context.AutoSize = v == "1" || v == "true"
	}
	if v, ok := lookup("OLLM_COMPRESSION_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Context.Compression.Threshold = f
		} else {
			slog.Warn("ignoring invalid env value", "key", "OLLM_COMPRESSION_THRESHOLD", "value", v)
		}
	}
	if v, ok := lookup("OLLM_COMPRESSION_STRATEGY"); ok && v != "" {
		cfg.Context.Compression.Strategy = v
	}

	return cfg
}

func envInt(lookup func(string) (string, bool), key string, dst *int) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid env value", "key", key, "value", v)
		return
	}
	*dst = n
}
