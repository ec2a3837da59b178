package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tecet/ollm/internal/app"
	"github.com/tecet/ollm/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var (
		configPathFlag = flag.String("config", "", "path to config file (default ~/.ollm/config.toml)")
		bindFlag       = flag.String("bind", "", "gRPC bind address")
		endpointFlag   = flag.String("endpoint", "", "OpenAI-compatible model endpoint")
		dataDirFlag    = flag.String("data-dir", "", "base data dir (default ~/.ollm)")
	)
	flag.Parse()

	configPath := *configPathFlag
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg = config.LoadEnv(cfg)

	setIfNotEmpty := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}

	setIfNotEmpty(&cfg.Bind, *bindFlag)
	setIfNotEmpty(&cfg.Model.Endpoint, *endpointFlag)
	setIfNotEmpty(&cfg.DataDir, *dataDirFlag)

	if err := cfg.Context.Validate(); err != nil {
		logger.Error("invalid context config", "error", err)
		os.Exit(1)
	}

	if err := app.RunServer(cfg); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
