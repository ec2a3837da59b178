package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tecet/ollm/internal/agent"
	"github.com/tecet/ollm/internal/compression"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/conversation"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/provider"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/session"
	"github.com/tecet/ollm/internal/snapshot"
	"github.com/tecet/ollm/internal/tool"
	"github.com/tecet/ollm/internal/tool/builtin"
)

// Services holds the long-lived components shared by every session.
// Monitor, Model, Tools and Runner are nil when disabled by config.
type Services struct {
	Config    config.Config
	Bus       *event.Bus
	Monitor   *resource.Monitor
	Snapshots *snapshot.FileStore
	Sessions  *session.FileService
	Registry  *conversation.Registry
	Model     *provider.OpenAI
	Tools     *tool.Registry
	Runner    *agent.Runner
}

// NewServices wires the engine from cfg. It probes the model endpoint once
// to decide between the model-backed and the extractive summarizer.
func NewServices(ctx context.Context, cfg config.Config, logger *slog.Logger) Services {
	if logger == nil {
		logger = slog.Default()
	}

	services := Services{
		Config:    cfg,
		Bus:       event.NewBus(),
		Snapshots: snapshot.NewFileStore(filepath.Join(cfg.DataDir, "snapshots"), cfg.Context.Snapshots.MaxCount, nil, logger),
		Sessions:  &session.FileService{BaseDir: cfg.DataDir},
	}

	if cfg.Monitor.Enabled {
		gpu, host := resource.DetectProbers()
		services.Monitor = resource.NewMonitor(resource.Options{
			GPU:                gpu,
			Host:               host,
			Logger:             logger,
			CacheTTL:           time.Duration(cfg.Monitor.CacheTTLMS) * time.Millisecond,
			Reserved:           cfg.Context.VRAMBuffer,
			LowMemoryThreshold: cfg.Monitor.LowMemoryThreshold,
			Cooldown:           time.Duration(cfg.Monitor.CooldownSeconds) * time.Second,
		})
	}

	if cfg.Model.Endpoint != "" {
		services.Model = provider.NewOpenAI(provider.Config{
			Endpoint:    cfg.Model.Endpoint,
			Model:       cfg.Model.Name,
			HTTPTimeout: time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
			MaxTokens:   cfg.Model.MaxTokens,
			Logger:      logger,
		})
	}

	template := conversation.Options{
		Config:     cfg.Context,
		Summarizer: selectSummarizer(ctx, cfg, services.Model, services.Monitor, logger),
		Snapshots:  services.Snapshots,
		Emitter:    services.Bus,
		Logger:     logger,
	}
	if services.Monitor != nil {
		template.Monitor = services.Monitor
	}

	services.Registry = conversation.NewRegistry(template, services.openRecorder)

	if services.Model != nil {
		services.Tools = newTools(cfg, services.Snapshots, logger)
		services.Runner = &agent.Runner{
			Sessions: services.Registry,
			LLM:      services.Model,
			Config:   agent.RunConfig{ToolTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second},
			Logger:   logger,
		}
		if services.Tools != nil {
			services.Runner.Tools = services.Tools
		}
	}

	return services
}

func (s Services) openRecorder(sessionID core.SessionID, budget int) (conversation.Recorder, []core.Message, error) {
	log, history, err := s.Sessions.Open(sessionID, budget)
	if err != nil {
		return nil, nil, err
	}
	return log, history, nil
}

// newTools builds the registry offered to the model, or nil when tools are
// disabled. File paths resolve below the configured working directory,
// falling back to the server's own.
func newTools(cfg config.Config, store *snapshot.FileStore, logger *slog.Logger) *tool.Registry {
	if !cfg.Tools.Enabled {
		return nil
	}

	baseDir := cfg.Tools.WorkingDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Warn("cannot resolve working directory, tools disabled", "error", err)
			return nil
		}
		baseDir = wd
	}

	var recall builtin.SnapshotReader
	if cfg.Context.Snapshots.Enabled {
		recall = store
	}

	registry := tool.NewRegistry()
	if err := builtin.RegisterAll(registry, baseDir, cfg.Tools, recall); err != nil {
		logger.Warn("failed to register builtin tools", "error", err)
		return nil
	}
	logger.Debug("tools registered", "working_dir", baseDir, "count", len(registry.Definitions()))
	return registry
}

// selectSummarizer returns nil, meaning the engine's extractive default,
// unless summarizing with the model is enabled and the model answers.
func selectSummarizer(ctx context.Context, cfg config.Config, model *provider.OpenAI, monitor *resource.Monitor, logger *slog.Logger) compression.Summarizer {
	if model == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	healthy := model.Healthy(probeCtx)
	if monitor != nil {
		monitor.SetModelLoaded(healthy)
	}

	if !cfg.Model.Summarize {
		return nil
	}
	if !healthy {
		logger.Warn("model endpoint not reachable, using extractive summaries", "endpoint", cfg.Model.Endpoint)
		return nil
	}

	logger.Info("summarizing with model", "endpoint", cfg.Model.Endpoint, "model", cfg.Model.Name)
	return agent.LLMSummarizer{Model: model}
}

// Close stops every session and the monitor, then ends event subscriptions.
func (s Services) Close() {
	s.Registry.CloseAll()
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	s.Bus.Close()
}
