package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/config"
)

type App struct {
	Config     config.Config
	ConfigPath string
	ServerAddr string
	SessionID  string
}

func newApp(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	serverOverride, _ := cmd.Flags().GetString("server")
	sessionOverride, _ := cmd.Flags().GetString("session")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sessionID := strings.TrimSpace(sessionOverride)
	if sessionID == "" {
		sessionID = loadActiveSession(cfg.DataDir)
	}

	return &App{
		Config:     cfg,
		ConfigPath: configPath,
		ServerAddr: resolveServer(serverOverride, cfg),
		SessionID:  sessionID,
	}, nil
}

// requireSession returns the session a command should act on.
func (a *App) requireSession() (string, error) {
	if a.SessionID == "" {
		return "", fmt.Errorf("no active session; pass --session or run a prompt first")
	}
	return a.SessionID, nil
}
