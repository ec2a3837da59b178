// Package cli implements the Cobra command tree for the ollm CLI.
package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/app"
	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/rpc"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ollm [prompt]",
		Short:         "ollm context engine CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runCmd,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().String("server", "", "server address")
	rootCmd.PersistentFlags().String("session", "", "session id to use instead of the active one")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newMemoryCmd())
	rootCmd.AddCommand(newTiersCmd())
	rootCmd.AddCommand(newContextCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newSnapshotsCmd())
	rootCmd.AddCommand(newSessionsCmd())

	return rootCmd
}

func configPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(config.Default().DataDir, "config.toml")
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.LoadOrCreate(configPath(path))
	if err != nil {
		return cfg, err
	}
	return config.LoadEnv(cfg), nil
}

func resolveServer(override string, cfg config.Config) string {
	if override != "" {
		return override
	}
	return clientAddrFromBind(cfg.Bind)
}

func clientAddrFromBind(bind string) string {
	host, port, err := netSplitHostPort(bind)
	if err != nil || port == "" {
		return bind
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1:" + port
	}
	return bind
}

func netSplitHostPort(addr string) (string, string, error) {
	if strings.HasPrefix(addr, ":") {
		return "", strings.TrimPrefix(addr, ":"), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

func alreadyRunning(dataDir string) bool {
	return app.ReadPID(app.PIDFile(dataDir)) != 0
}

func loadActiveSession(dataDir string) string {
	path := filepath.Join(dataDir, "active_session")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveActiveSession(dataDir string, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("save active session: mkdir: %w", err)
	}

	path := filepath.Join(dataDir, "active_session")
	if err := os.WriteFile(path, []byte(sessionID), 0o644); err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

// dialServer connects and confirms the server answers health checks, so
// callers can print one clear message when it is down.
func dialServer(ctx context.Context, serverAddr string) (*rpc.Client, error) {
	client, err := rpc.Dial(serverAddr)
	if err != nil {
		printServerNotRunning(serverAddr, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := client.Serving(ctx); err != nil {
		client.Close()
		printServerNotRunning(serverAddr, err)
		return nil, err
	}
	return client, nil
}

// connectServer dials the configured server, starting it in the background
// first when no PID file says it is running. An explicit --server address
// is never auto-started.
func connectServer(ctx context.Context, a *App) (*rpc.Client, error) {
	if alreadyRunning(a.Config.DataDir) || a.ServerAddr != clientAddrFromBind(a.Config.Bind) {
		return dialServer(ctx, a.ServerAddr)
	}

	if err := startServer(a.Config, a.ConfigPath, false); err != nil {
		return nil, fmt.Errorf("auto-start server: %w", err)
	}

	var lastErr error
	for range 25 {
		client, err := rpc.Dial(a.ServerAddr)
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			_, err = client.Serving(probeCtx)
			cancel()
			if err == nil {
				return client, nil
			}
			client.Close()
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}

	printServerNotRunning(a.ServerAddr, lastErr)
	return nil, lastErr
}

func printServerNotRunning(addr string, err error) {
	fmt.Println(styleError.Render("server is not running at " + addr))
	fmt.Println("start with: " + styleToolName.Render("ollm serve"))
	if err != nil {
		fmt.Println(styleDim.Render(err.Error()))
	}
}

func startServer(cfg config.Config, configPath string, foreground bool, env ...string) error {
	if alreadyRunning(cfg.DataDir) {
		serverAddr := resolveServer("", cfg)
		fmt.Println(styleDim.Render("server already running at " + serverAddr))
		return nil
	}

	serverCmd := exec.Command(os.Args[0], "serve", "--foreground", "--bind", cfg.Bind)
	if configPath != "" {
		serverCmd.Args = append(serverCmd.Args, "--config", configPath)
	}
	if len(env) > 0 {
		serverCmd.Env = append(os.Environ(), env...)
	}

	if foreground {
		serverCmd.Stdout = os.Stdout
		serverCmd.Stderr = os.Stderr
		return serverCmd.Run()
	}

	logFile := filepath.Join(cfg.DataDir, "server.log")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("start server: create data dir: %w", err)
	}

	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("start server: open log: %w", err)
	}
	defer out.Close()

	serverCmd.Stdout = out
	serverCmd.Stderr = out

	if err := serverCmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Println(
		styleSuccess.Render("started server") + " " +
			stylePID.Render(fmt.Sprintf("pid %d", serverCmd.Process.Pid)))
	return nil
}
