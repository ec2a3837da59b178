package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tecet/ollm/internal/app"
	"github.com/tecet/ollm/internal/config"
)

// serveFlagEnv maps serve flags onto the OLLM_* variables config.LoadEnv
// reads, so a background server sees the same overrides as a foreground one.
var serveFlagEnv = map[string]string{
	"bind":         "OLLM_BIND",
	"endpoint":     "OLLM_ENDPOINT",
	"model":        "OLLM_MODEL",
	"context-size": "OLLM_CONTEXT_TARGET",
	"auto-size":    "OLLM_CONTEXT_AUTO_SIZE",
	"strategy":     "OLLM_COMPRESSION_STRATEGY",
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ollm context server",
		RunE:  runServeCmd,
	}

	cmd.Flags().Bool("foreground", false, "run server in foreground")
	cmd.Flags().String("bind", "", "bind address (overrides config)")
	cmd.Flags().String("endpoint", "", "OpenAI-compatible model endpoint")
	cmd.Flags().String("model", "", "model name sent with chat requests")
	cmd.Flags().Int("context-size", 0, "target context window in tokens")
	cmd.Flags().Bool("auto-size", false, "size the context window from free VRAM")
	cmd.Flags().String("strategy", "", "compression strategy: auto, rollover, checkpoint or hybrid")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	foreground, _ := cmd.Flags().GetBool("foreground")

	overrides := serveOverrides(cmd.Flags())
	for _, kv := range overrides {
		key, value, _ := strings.Cut(kv, "=")
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
	}

	cfg := config.LoadEnv(a.Config)
	if err := cfg.Context.Validate(); err != nil {
		return fmt.Errorf("invalid context settings: %w", err)
	}

	if foreground {
		return app.RunServer(cfg)
	}

	return startServer(cfg, a.ConfigPath, false, overrides...)
}

// serveOverrides returns KEY=value pairs for the flags set on the command line.
func serveOverrides(flags *pflag.FlagSet) []string {
	var env []string
	flags.Visit(func(f *pflag.Flag) {
		key, ok := serveFlagEnv[f.Name]
		if !ok {
			return
		}
		value := f.Value.String()
		if f.Name == "context-size" {
			if n, err := strconv.Atoi(value); err != nil || n <= 0 {
				return
			}
		}
		env = append(env, key+"="+value)
	})
	return env
}
