package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const envTemplate = `# ollm environment overrides. The process environment wins over this file.
# OLLM_BIND=:50061
# OLLM_ENDPOINT=http://127.0.0.1:11434
# OLLM_MODEL=
# OLLM_DEBUG=false
# OLLM_CONTEXT_TARGET=8192
# OLLM_CONTEXT_MIN=2048
# OLLM_CONTEXT_MAX=131072
# OLLM_CONTEXT_AUTO_SIZE=false
# OLLM_COMPRESSION_THRESHOLD=0.8
# OLLM_COMPRESSION_STRATEGY=auto
# OLLM_MONITOR_INTERVAL_MS=5000
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and .env template",
		Args:  cobra.NoArgs,
		RunE:  runInitCmd,
	}
}

func runInitCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	envPath := filepath.Join(a.Config.DataDir, ".env")
	created, err := writeIfMissing(envPath, []byte(envTemplate))
	if err != nil {
		return fmt.Errorf("write env template: %w", err)
	}

	fmt.Println(field("config", configPath(a.ConfigPath)))
	if created {
		fmt.Println(field("env", envPath))
	} else {
		fmt.Println(field("env", envPath+styleDim.Render(" (exists)")))
	}
	fmt.Println(field("data dir", a.Config.DataDir))
	return nil
}

func writeIfMissing(path string, data []byte) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
