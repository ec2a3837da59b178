package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/app"
	"github.com/tecet/ollm/internal/rpc"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the ollm context server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			stopServer(cmd.Context(), a.ServerAddr, a.Config.DataDir)
			return nil
		},
	}
}

// stopServer asks the server to shut down over rpc and falls back to
// signalling the process in the PID file.
func stopServer(ctx context.Context, serverAddr, dataDir string) {
	client, err := rpc.Dial(serverAddr)
	if err == nil {
		defer client.Close()

		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if _, err = client.Call(callCtx, rpc.MethodShutdown, nil); err == nil {
			fmt.Println(styleSuccess.Render("stopped ollm server"))
			return
		}
	}

	signalled, termErr := app.Terminate(dataDir)
	switch {
	case termErr != nil:
		fmt.Println(styleError.Render("ollm server: " + termErr.Error()))
	case signalled:
		fmt.Println(styleSuccess.Render("sent SIGTERM to ollm server"))
	default:
		fmt.Println(styleDim.Render("ollm server not running"))
	}
}
