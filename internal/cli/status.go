package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/app"
	"github.com/tecet/ollm/internal/rpc"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and model status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			t := newTable("NAME", "STATUS", "PID", "ENDPOINT", "UPTIME")
			reply := addServerRow(cmd.Context(), t, a.Config.DataDir, a.ServerAddr)
			addModelRow(t, a.Config.Model.Endpoint, reply)
			fmt.Println(t.Render())

			if reply != nil {
				printTools(reply)
				printOpenSessions(reply, a.SessionID)
			}
			return nil
		},
	}
}

func addServerRow(ctx context.Context, t *table.Table, dataDir, serverAddr string) map[string]any {
	pid := app.ReadPID(app.PIDFile(dataDir))
	pidText := "-"
	if pid != 0 {
		pidText = fmt.Sprintf("%d", pid)
	}

	client, err := rpc.Dial(serverAddr)
	if err != nil {
		t.Row("ollm", styleError.Render("stopped"), pidText, serverAddr, "-")
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := client.Call(ctx, rpc.MethodStatus, nil)
	if err != nil {
		t.Row("ollm", styleError.Render("stopped"), pidText, serverAddr, "-")
		return nil
	}

	uptime := time.Duration(numberOf(reply, "uptime_seconds")) * time.Second
	t.Row("ollm", styleSuccess.Render("running"), pidText, serverAddr, uptime.String())
	return reply
}

func addModelRow(t *table.Table, endpoint string, status map[string]any) {
	if endpoint == "" {
		t.Row("model", styleDim.Render("disabled"), "-", "-", "-")
		return
	}

	state := styleDim.Render("unknown")
	if status != nil {
		if healthy, _ := status["model_healthy"].(bool); healthy {
			state = styleSuccess.Render("ready")
		} else {
			state = styleWarning.Render("unreachable")
		}
	}

	name := stringOf(status, "model_name")
	if name != "" {
		endpoint += " (" + name + ")"
	}
	t.Row("model", state, "-", endpoint, "-")
}

func printTools(status map[string]any) {
	tools, _ := status["tools"].([]any)
	if len(tools) == 0 {
		return
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if name, ok := t.(string); ok {
			names = append(names, name)
		}
	}
	fmt.Println(field("tools", styleToolName.Render(strings.Join(names, ", "))))
}

func printOpenSessions(status map[string]any, activeID string) {
	sessions, _ := status["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Println(styleDim.Render("no open sessions"))
		return
	}

	fmt.Println(styleTableHeader.Render("open sessions"))
	for _, s := range sessions {
		id, _ := s.(string)
		if id == activeID {
			fmt.Println("  " + styleActive.Render("* "+id))
			continue
		}
		fmt.Println("    " + id)
	}
}

func numberOf(fields map[string]any, key string) float64 {
	v, _ := fields[key].(float64)
	return v
}

func stringOf(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func mapOf(fields map[string]any, key string) map[string]any {
	v, _ := fields[key].(map[string]any)
	return v
}
