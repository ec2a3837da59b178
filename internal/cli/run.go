package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/agent"
	"github.com/tecet/ollm/internal/rpc"
)

func runCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return cmd.Help()
	}

	ctx := cmd.Context()
	client, err := connectServer(ctx, a)
	if err != nil {
		return err
	}
	defer client.Close()

	request := map[string]any{"prompt": prompt}
	if a.SessionID != "" {
		request["session_id"] = a.SessionID
	}

	sessionID := a.SessionID
	err = client.Stream(ctx, rpc.MethodRun, request, func(ev map[string]any) error {
		if agent.EventType(stringOf(ev, "type")) == agent.EvtRunStarted {
			sessionID = stringOf(ev, "session_id")
			if err := saveActiveSession(a.Config.DataDir, sessionID); err != nil {
				slog.Warn("failed to save active session", "error", err)
			}
		}
		return printRunEvent(ev)
	})
	if err != nil {
		return err
	}

	if sessionID != "" {
		printUsageLine(cmd, client, a, sessionID)
	}
	return nil
}

// printRunEvent renders one streamed agent event. A failed run comes back
// as an error so the command exits non-zero.
func printRunEvent(ev map[string]any) error {
	switch agent.EventType(stringOf(ev, "type")) {
	case agent.EvtTokenDelta:
		fmt.Print(stringOf(ev, "token"))
	case agent.EvtTurnCompleted:
		fmt.Println()
	case agent.EvtTurnRetried:
		fmt.Println(styleWarning.Render("context overflow, retrying after compression"))
	case agent.EvtContextCompressed:
		c := mapOf(ev, "compression")
		fmt.Println(styleDim.Render(fmt.Sprintf("compressed (%s): %.0f -> %.0f tokens",
			stringOf(c, "strategy"), numberOf(c, "original_tokens"), numberOf(c, "compressed_tokens"))))
	case agent.EvtToolStarted:
		fmt.Println(styleToolName.Render(stringOf(ev, "tool_name")) + styleDim.Render(" "+stringOf(ev, "call_id")))
	case agent.EvtToolCompleted:
		fmt.Println("  " + styleSuccess.Render("done") + " " + styleDim.Render(truncate(stringOf(ev, "output"), 120)))
	case agent.EvtToolFailed:
		fmt.Println("  " + styleError.Render("fail") + " " + styleDim.Render(truncate(stringOf(ev, "error"), 120)))
	case agent.EvtRunCompleted:
		fmt.Println(styleSuccess.Render("run completed"))
	case agent.EvtRunCancelled:
		fmt.Println(styleWarning.Render("cancelled"))
	case agent.EvtRunFailed:
		return fmt.Errorf("run failed: %s", stringOf(ev, "error"))
	}
	return nil
}

// printUsageLine shows the context fill after a run. Failures are ignored;
// the run itself already succeeded.
func printUsageLine(cmd *cobra.Command, client *rpc.Client, a *App, sessionID string) {
	reply, err := client.Call(cmd.Context(), rpc.MethodUsage, map[string]any{"session_id": sessionID})
	if err != nil {
		return
	}

	usage := mapOf(reply, "usage")
	pct := numberOf(usage, "percentage")
	style := percentStyle(pct, a.Config.Context.WarningThreshold, a.Config.Context.Compression.Threshold)
	fmt.Println(styleDim.Render("ctx") + " " +
		fmt.Sprintf("%.0f/%.0f ", numberOf(usage, "current_tokens"), numberOf(usage, "max_tokens")) +
		style.Render(fmt.Sprintf("%.0f%%", pct)) + " " +
		styleDim.Render(stringOf(mapOf(reply, "tier"), "name")))
}
