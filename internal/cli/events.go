package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/event"
	"github.com/tecet/ollm/internal/rpc"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow context events from the server",
		Args:  cobra.NoArgs,
		RunE:  runEventsCmd,
	}

	cmd.Flags().Bool("all", false, "show events of every session, not just the active one")
	cmd.Flags().StringSlice("type", nil, "only show these event types (repeatable)")
	return cmd
}

func runEventsCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	types, _ := cmd.Flags().GetStringSlice("type")

	client, err := dialServer(cmd.Context(), a.ServerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	request := map[string]any{}
	if !all && a.SessionID != "" {
		request["session_id"] = a.SessionID
	}
	if len(types) > 0 {
		list := make([]any, 0, len(types))
		for _, t := range types {
			list = append(list, t)
		}
		request["types"] = list
	}

	return client.Stream(cmd.Context(), rpc.MethodEvents, request, func(ev map[string]any) error {
		fmt.Println(formatContextEvent(ev))
		return nil
	})
}

func formatContextEvent(ev map[string]any) string {
	kind := event.Type(stringOf(ev, "type"))
	label := styleDim.Render(stringOf(ev, "time")) + " " + eventStyle(kind).Render(string(kind))

	var details []string
	switch kind {
	case event.MemoryWarning, event.ContextWarningLow:
		details = append(details, fmt.Sprintf("%.1f%%", numberOf(ev, "percentage")))
		if msg := stringOf(ev, "message"); msg != "" {
			details = append(details, msg)
		}
	case event.RolloverComplete:
		details = append(details, fmt.Sprintf("%.0f -> %.0f tokens", numberOf(ev, "original_tokens"), numberOf(ev, "compressed_tokens")))
	case event.SessionSaved:
		details = append(details, fmt.Sprintf("turn %.0f", numberOf(ev, "turn_number")))
	case event.ContextResized:
		details = append(details, fmt.Sprintf("%.0f tokens, %s", numberOf(ev, "max_tokens"), stringOf(ev, "tier")))
	case event.LowMemory:
		details = append(details, formatBytes(int64(numberOf(ev, "available")))+" of "+formatBytes(int64(numberOf(ev, "total"))))
	case event.AutoSummaryCreated:
		details = append(details, truncate(stringOf(ev, "summary"), 80))
	}

	if snap := mapOf(ev, "snapshot"); snap != nil {
		details = append(details, "snapshot "+stringOf(snap, "id"))
	}
	if msg := stringOf(ev, "error"); msg != "" {
		details = append(details, styleError.Render(msg))
	} else if reason := stringOf(ev, "reason"); reason != "" {
		details = append(details, reason)
	}

	out := label
	if session := stringOf(ev, "session_id"); session != "" {
		out += " " + styleDim.Render(session)
	}
	if len(details) > 0 {
		out += " " + strings.Join(details, " ")
	}
	return out
}

func eventStyle(kind event.Type) lipgloss.Style {
	switch kind {
	case event.SnapshotError, event.AutoSummaryFailed, event.LowMemory:
		return styleError
	case event.MemoryWarning, event.ContextWarningLow:
		return styleWarning
	case event.Compressed, event.RolloverComplete, event.AutoSummaryCreated, event.SnapshotCreated, event.SnapshotRestored:
		return styleSuccess
	default:
		return styleToolName
	}
}
