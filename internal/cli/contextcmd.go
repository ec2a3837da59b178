package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/rpc"
)

func newContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect and manage the active session's context window",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show token usage, tier and compression history",
		Args:  cobra.NoArgs,
		RunE:  runContextUsageCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "compress",
		Short: "Compress the context now",
		Args:  cobra.NoArgs,
		RunE:  runContextCompressCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resize <tokens>",
		Short: "Change the context ceiling",
		Args:  cobra.ExactArgs(1),
		RunE:  runContextResizeCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Save a snapshot of the context",
		Args:  cobra.NoArgs,
		RunE:  runContextSnapshotCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Replace the context with a saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runContextRestoreCmd,
	})

	return cmd
}

// callSession runs one rpc against the active session.
func callSession(cmd *cobra.Command, method string, request map[string]any) (*App, map[string]any, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	sessionID, err := a.requireSession()
	if err != nil {
		return nil, nil, err
	}

	client, err := dialServer(cmd.Context(), a.ServerAddr)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()

	if request == nil {
		request = map[string]any{}
	}
	request["session_id"] = sessionID

	reply, err := client.Call(cmd.Context(), method, request)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", strings.ToLower(method), err)
	}
	return a, reply, nil
}

func runContextUsageCmd(cmd *cobra.Command, _ []string) error {
	a, reply, err := callSession(cmd, rpc.MethodUsage, nil)
	if err != nil {
		return err
	}

	printUsage(reply, a.Config.Context.WarningThreshold, a.Config.Context.Compression.Threshold)

	history, _ := reply["compression_history"].([]any)
	if len(history) == 0 {
		return nil
	}

	fmt.Println()
	t := newTable("WHEN", "STRATEGY", "BEFORE", "AFTER", "RATIO")
	for _, entry := range history {
		ev, _ := entry.(map[string]any)
		t.Row(stringOf(ev, "timestamp"),
			stringOf(ev, "strategy"),
			fmt.Sprintf("%.0f", numberOf(ev, "original_tokens")),
			fmt.Sprintf("%.0f", numberOf(ev, "compressed_tokens")),
			fmt.Sprintf("%.2f", numberOf(ev, "ratio")))
	}
	fmt.Println(t.Render())
	return nil
}

func runContextCompressCmd(cmd *cobra.Command, _ []string) error {
	_, reply, err := callSession(cmd, rpc.MethodCompress, nil)
	if err != nil {
		return err
	}

	ev := mapOf(reply, "compression")
	fmt.Println(styleSuccess.Render("compressed") + " " + fmt.Sprintf("%s: %.0f -> %.0f tokens",
		stringOf(ev, "strategy"), numberOf(ev, "original_tokens"), numberOf(ev, "compressed_tokens")))
	return nil
}

func runContextResizeCmd(cmd *cobra.Command, args []string) error {
	tokens, err := strconv.Atoi(args[0])
	if err != nil || tokens <= 0 {
		return fmt.Errorf("invalid token count %q", args[0])
	}

	a, reply, err := callSession(cmd, rpc.MethodResize, map[string]any{"max_tokens": tokens})
	if err != nil {
		return err
	}

	printUsage(reply, a.Config.Context.WarningThreshold, a.Config.Context.Compression.Threshold)
	return nil
}

func runContextSnapshotCmd(cmd *cobra.Command, _ []string) error {
	_, reply, err := callSession(cmd, rpc.MethodCreateSnapshot, nil)
	if err != nil {
		return err
	}

	fmt.Println(styleSuccess.Render("saved snapshot") + " " + styleToolName.Render(stringOf(reply, "id")) +
		styleDim.Render(fmt.Sprintf(" (%.0f messages, %.0f tokens)", numberOf(reply, "message_count"), numberOf(reply, "token_count"))))
	return nil
}

func runContextRestoreCmd(cmd *cobra.Command, args []string) error {
	a, reply, err := callSession(cmd, rpc.MethodRestoreSnapshot, map[string]any{"snapshot_id": args[0]})
	if err != nil {
		return err
	}

	fmt.Println(styleSuccess.Render("restored snapshot") + " " + styleToolName.Render(args[0]))
	printUsage(reply, a.Config.Context.WarningThreshold, a.Config.Context.Compression.Threshold)
	return nil
}

func printUsage(reply map[string]any, warning, compression float64) {
	usage := mapOf(reply, "usage")
	descriptor := mapOf(reply, "tier")
	percentage := numberOf(usage, "percentage")

	fmt.Println(field("session", stringOf(reply, "session_id")))
	fmt.Println(field("state", stringOf(reply, "state")))
	fmt.Println(field("tokens", fmt.Sprintf("%.0f / %.0f ", numberOf(usage, "current_tokens"), numberOf(usage, "max_tokens"))+
		percentStyle(percentage, warning, compression).Render(fmt.Sprintf("%.1f%%", percentage))))
	fmt.Println(field("messages", fmt.Sprintf("%.0f", numberOf(reply, "message_count"))))
	fmt.Println(field("tier", styleToolName.Render(stringOf(descriptor, "name"))+
		styleDim.Render(" "+stringOf(descriptor, "strategy"))))
	fmt.Println(field("compressions", fmt.Sprintf("%.0f", numberOf(reply, "compression_count"))))
}
