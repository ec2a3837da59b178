package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/resource"
	"github.com/tecet/ollm/internal/rpc"
	"github.com/tecet/ollm/internal/tier"
)

type memoryReport struct {
	Source      string
	Total       int64
	Used        int64
	Available   int64
	ForContext  int64
	Tokens      int
	Tier        string
	ModelLoaded bool
	FromServer  bool
}

func newMemoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memory",
		Short: "Show GPU or host memory and the context size it allows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			report, ok := serverMemory(cmd.Context(), a.ServerAddr)
			if !ok {
				report = localMemory(cmd.Context(), a.Config)
			}
			printMemoryReport(report)
			return nil
		},
	}
}

func serverMemory(ctx context.Context, serverAddr string) (memoryReport, bool) {
	client, err := rpc.Dial(serverAddr)
	if err != nil {
		return memoryReport{}, false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := client.Call(ctx, rpc.MethodMemory, nil)
	if err != nil {
		return memoryReport{}, false
	}

	loaded, _ := reply["model_loaded"].(bool)
	return memoryReport{
		Source:      stringOf(reply, "source"),
		Total:       int64(numberOf(reply, "total")),
		Used:        int64(numberOf(reply, "used")),
		Available:   int64(numberOf(reply, "available")),
		ForContext:  int64(numberOf(reply, "available_for_context")),
		Tokens:      int(numberOf(reply, "tokens_for_context")),
		Tier:        stringOf(reply, "tier"),
		ModelLoaded: loaded,
		FromServer:  true,
	}, true
}

// localMemory probes this machine directly when no server is running.
func localMemory(ctx context.Context, cfg config.Config) memoryReport {
	gpu, host := resource.DetectProbers()
	monitor := resource.NewMonitor(resource.Options{
		GPU:      gpu,
		Host:     host,
		Reserved: cfg.Context.VRAMBuffer,
	})

	info := monitor.Info(ctx)
	forContext := monitor.AvailableForContext(ctx)
	tokens := resource.TokensForBytes(forContext, cfg.Context.BytesPerToken)

	return memoryReport{
		Source:     info.Source,
		Total:      info.Total,
		Used:       info.Used,
		Available:  info.Available,
		ForContext: forContext,
		Tokens:     tokens,
		Tier:       tier.ForTokens(cfg.Context.Clamp(tokens)).Name,
	}
}

func printMemoryReport(r memoryReport) {
	source := r.Source
	if source == "" {
		source = "unknown"
	}
	if !r.FromServer {
		source += styleDim.Render(" (local probe)")
	}

	fmt.Println(field("source", source))
	fmt.Println(field("total", formatBytes(r.Total)))
	fmt.Println(field("used", formatBytes(r.Used)))
	fmt.Println(field("available", formatBytes(r.Available)))
	fmt.Println(field("for context", formatBytes(r.ForContext)))
	fmt.Println(field("tokens", fmt.Sprintf("%d", r.Tokens)))
	fmt.Println(field("tier", styleToolName.Render(r.Tier)))
	if r.FromServer {
		loaded := styleDim.Render("no")
		if r.ModelLoaded {
			loaded = styleSuccess.Render("yes")
		}
		fmt.Println(field("model loaded", loaded))
	}
}
