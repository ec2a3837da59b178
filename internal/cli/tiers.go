package cli

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/tier"
)

func newTiersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "List context tiers and their compression policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			size, _ := cmd.Flags().GetInt("size")
			if size <= 0 {
				size = a.Config.Context.InitialSize()
			}

			fmt.Println(renderTiers(size))
			return nil
		},
	}

	cmd.Flags().Int("size", 0, "highlight the tier for this context size (default: configured size)")
	return cmd
}

func renderTiers(size int) string {
	current := tier.ForTokens(size)
	t := newTable("", "TIER", "TOKENS", "STRATEGY", "TARGET", "CHECKPOINTS")

	for _, d := range tier.All() {
		marker := " "
		name := d.Name
		if d.Tier == current.Tier {
			marker = styleActive.Render("*")
			name = styleActive.Render(name)
		}

		t.Row(marker, name, tokenRange(d),
			string(d.Strategy),
			fmt.Sprintf("%.0f%%", d.UtilizationTarget*100),
			fmt.Sprintf("%d", d.MaxCheckpoints))
	}

	return t.Render()
}

func tokenRange(d tier.Descriptor) string {
	if d.MaxTokens == math.MaxInt {
		return fmt.Sprintf("> %d", d.MinTokens-1)
	}
	if d.MinTokens <= 0 {
		return fmt.Sprintf("<= %d", d.MaxTokens)
	}
	return fmt.Sprintf("%d-%d", d.MinTokens, d.MaxTokens)
}
