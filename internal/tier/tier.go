// Package tier maps a context ceiling to the compression policy that suits it.
package tier

import (
	"fmt"
	"math"

	"github.com/tecet/ollm/internal/core"
)

// Tier orders context sizes from smallest to largest.
type Tier int

const (
	Minimal Tier = iota + 1
	Basic
	Standard
	Premium
	Ultra
)

func (t Tier) String() string {
	switch t {
	case Minimal:
		return "minimal"
	case Basic:
		return "basic"
	case Standard:
		return "standard"
	case Premium:
		return "premium"
	case Ultra:
		return "ultra"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Descriptor is the policy attached to a tier. MinTokens and MaxTokens bound
// the ceilings that map to it, inclusive.
type Descriptor struct {
	Tier              Tier          `json:"tier"`
	Name              string        `json:"name"`
	Strategy          core.Strategy `json:"strategy"`
	UtilizationTarget float64       `json:"utilization_target"`
	MaxCheckpoints    int           `json:"max_checkpoints"`
	MinTokens         int           `json:"min_tokens"`
	MaxTokens         int           `json:"max_tokens"`
}

var descriptors = []Descriptor{
	{Tier: Minimal, Name: "minimal", Strategy: core.StrategyRollover, UtilizationTarget: 0.90, MaxCheckpoints: 0, MinTokens: 0, MaxTokens: 4096},
	{Tier: Basic, Name: "basic", Strategy: core.StrategyCheckpoint, UtilizationTarget: 0.85, MaxCheckpoints: 1, MinTokens: 4097, MaxTokens: 8192},
	{Tier: Standard, Name: "standard", Strategy: core.StrategyCheckpoint, UtilizationTarget: 0.80, MaxCheckpoints: 3, MinTokens: 8193, MaxTokens: 32768},
	{Tier: Premium, Name: "premium", Strategy: core.StrategyHybrid, UtilizationTarget: 0.75, MaxCheckpoints: 5, MinTokens: 32769, MaxTokens: 65536},
	{Tier: Ultra, Name: "ultra", Strategy: core.StrategyHybrid, UtilizationTarget: 0.70, MaxCheckpoints: 10, MinTokens: 65537, MaxTokens: math.MaxInt},
}

// ForTokens returns the descriptor for a context ceiling. Every int maps to
// exactly one tier; non-positive ceilings fall into the smallest.
func ForTokens(maxTokens int) Descriptor {
	for _, d := range descriptors {
		if maxTokens <= d.MaxTokens {
			return d
		}
	}
	return descriptors[len(descriptors)-1]
}

// All lists every tier, smallest first.
func All() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}

// Aggressiveness ranks strategies; higher discards more history.
func Aggressiveness(strategy core.Strategy) int {
	switch strategy {
	case core.StrategyRollover:
		return 3
	case core.StrategyCheckpoint:
		return 2
	case core.StrategyHybrid:
		return 1
	default:
		return 0
	}
}
