// Package oracle defines the policy/value collaborator consulted by both
// searches, a deterministic local implementation, and the caching/retrying
// adapter that shields callers from external failures.
package oracle

import (
	"context"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// ScoredAction pairs a construction action with its policy score in [0,1].
type ScoredAction struct {
	Action program.Action
	Score  float64
}

// MutationSuggestion names a mutation strategy with its parameter map.
type MutationSuggestion struct {
	Strategy string            `json:"strategy"`
	Params   map[string]string `json:"params,omitempty"`
}

// Mutation strategy vocabulary shared with the evolution engine.
const (
	StrategyGeneralizeParameters = "generalize_parameters"
	StrategyCombineFunctions     = "combine_functions"
	StrategyAddRecursion         = "add_recursion"
	StrategyAddErrorHandling     = "add_error_handling"
)

// Strategies lists the known mutation strategies in a stable order.
var Strategies = []string{
	StrategyGeneralizeParameters,
	StrategyCombineFunctions,
	StrategyAddRecursion,
	StrategyAddErrorHandling,
}

// Oracle ranks candidate actions, scores programs, and proposes mutations.
// Implementations may be slow, rate limited, or failing; callers go through
// the Adapter, which retries and falls back locally.
type Oracle interface {
	// RankActions orders legal actions by promise for the target task,
	// truncated to topK. Scores are in [0,1].
	RankActions(ctx context.Context, state program.State, actions []program.Action, lib *dsl.Library, task string, topK int) ([]ScoredAction, error)

	// ScoreProgram scores a candidate program in [0,1] for the target task.
	ScoreProgram(ctx context.Context, state program.State, task string, lib *dsl.Library) (float64, error)

	// SuggestMutations proposes up to topK mutation strategies for a spec.
	SuggestMutations(ctx context.Context, spec model.FunctionSpec, lib *dsl.Library, topK int) ([]MutationSuggestion, error)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
