package oracle

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// Heuristic is the deterministic local oracle. It ranks actions by type
// compatibility with what the state already has available, scores programs
// structurally, and scores mutation strategies by the spec's shape. All
// randomness comes from the seeded source, so a fixed seed reproduces a
// run exactly.
type Heuristic struct {
	rng *rand.Rand
}

// NewHeuristic returns a heuristic oracle with a deterministic source.
func NewHeuristic(seed int64) *Heuristic {
	return &Heuristic{rng: rand.New(rand.NewSource(seed))}
}

var arithmeticNames = map[string]bool{"add": true, "sub": true, "mul": true, "div": true}

func (h *Heuristic) RankActions(_ context.Context, state program.State, actions []program.Action, lib *dsl.Library, task string, topK int) ([]ScoredAction, error) {
	scored := make([]ScoredAction, 0, len(actions))
	for _, action := range actions {
		scored = append(scored, ScoredAction{Action: action, Score: clamp01(h.scoreAction(state, action, lib, task))})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

func (h *Heuristic) scoreAction(state program.State, action program.Action, lib *dsl.Library, task string) float64 {
	score := 0.5
	switch action.Type {
	case program.ActionComplete:
		if len(state.BodyTokens) > 2 {
			score += 0.3
		}
	case program.ActionUseParam:
		score += 0.2
	case program.ActionCallFunction:
		if spec, ok := lib.Get(action.Value); ok {
			if spec.UsageCount > 0 {
				score += 0.1 * min1(spec.Fitness)
			}
			// Compatibility with already-available values: a call whose
			// first parameter can take one of the state's parameters.
			if len(spec.ParamTypes) > 0 && (spec.ParamTypes[0] == model.TypeInt || spec.ParamTypes[0] == model.TypeAny) {
				score += 0.1
			}
			if arithmeticNames[action.Value] {
				score += 0.1
			}
			if task != "" && strings.Contains(task, action.Value) {
				score += 0.2
			}
		}
	case program.ActionAddArgument:
		// Arguments from parameters keep the candidate general.
		for _, p := range state.Params {
			if action.Value == p {
				score += 0.15
				break
			}
		}
	}
	return score + h.rng.Float64()*0.1
}

func (h *Heuristic) ScoreProgram(_ context.Context, state program.State, task string, lib *dsl.Library) (float64, error) {
	body := state.BodyText()
	if body == "" {
		return 0, nil
	}

	score := 0.0
	if _, err := dsl.ParseBody(body); err == nil {
		score += 0.3
	}

	tokens := strings.Fields(body)
	refs := dsl.ReferencedFunctions(body)

	// Chain length: short compositions are elegant, single tokens trivial.
	switch {
	case len(refs) >= 1 && len(tokens) <= 8:
		score += 0.2
	case len(tokens) <= 12:
		score += 0.1
	}

	// Category diversity and terminal shape.
	categories := map[string]bool{}
	for _, ref := range refs {
		switch {
		case arithmeticNames[ref]:
			categories["arithmetic"] = true
		case ref == "eq" || ref == "lt" || ref == "gt":
			categories["comparison"] = true
		case ref == "if_then_else":
			categories["branching"] = true
		default:
			categories["composed"] = true
		}
	}
	if categories["arithmetic"] {
		score += 0.2
	}
	if categories["branching"] || containsToken(tokens, "if") {
		score += 0.2
	}
	if len(categories) >= 2 {
		score += 0.1
	}

	// Novelty: more than a bare parameter or literal echo.
	if len(tokens) > 1 || len(refs) > 0 {
		score += 0.2
	}
	return clamp01(score), nil
}

func (h *Heuristic) SuggestMutations(_ context.Context, spec model.FunctionSpec, lib *dsl.Library, topK int) ([]MutationSuggestion, error) {
	type scoredSuggestion struct {
		suggestion MutationSuggestion
		score      float64
	}
	scored := make([]scoredSuggestion, 0, len(Strategies))
	for _, strategy := range Strategies {
		scored = append(scored, scoredSuggestion{
			suggestion: MutationSuggestion{Strategy: strategy, Params: h.strategyParams(spec, strategy, lib)},
			score:      h.scoreStrategy(spec, strategy, lib) + h.rng.Float64()*0.1,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	out := make([]MutationSuggestion, len(scored))
	for i, s := range scored {
		out[i] = s.suggestion
	}
	return out, nil
}

var recursionFriendly = map[string]bool{"factorial": true, "fibonacci": true, "sum": true, "count": true}

func (h *Heuristic) scoreStrategy(spec model.FunctionSpec, strategy string, lib *dsl.Library) float64 {
	score := 0.5
	switch strategy {
	case StrategyGeneralizeParameters:
		if strings.ContainsAny(spec.Body, "0123456789") {
			score += 0.3
		}
	case StrategyCombineFunctions:
		compatible := 0
		for _, other := range lib.Snapshot() {
			if other.Name != spec.Name && len(other.Params) <= 2 {
				compatible++
			}
		}
		if compatible >= 2 {
			score += 0.4
		}
	case StrategyAddRecursion:
		base := strings.TrimSuffix(spec.Name, "_recursive")
		if recursionFriendly[taskRoot(base)] {
			score += 0.5
		} else if containsString(spec.Params, "n") {
			score += 0.2
		}
	case StrategyAddErrorHandling:
		if strings.Contains(spec.Body, "div") {
			score += 0.3
		}
	}
	return score
}

func (h *Heuristic) strategyParams(spec model.FunctionSpec, strategy string, lib *dsl.Library) map[string]string {
	switch strategy {
	case StrategyGeneralizeParameters:
		target := "0"
		if strings.Contains(spec.Body, "1") {
			target = "1"
		}
		return map[string]string{
			"new_param_name": newParamName(len(spec.Params)),
			"target_value":   target,
		}
	case StrategyCombineFunctions:
		var compatible []string
		for _, other := range lib.Snapshot() {
			if other.Name != spec.Name && len(other.Params) <= 2 {
				compatible = append(compatible, other.Name)
			}
		}
		if len(compatible) == 0 {
			return nil
		}
		kinds := []string{"compose", "parallel", "conditional"}
		return map[string]string{
			"combine_with":     compatible[h.rng.Intn(len(compatible))],
			"combination_type": kinds[h.rng.Intn(len(kinds))],
		}
	case StrategyAddRecursion:
		return map[string]string{
			"base_param": firstOr(spec.Params, "n"),
		}
	case StrategyAddErrorHandling:
		guard := firstOr(spec.Params, "x")
		if containsString(spec.Params, "y") {
			guard = "y"
		}
		return map[string]string{
			"error_param":    guard,
			"fallback_value": "0",
		}
	}
	return nil
}

func newParamName(existing int) string {
	return "param_" + string(rune('0'+existing%10))
}

func taskRoot(name string) string {
	if idx := strings.Index(name, "_"); idx > 0 {
		head := name[:idx]
		if recursionFriendly[head] {
			return head
		}
	}
	for key := range recursionFriendly {
		if strings.Contains(name, key) {
			return key
		}
	}
	return name
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func containsToken(tokens []string, want string) bool {
	for _, tok := range tokens {
		if tok == want {
			return true
		}
	}
	return false
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
