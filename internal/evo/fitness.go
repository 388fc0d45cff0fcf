package evo

import (
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
)

// sampleArgs are the inputs every candidate is exercised on. Small mixed
// values: one zero to probe guards, one pair large enough to drive a few
// recursive steps without blowing the eval depth limit.
var sampleArgs = [][]any{
	{1, 2},
	{0, 1},
	{5, 3},
}

// EvaluateFitness scores a candidate spec in [0,1]: partial credit for
// each sample input it evaluates without error, plus structural bonuses
// for novelty, size, branching, and recognized robustness patterns.
func EvaluateFitness(spec model.FunctionSpec, lib *dsl.Library) float64 {
	score := 0.0

	// Evaluate against a scratch copy of the library so recursive and
	// freshly named candidates resolve without committing them.
	scratch := dsl.NewLibrary()
	for _, existing := range lib.Snapshot() {
		if err := scratch.AddFunction(existing); err != nil {
			continue
		}
	}
	if err := scratch.AddFunction(spec); err == nil {
		for _, sample := range sampleArgs {
			args := make([]any, len(spec.Params))
			for i := range args {
				if i < len(sample) {
					args[i] = sample[i]
				} else {
					args[i] = 1
				}
			}
			if _, evalErr := scratch.Call(spec.Name, args); evalErr == nil {
				score += 0.1
			}
		}
	}

	if !lib.Contains(spec.Name) {
		score += 0.2
	}
	tokens := spec.BodyTokens()
	if len(tokens) > 5 {
		score += 0.1
	}
	if strings.Contains(spec.Body, "if_then_else") {
		score += 0.2
	}
	if strings.HasSuffix(spec.Name, "_safe") {
		score += 0.15
	}
	if strings.HasSuffix(spec.Name, "_recursive") {
		score += 0.15
	}
	if strings.Contains(spec.Name, "generalized") {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
