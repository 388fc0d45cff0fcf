package bootstrap

import (
	"github.com/allthingssecurity/evoldsl/internal/evo"
	"github.com/allthingssecurity/evoldsl/internal/model"
)

// filterCandidates applies the integration gate to an evolved population:
// fitness above the threshold, a name the library does not already hold,
// and a body that is not a near-duplicate of any committed evolved
// function. At most MaxNewPerCycle survivors pass, best first.
func (o *Orchestrator) filterCandidates(candidates []evo.Candidate) []evo.Candidate {
	committed := make([]model.FunctionSpec, 0)
	for _, spec := range o.lib.Snapshot() {
		if !spec.IsPrimitive() {
			committed = append(committed, spec)
		}
	}

	var accepted []evo.Candidate
	seen := make(map[string]struct{})
	for _, cand := range candidates {
		if len(accepted) >= o.cfg.MaxNewPerCycle {
			break
		}
		if cand.Spec.Fitness <= o.cfg.IntegrationThreshold {
			continue
		}
		if o.lib.Contains(cand.Spec.Name) {
			continue
		}
		if _, dup := seen[cand.Spec.Name]; dup {
			continue
		}
		if o.tooSimilar(cand.Spec, committed) || o.tooSimilarToAccepted(cand.Spec, accepted) {
			continue
		}
		seen[cand.Spec.Name] = struct{}{}
		accepted = append(accepted, cand)
	}
	return accepted
}

func (o *Orchestrator) tooSimilar(spec model.FunctionSpec, committed []model.FunctionSpec) bool {
	for _, existing := range committed {
		if jaccard(spec.BodyTokens(), existing.BodyTokens()) >= o.cfg.OverlapLimit {
			return true
		}
	}
	return false
}

func (o *Orchestrator) tooSimilarToAccepted(spec model.FunctionSpec, accepted []evo.Candidate) bool {
	for _, cand := range accepted {
		if jaccard(spec.BodyTokens(), cand.Spec.BodyTokens()) >= o.cfg.OverlapLimit {
			return true
		}
	}
	return false
}

// jaccard computes set overlap of two token slices. Two empty bodies count
// as identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
