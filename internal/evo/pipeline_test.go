package evo

import (
	"context"
	"strings"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/mcts"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// Runs the search half against the nine standard primitives and feeds its
// completed programs into a short refinement run, checking the hand-off
// end to end: the tree search yields composing programs, the recursion
// operator then introduces the self-call the search itself never offers.
func TestSearchSeededRefinement(t *testing.T) {
	ctx := context.Background()
	lib := dsl.NewStandardLibrary()

	searcher, err := mcts.NewEngine(mcts.Config{Iterations: 20, Seed: 11}, lib, oracle.NewHeuristic(11), nil)
	if err != nil {
		t.Fatalf("mcts.NewEngine: %v", err)
	}
	found, err := searcher.Search(ctx, "compute factorial of n", mcts.Target{
		FunctionName: "factorial",
		Params:       []string{"n"},
		ReturnType:   model.TypeAny,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("search produced no completed programs")
	}
	composed := false
	states := make([]program.State, 0, len(found))
	for _, cp := range found {
		if len(dsl.ReferencedFunctions(cp.State.BodyText())) > 0 {
			composed = true
		}
		states = append(states, cp.State)
	}
	if !composed {
		t.Fatal("no completed program references a library function")
	}

	eng, err := NewEngine(Config{PopulationSize: 5, Generations: 3, Seed: 11}, lib, oracle.NewHeuristic(11), events.NopEmitter{}, "pipeline-run")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := eng.SeedPopulation(states); got == 0 {
		t.Fatal("no search output seeded the population")
	}

	final, err := eng.Evolve(ctx, "compute factorial of n")
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if len(final) == 0 || len(final) > 5 {
		t.Fatalf("final population size = %d, want 1..5", len(final))
	}
	recursive := false
	for i, cand := range final {
		if cand.Spec.Fitness < 0 || cand.Spec.Fitness > 1 {
			t.Fatalf("candidate %s fitness %v out of [0,1]", cand.Spec.Name, cand.Spec.Fitness)
		}
		if i > 0 && cand.Spec.Fitness > final[i-1].Spec.Fitness {
			t.Fatal("final population not sorted best first")
		}
		if strings.Contains(cand.Spec.Body, cand.Spec.Name+" (") {
			recursive = true
		}
	}
	if !recursive {
		t.Fatal("refinement never introduced a self-calling candidate")
	}
}
