package evo

import (
	"context"
	"errors"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

func seedStates() []program.State {
	mk := func(name string, tokens ...string) program.State {
		return program.State{
			FunctionName: name,
			Params:       []string{"n"},
			ReturnType:   model.TypeAny,
			BodyTokens:   tokens,
			Complete:     true,
		}
	}
	return []program.State{
		mk("wrap_n", "identity(", "n)"),
		mk("just_one", "1"),
		mk("use_n", "n"),
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, dsl.NewStandardLibrary(), oracle.NewHeuristic(7), events.NopEmitter{}, "test-run")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestSeedPopulationSkipsIncomplete(t *testing.T) {
	eng := newTestEngine(t, Config{PopulationSize: 10, Generations: 1, Seed: 1})
	states := seedStates()
	states = append(states, program.State{FunctionName: "partial", Params: []string{"n"}, BodyTokens: []string{"mul("}})
	if got := eng.SeedPopulation(states); got != 3 {
		t.Fatalf("SeedPopulation = %d, want 3", got)
	}
}

func TestEvolvePopulationNeverExceedsCap(t *testing.T) {
	eng := newTestEngine(t, Config{PopulationSize: 4, Generations: 3, Seed: 1})
	eng.SeedPopulation(seedStates())
	final, err := eng.Evolve(context.Background(), "double a number")
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if len(final) > 4 {
		t.Fatalf("population = %d, exceeds cap 4", len(final))
	}
	if len(final) == 0 {
		t.Fatal("population is empty after evolution")
	}
}

func TestEvolveBestFitnessNeverRegresses(t *testing.T) {
	eng := newTestEngine(t, Config{PopulationSize: 8, Generations: 1, Seed: 3})
	eng.SeedPopulation(seedStates())

	best := func(pop []Candidate) float64 {
		top := 0.0
		for _, c := range pop {
			if c.Spec.Fitness > top {
				top = c.Spec.Fitness
			}
		}
		return top
	}
	prev := best(eng.Population())
	for i := 0; i < 4; i++ {
		pop, err := eng.Evolve(context.Background(), "compute with n")
		if err != nil {
			t.Fatalf("Evolve: %v", err)
		}
		cur := best(pop)
		if cur < prev {
			t.Fatalf("generation %d: best fitness regressed %.3f -> %.3f", i+1, prev, cur)
		}
		prev = cur
	}
}

func TestEvolveRunsCheckpointEveryGeneration(t *testing.T) {
	calls := 0
	eng := newTestEngine(t, Config{
		PopulationSize: 4,
		Generations:    3,
		Seed:           1,
		Checkpoint: func(context.Context) error {
			calls++
			return nil
		},
	})
	eng.SeedPopulation(seedStates())
	if _, err := eng.Evolve(context.Background(), "double a number"); err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if calls != 3 {
		t.Fatalf("checkpoint ran %d times, want 3", calls)
	}
}

func TestEvolveAbortsOnCheckpointError(t *testing.T) {
	stop := errors.New("stop")
	eng := newTestEngine(t, Config{
		PopulationSize: 4,
		Generations:    5,
		Seed:           1,
		Checkpoint:     func(context.Context) error { return stop },
	})
	eng.SeedPopulation(seedStates())
	if _, err := eng.Evolve(context.Background(), "anything"); !errors.Is(err, stop) {
		t.Fatalf("Evolve = %v, want checkpoint error", err)
	}
}

func TestSelectSurvivorsKeepsBestWithTinyPopulation(t *testing.T) {
	eng := newTestEngine(t, Config{PopulationSize: 1, Generations: 1, Seed: 1})
	pool := []Candidate{
		{ID: "weak", Spec: model.FunctionSpec{Name: "weak", Fitness: 0.1}},
		{ID: "best", Spec: model.FunctionSpec{Name: "best", Fitness: 0.9}},
		{ID: "mid", Spec: model.FunctionSpec{Name: "mid", Fitness: 0.5}},
	}
	survivors := eng.selectSurvivors(pool)
	if len(survivors) != 1 {
		t.Fatalf("survivors = %d, want 1", len(survivors))
	}
	if survivors[0].Spec.Name != "best" {
		t.Fatalf("survivor = %s, want best", survivors[0].Spec.Name)
	}
}

func TestEvolveHonorsContextCancellation(t *testing.T) {
	eng := newTestEngine(t, Config{PopulationSize: 4, Generations: 5, Seed: 1})
	eng.SeedPopulation(seedStates())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Evolve(ctx, "anything"); err == nil {
		t.Fatal("Evolve on cancelled context returned nil error")
	}
}

func TestEvolveEmitsGenerationEvents(t *testing.T) {
	emitter := events.NewChannelEmitter(16)
	eng, err := NewEngine(Config{PopulationSize: 4, Generations: 2, Seed: 1},
		dsl.NewStandardLibrary(), oracle.NewHeuristic(7), emitter, "run-42")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	eng.SeedPopulation(seedStates())
	if _, err := eng.Evolve(context.Background(), "task"); err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	emitter.Close()

	var got int
	for ev := range emitter.Events() {
		if ev.Kind != events.KindEvolutionGeneration {
			t.Fatalf("unexpected event kind %q", ev.Kind)
		}
		if ev.Evolution == nil || ev.RunID != "run-42" {
			t.Fatalf("malformed event: %+v", ev)
		}
		got++
	}
	if got != 2 {
		t.Fatalf("emitted %d generation events, want 2", got)
	}
}

func TestProgramToSpecRejectsBadBodies(t *testing.T) {
	incomplete := program.State{FunctionName: "f", Params: []string{"n"}, BodyTokens: []string{"mul("}}
	if _, err := ProgramToSpec(incomplete, "f"); err == nil {
		t.Fatal("incomplete state converted")
	}
	trailing := program.State{FunctionName: "g", Params: []string{"n"}, BodyTokens: []string{"add(", "n)", ", 1"}, Complete: true}
	if _, err := ProgramToSpec(trailing, "g"); err == nil {
		t.Fatal("body with trailing tokens converted")
	}
}

func TestEvaluateFitnessBounds(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	specs := []model.FunctionSpec{
		{Name: "ok", Params: []string{"n"}, ReturnType: model.TypeAny, Body: "mul ( n , 2 )"},
		{Name: "nested_safe", Params: []string{"n"}, ReturnType: model.TypeAny,
			Body: "if_then_else ( eq ( n , 0 ) , 0 , div ( 10 , n ) )"},
		{Name: "broken", Params: []string{"n"}, ReturnType: model.TypeAny, Body: "missing_fn ( n )"},
	}
	for _, spec := range specs {
		f := EvaluateFitness(spec, lib)
		if f < 0 || f > 1 {
			t.Fatalf("%s: fitness %.3f outside [0,1]", spec.Name, f)
		}
	}
	rich := EvaluateFitness(specs[1], lib)
	broken := EvaluateFitness(specs[2], lib)
	if rich <= broken {
		t.Fatalf("guarded spec scored %.3f, broken spec %.3f", rich, broken)
	}
}
