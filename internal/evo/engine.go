package evo

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// Config holds the evolution parameters.
type Config struct {
	PopulationSize int // hard population cap (default 20)
	Generations    int // generation budget (default 5)
	MutationTopK   int // oracle suggestion truncation (default 2)
	Seed           int64

	// Checkpoint, when set, runs at the start of every generation. A
	// non-nil error aborts the evolution with the population so far.
	Checkpoint func(ctx context.Context) error
}

func (c *Config) applyDefaults() {
	if c.PopulationSize <= 0 {
		c.PopulationSize = 20
	}
	if c.Generations <= 0 {
		c.Generations = 5
	}
	if c.MutationTopK <= 0 {
		c.MutationTopK = 2
	}
}

// Engine refines a population of function candidates against a library.
// The library is read, never written; committing winners is the
// orchestrator's job.
type Engine struct {
	cfg        Config
	lib        *dsl.Library
	oracle     oracle.Oracle
	emitter    events.Emitter
	rng        *rand.Rand
	runID      string
	population []Candidate
	generation int
}

// NewEngine validates the configuration and returns an engine with an
// empty population.
func NewEngine(cfg Config, lib *dsl.Library, orc oracle.Oracle, emitter events.Emitter, runID string) (*Engine, error) {
	if lib == nil {
		return nil, fmt.Errorf("evo: library is required")
	}
	if orc == nil {
		return nil, fmt.Errorf("evo: oracle is required")
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		lib:     lib,
		oracle:  orc,
		emitter: emitter,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		runID:   runID,
	}, nil
}

// SeedPopulation converts completed program states into generation-zero
// candidates. States that do not convert are skipped. The population is
// replaced, not appended to.
func (e *Engine) SeedPopulation(states []program.State) int {
	e.population = e.population[:0]
	e.generation = 0
	for _, state := range states {
		spec, err := ProgramToSpec(state, state.FunctionName)
		if err != nil {
			continue
		}
		spec.Fitness = EvaluateFitness(spec, e.lib)
		e.population = append(e.population, newCandidate(spec, []program.State{state}, 0, nil))
		if len(e.population) >= e.cfg.PopulationSize {
			break
		}
	}
	return len(e.population)
}

// Population returns the current candidates, best first.
func (e *Engine) Population() []Candidate {
	out := append([]Candidate(nil), e.population...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Spec.Fitness > out[j].Spec.Fitness })
	return out
}

// Evolve runs the configured number of generations: mutate every
// candidate via oracle suggestions, score the offspring, select
// survivors. Returns the final population, best first.
func (e *Engine) Evolve(ctx context.Context, task string) ([]Candidate, error) {
	for g := 0; g < e.cfg.Generations; g++ {
		if err := ctx.Err(); err != nil {
			return e.Population(), err
		}
		if e.cfg.Checkpoint != nil {
			if err := e.cfg.Checkpoint(ctx); err != nil {
				return e.Population(), err
			}
		}
		e.generation++

		offspring := e.mutateAll(ctx)
		pool := append(append([]Candidate(nil), e.population...), offspring...)
		for i := range pool {
			if pool[i].Spec.Fitness == 0 {
				pool[i].Spec.Fitness = EvaluateFitness(pool[i].Spec, e.lib)
			}
		}
		e.population = e.selectSurvivors(pool)
		e.emitGeneration(task)
	}
	return e.Population(), nil
}

// mutateAll asks the oracle for strategies per candidate and applies the
// matching operators. Inapplicable mutations are skipped, never fatal.
func (e *Engine) mutateAll(ctx context.Context) []Candidate {
	var offspring []Candidate
	for _, cand := range e.population {
		suggestions, err := e.oracle.SuggestMutations(ctx, cand.Spec, e.lib, e.cfg.MutationTopK)
		if err != nil {
			continue
		}
		for _, sug := range suggestions {
			op, err := OperatorFor(sug.Strategy)
			if err != nil {
				continue
			}
			mutated, err := op.Apply(cand.Spec, e.lib, sug.Params)
			if err != nil {
				continue
			}
			offspring = append(offspring, newCandidate(mutated, cand.Sources, e.generation, []string{cand.ID}))
		}
	}
	return offspring
}

// selectSurvivors keeps the deterministic top half by fitness and fills
// the remaining slots with a random sample of the rest, capped at the
// population size.
func (e *Engine) selectSurvivors(pool []Candidate) []Candidate {
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Spec.Fitness > pool[j].Spec.Fitness })
	if len(pool) <= e.cfg.PopulationSize {
		return pool
	}
	elite := e.cfg.PopulationSize / 2
	if elite == 0 {
		elite = 1
	}
	survivors := append([]Candidate(nil), pool[:elite]...)
	rest := append([]Candidate(nil), pool[elite:]...)
	e.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	survivors = append(survivors, rest[:e.cfg.PopulationSize-elite]...)
	return survivors
}

func (e *Engine) emitGeneration(task string) {
	best, sum := 0.0, 0.0
	snaps := make([]events.CandidateSnapshot, 0, len(e.population))
	for _, cand := range e.population {
		if cand.Spec.Fitness > best {
			best = cand.Spec.Fitness
		}
		sum += cand.Spec.Fitness
		snaps = append(snaps, events.CandidateSnapshot{
			ID:         cand.ID,
			Name:       cand.Spec.Name,
			Fitness:    cand.Spec.Fitness,
			Generation: cand.Generation,
		})
	}
	avg := 0.0
	if len(e.population) > 0 {
		avg = sum / float64(len(e.population))
	}
	e.emitter.Emit(events.Event{
		Kind:      events.KindEvolutionGeneration,
		RunID:     e.runID,
		Timestamp: time.Now().UTC(),
		Evolution: &events.EvolutionGeneration{
			Task:        task,
			Generation:  e.generation,
			BestFitness: best,
			AvgFitness:  avg,
			Population:  snaps,
		},
	})
}
