package mcts

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// Config holds the search parameters.
type Config struct {
	Iterations      int     // iteration budget (default 100)
	Exploration     float64 // UCB1 constant C (default √2)
	RolloutDepth    int     // max rollout action applications (default 5)
	RolloutDiscount float64 // reward discount for capped rollouts (default 0.8)
	RewardThreshold float64 // minimum reward for a program to be kept (default 0.5)
	MaxPrograms     int     // result truncation (default 10)
	TopK            int     // oracle ranking truncation (default 3)
	Seed            int64

	// Checkpoint, when set, runs before every iteration. A non-nil error
	// aborts the search.
	Checkpoint func(ctx context.Context) error
}

func (c *Config) applyDefaults() {
	if c.Iterations <= 0 {
		c.Iterations = 100
	}
	if c.Exploration <= 0 {
		c.Exploration = math.Sqrt2
	}
	if c.RolloutDepth <= 0 {
		c.RolloutDepth = 5
	}
	if c.RolloutDiscount <= 0 || c.RolloutDiscount > 1 {
		c.RolloutDiscount = 0.8
	}
	if c.RewardThreshold <= 0 {
		c.RewardThreshold = 0.5
	}
	if c.MaxPrograms <= 0 {
		c.MaxPrograms = 10
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
}

// Target names the function under construction.
type Target struct {
	FunctionName string
	Params       []string
	ReturnType   model.TypeTag
}

// CompletedProgram is one finished candidate with its reward.
type CompletedProgram struct {
	State  program.State
	Reward float64
}

// Engine runs iterations of selection, expansion, simulation, and
// backpropagation over a fresh tree per search. The tree is discarded when
// the search returns; its durable output is the completed program set.
type Engine struct {
	cfg     Config
	lib     *dsl.Library
	oracle  oracle.Oracle
	emitter events.Emitter
	rng     *rand.Rand
	runID   string
}

// NewEngine validates the configuration and builds a search engine.
func NewEngine(cfg Config, lib *dsl.Library, orc oracle.Oracle, emitter events.Emitter) (*Engine, error) {
	if lib == nil {
		return nil, fmt.Errorf("library is required")
	}
	if orc == nil {
		return nil, fmt.Errorf("oracle is required")
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
	}, nil
}

// SetRunID tags emitted events with a run identifier.
func (e *Engine) SetRunID(id string) {
	e.runID = id
}

// Search runs the iteration budget against the target task and returns the
// distinct completed programs whose reward cleared the threshold, best
// first. Cancellation is honored between iterations.
func (e *Engine) Search(ctx context.Context, task string, target Target) ([]CompletedProgram, error) {
	if target.FunctionName == "" {
		return nil, fmt.Errorf("target function name is required")
	}
	if target.ReturnType == "" {
		target.ReturnType = model.TypeAny
	}

	t := newTree(program.NewState(target.FunctionName, target.Params, target.ReturnType))
	found := make(map[string]CompletedProgram)

	for i := 0; i < e.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.cfg.Checkpoint != nil {
			if err := e.cfg.Checkpoint(ctx); err != nil {
				return nil, err
			}
		}

		idx := e.selectNode(t)
		if !t.nodes[idx].state.Complete && !t.fullyExpanded(idx) {
			idx = e.expand(ctx, t, idx, task)
		}
		reward := e.simulate(ctx, t.nodes[idx].state, task)
		t.backpropagate(idx, reward)

		if st := t.nodes[idx].state; st.Complete && reward > e.cfg.RewardThreshold {
			key := st.CacheKey()
			if prev, ok := found[key]; !ok || reward > prev.Reward {
				found[key] = CompletedProgram{State: st.Clone(), Reward: reward}
			}
		}

		e.emitter.Emit(events.Event{
			Kind:      events.KindMCTSIteration,
			RunID:     e.runID,
			Timestamp: time.Now().UTC(),
			MCTS: &events.MCTSIteration{
				Task:      task,
				Iteration: i,
				Reward:    reward,
				Tree:      t.snapshot(e.cfg.Exploration),
			},
		})
	}

	results := make([]CompletedProgram, 0, len(found))
	for _, cp := range found {
		results = append(results, cp)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Reward != results[j].Reward {
			return results[i].Reward > results[j].Reward
		}
		return results[i].State.CacheKey() < results[j].State.CacheKey()
	})
	if len(results) > e.cfg.MaxPrograms {
		results = results[:e.cfg.MaxPrograms]
	}
	return results, nil
}

// selectNode descends via UCB1 until reaching a node that still has
// untried actions or is a leaf.
func (e *Engine) selectNode(t *tree) int {
	idx := 0
	for !t.isLeaf(idx) && t.fullyExpanded(idx) {
		next := t.bestChild(idx, e.cfg.Exploration)
		if next < 0 {
			break
		}
		idx = next
	}
	return idx
}

// expand populates the pending-action queue from the oracle's ranking on
// first visit, then applies the next untried action to create a new child.
func (e *Engine) expand(ctx context.Context, t *tree, idx int, task string) int {
	n := &t.nodes[idx]
	if !n.expanded {
		legal := program.LegalActions(n.state, e.lib)
		ranked, _ := e.oracle.RankActions(ctx, n.state, legal, e.lib, task, e.cfg.TopK)
		n.untried = make([]program.Action, 0, len(ranked))
		for _, sa := range ranked {
			n.untried = append(n.untried, sa.Action)
		}
		n.expanded = true
	}
	if len(n.untried) == 0 {
		return idx
	}
	action := n.untried[0]
	n.untried = n.untried[1:]

	next, err := program.Apply(n.state, action)
	if err != nil {
		// Apply fails only on completed states, which are never expanded.
		return idx
	}
	return t.addChild(idx, action, next)
}

// simulate scores a state. Complete states are scored directly; incomplete
// states run a bounded random rollout, force-completing at the cap with the
// configured discount. Invalid rollout products simply score 0.
func (e *Engine) simulate(ctx context.Context, st program.State, task string) float64 {
	if st.Complete {
		score, _ := e.oracle.ScoreProgram(ctx, st, task, e.lib)
		return score
	}

	cur := st.Clone()
	capped := true
	for step := 0; step < e.cfg.RolloutDepth; step++ {
		legal := program.LegalActions(cur, e.lib)
		if len(legal) == 0 {
			break
		}
		action := legal[e.rng.Intn(len(legal))]
		if action.Type == program.ActionComplete || e.rng.Float64() < 0.3 {
			cur.Complete = true
			capped = false
			break
		}
		next, err := program.Apply(cur, action)
		if err != nil {
			return 0
		}
		cur = next
	}
	if !cur.Complete {
		// Cap reached: treat as complete for scoring, discounted below.
		cur.Complete = true
	}

	score, _ := e.oracle.ScoreProgram(ctx, cur, task, e.lib)
	if capped {
		score *= e.cfg.RolloutDiscount
	}
	return score
}
