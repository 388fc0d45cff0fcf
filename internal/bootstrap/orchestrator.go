// Package bootstrap drives the outer improvement loop: tree search
// proposes candidate programs, evolution refines them, and an integration
// filter decides which survivors join the instruction library. Each cycle
// leaves an immutable audit record whether it succeeds or fails.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/evo"
	"github.com/allthingssecurity/evoldsl/internal/mcts"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/program"
	"github.com/allthingssecurity/evoldsl/internal/storage"
)

// Command is a run-control instruction delivered over the control channel.
type Command string

const (
	CommandPause    Command = "pause"
	CommandContinue Command = "continue"
	CommandStop     Command = "stop"
)

// Phase names used in events and error-tagged cycle records.
const (
	PhaseMCTS        = "mcts"
	PhaseEvolution   = "evolution"
	PhaseIntegration = "integration"
	PhasePaused      = "paused"
	PhaseIdle        = "idle"
)

// Task names one synthesis target for the tree search.
type Task struct {
	Description  string
	FunctionName string
	Params       []string
	ReturnType   model.TypeTag
}

// Config holds the outer-loop parameters.
type Config struct {
	Cycles int  // cycle budget (default 3)
	Tasks  []Task

	MCTS mcts.Config
	Evo  evo.Config

	IntegrationThreshold float64 // minimum fitness to commit (default 0.6)
	MaxNewPerCycle       int     // commit cap per cycle (default 3)
	OverlapLimit         float64 // Jaccard token overlap rejection bound (default 0.8)

	BudgetStep     int     // iteration increase on stagnation (default 20)
	BudgetCeiling  int     // iteration hard cap (default 200)
	ImprovementEps float64 // best-fitness delta counted as progress (default 0.05)

	Seed    int64
	Control chan Command
}

func (c *Config) applyDefaults() {
	if c.Cycles <= 0 {
		c.Cycles = 3
	}
	if c.IntegrationThreshold <= 0 {
		c.IntegrationThreshold = 0.6
	}
	if c.MaxNewPerCycle <= 0 {
		c.MaxNewPerCycle = 3
	}
	if c.OverlapLimit <= 0 || c.OverlapLimit > 1 {
		c.OverlapLimit = 0.8
	}
	if c.BudgetStep <= 0 {
		c.BudgetStep = 20
	}
	if c.BudgetCeiling <= 0 {
		c.BudgetCeiling = 200
	}
	if c.ImprovementEps <= 0 {
		c.ImprovementEps = 0.05
	}
	if c.Control == nil {
		c.Control = make(chan Command, 16)
	}
}

// Result is the outcome of one bootstrap run.
type Result struct {
	Run          model.RunRecord
	Cycles       []model.CycleRecord
	Lineage      []model.LineageRecord
	NewFunctions []string
	Stopped      bool
}

// statsSource is satisfied by the oracle adapter; other oracles simply
// report zero traffic.
type statsSource interface {
	TakeStats() model.OracleCallStats
}

// Orchestrator owns one run: the library it grows, the oracle it consults,
// and the store it audits to.
type Orchestrator struct {
	cfg     Config
	lib     *dsl.Library
	oracle  oracle.Oracle
	store   storage.Store
	emitter events.Emitter
	rng     *rand.Rand
	runID   string

	iterations int
	prevBest   float64
	curCycle   int
}

// errStopRequested aborts the in-flight phase when a stop command arrives
// mid-cycle.
var errStopRequested = errors.New("stop requested")

// NewOrchestrator validates dependencies and assigns a fresh run ID.
func NewOrchestrator(cfg Config, lib *dsl.Library, orc oracle.Oracle, store storage.Store, emitter events.Emitter) (*Orchestrator, error) {
	if lib == nil {
		return nil, fmt.Errorf("bootstrap: library is required")
	}
	if orc == nil {
		return nil, fmt.Errorf("bootstrap: oracle is required")
	}
	if store == nil {
		return nil, fmt.Errorf("bootstrap: store is required")
	}
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("bootstrap: at least one task is required")
	}
	for i, task := range cfg.Tasks {
		if task.FunctionName == "" {
			return nil, fmt.Errorf("bootstrap: task %d has no function name", i)
		}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		lib:     lib,
		oracle:  orc,
		store:   store,
		emitter: emitter,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		runID:   uuid.NewString(),
	}, nil
}

// RunID returns the run's identity, fixed at construction.
func (o *Orchestrator) RunID() string { return o.runID }

// Control returns the channel run commands are delivered on.
func (o *Orchestrator) Control() chan Command { return o.cfg.Control }

// Run executes the configured cycles. A failing cycle is recorded with its
// phase and the run continues; only context cancellation and a stop
// command end the run early. The returned error is non-nil only for
// cancellation or persistence failures.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	result := Result{
		Run: model.RunRecord{
			RunID:        o.runID,
			CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
			Seed:         o.cfg.Seed,
		},
	}
	storage.Stamp(&result.Run.VersionedRecord)
	for _, task := range o.cfg.Tasks {
		result.Run.Tasks = append(result.Run.Tasks, task.Description)
	}

	o.iterations = o.cfg.MCTS.Iterations
	if o.iterations <= 0 {
		o.iterations = 100
	}
	o.prevBest = 0

	for cycle := 1; cycle <= o.cfg.Cycles; cycle++ {
		stopped, err := o.waitIfPaused(ctx, cycle)
		if err != nil {
			return result, err
		}
		if stopped {
			result.Stopped = true
			break
		}

		record := o.runCycle(ctx, cycle)
		result.Cycles = append(result.Cycles, record.record)
		result.Lineage = append(result.Lineage, record.lineage...)
		result.NewFunctions = append(result.NewFunctions, record.record.NewFunctions...)
		if record.record.BestFitness > result.Run.BestFitness {
			result.Run.BestFitness = record.record.BestFitness
		}

		if err := o.persist(ctx, result); err != nil {
			return result, fmt.Errorf("persist cycle %d: %w", cycle, err)
		}
		if record.fatal != nil {
			return result, record.fatal
		}
		if record.stopped {
			result.Stopped = true
			break
		}
	}

	result.Run.Cycles = len(result.Cycles)
	result.Run.NewFunctions = len(result.NewFunctions)
	if err := o.persist(ctx, result); err != nil {
		return result, fmt.Errorf("persist run: %w", err)
	}
	o.emitPhase(PhaseIdle, 0, false, nil)
	return result, nil
}

type cycleOutcome struct {
	record  model.CycleRecord
	lineage []model.LineageRecord
	fatal   error
	stopped bool
}

// runCycle executes one MCTS+evolution+integration cycle. Phase failures
// are captured in the record; only cancellation is returned as fatal.
func (o *Orchestrator) runCycle(ctx context.Context, cycle int) cycleOutcome {
	started := time.Now()
	o.curCycle = cycle
	record := model.CycleRecord{
		RunID:          o.runID,
		Cycle:          cycle,
		Status:         model.CycleCompleted,
		MCTSIterations: o.iterations,
		Generations:    o.cfg.Evo.Generations,
		LibraryBefore:  o.lib.Len(),
		StartedAtUTC:   started.UTC().Format(time.RFC3339),
	}
	storage.Stamp(&record.VersionedRecord)
	for _, task := range o.cfg.Tasks {
		record.Tasks = append(record.Tasks, task.Description)
	}

	out := cycleOutcome{}
	fail := func(phase string, err error) {
		if errors.Is(err, errStopRequested) {
			record.Status = model.CycleStopped
			record.ErrorPhase = phase
			out.stopped = true
			return
		}
		record.Status = model.CycleErrored
		record.ErrorPhase = phase
		record.Error = err.Error()
		if ctx.Err() != nil {
			out.fatal = err
		}
	}

	o.emitPhase(PhaseMCTS, cycle, true, map[string]int{"iterations": o.iterations})
	seeds, err := o.searchPhase(ctx)
	if err != nil {
		fail(PhaseMCTS, err)
	}

	var candidates []evo.Candidate
	if record.Status == model.CycleCompleted {
		o.emitPhase(PhaseEvolution, cycle, true, map[string]int{"seeds": len(seeds)})
		candidates, err = o.evolvePhase(ctx, seeds)
		if err != nil {
			fail(PhaseEvolution, err)
		}
	}

	if record.Status == model.CycleCompleted {
		o.emitPhase(PhaseIntegration, cycle, true, map[string]int{"candidates": len(candidates)})
		accepted := o.filterCandidates(candidates)
		if err := o.commit(ctx, cycle, accepted, &record, &out); err != nil {
			fail(PhaseIntegration, err)
		}
	}

	best, sum := 0.0, 0.0
	for _, cand := range candidates {
		if cand.Spec.Fitness > best {
			best = cand.Spec.Fitness
		}
		sum += cand.Spec.Fitness
	}
	record.BestFitness = best
	if len(candidates) > 0 {
		record.AvgFitness = sum / float64(len(candidates))
	}
	record.LibraryAfter = o.lib.Len()
	record.ElapsedMillis = time.Since(started).Milliseconds()
	if src, ok := o.oracle.(statsSource); ok {
		record.OracleCalls = src.TakeStats()
	}

	o.adaptBudget(best)
	out.record = record
	return out
}

// searchPhase runs the tree search once per task and pools the completed
// programs.
func (o *Orchestrator) searchPhase(ctx context.Context) ([]program.State, error) {
	var seeds []program.State
	for _, task := range o.cfg.Tasks {
		cfg := o.cfg.MCTS
		cfg.Iterations = o.iterations
		cfg.Seed = o.rng.Int63()
		cfg.Checkpoint = o.checkpoint
		engine, err := mcts.NewEngine(cfg, o.lib, o.oracle, o.emitter)
		if err != nil {
			return nil, err
		}
		engine.SetRunID(o.runID)
		completed, err := engine.Search(ctx, task.Description, mcts.Target{
			FunctionName: task.FunctionName,
			Params:       task.Params,
			ReturnType:   task.ReturnType,
		})
		if err != nil {
			return nil, err
		}
		for _, prog := range completed {
			seeds = append(seeds, prog.State)
		}
	}
	return seeds, nil
}

// evolvePhase refines the pooled seeds for the configured generations.
func (o *Orchestrator) evolvePhase(ctx context.Context, seeds []program.State) ([]evo.Candidate, error) {
	cfg := o.cfg.Evo
	cfg.Seed = o.rng.Int63()
	cfg.Checkpoint = o.checkpoint
	engine, err := evo.NewEngine(cfg, o.lib, o.oracle, o.emitter, o.runID)
	if err != nil {
		return nil, err
	}
	engine.SeedPopulation(seeds)
	task := ""
	if len(o.cfg.Tasks) > 0 {
		task = o.cfg.Tasks[0].Description
	}
	return engine.Evolve(ctx, task)
}

// commit installs the accepted candidates as one unit. The batch is staged
// against a scratch view of the library first and persisted before the live
// library is touched, so a validation or store failure leaves the library
// exactly as it was.
func (o *Orchestrator) commit(ctx context.Context, cycle int, accepted []evo.Candidate, record *model.CycleRecord, out *cycleOutcome) error {
	if len(accepted) == 0 {
		return nil
	}

	scratch := dsl.NewLibrary()
	for _, existing := range o.lib.Snapshot() {
		if err := scratch.AddFunction(existing); err != nil {
			return fmt.Errorf("stage library view: %w", err)
		}
	}

	staged := make([]model.FunctionSpec, 0, len(accepted))
	stagedNames := make(map[string]bool, len(accepted))
	usage := make(map[string]int)
	for _, cand := range accepted {
		spec := cand.Spec
		spec.Impl = nil
		storage.Stamp(&spec.VersionedRecord)
		if err := scratch.AddFunction(spec); err != nil {
			return fmt.Errorf("stage %s: %w", spec.Name, err)
		}
		for _, ref := range dsl.ReferencedFunctions(spec.Body) {
			if ref != spec.Name {
				usage[ref]++
			}
		}
		staged = append(staged, spec)
		stagedNames[spec.Name] = true
	}
	for i := range staged {
		staged[i].UsageCount += usage[staged[i].Name]
	}

	// Prior commits referenced by this batch carry their bumped usage
	// counts back to the store. Primitives are never persisted.
	refNames := make([]string, 0, len(usage))
	for name := range usage {
		refNames = append(refNames, name)
	}
	sort.Strings(refNames)
	var updated []model.FunctionSpec
	for _, name := range refNames {
		if stagedNames[name] {
			continue
		}
		spec, ok := o.lib.Get(name)
		if !ok || spec.IsPrimitive() {
			continue
		}
		spec.UsageCount += usage[name]
		spec.Impl = nil
		updated = append(updated, spec)
	}

	for _, spec := range staged {
		if err := o.store.SaveFunction(ctx, spec); err != nil {
			return fmt.Errorf("save %s: %w", spec.Name, err)
		}
	}
	for _, spec := range updated {
		if err := o.store.SaveFunction(ctx, spec); err != nil {
			return fmt.Errorf("save %s: %w", spec.Name, err)
		}
	}

	// The batch is validated and durable; install it.
	for i, cand := range accepted {
		spec := staged[i]
		if err := o.lib.AddFunction(spec); err != nil {
			return fmt.Errorf("install %s: %w", spec.Name, err)
		}
		record.NewFunctions = append(record.NewFunctions, spec.Name)

		lineage := model.LineageRecord{
			FunctionName: spec.Name,
			Cycle:        cycle,
			Generation:   cand.Generation,
			Parents:      append([]string(nil), cand.Parents...),
			Fitness:      spec.Fitness,
		}
		storage.Stamp(&lineage.VersionedRecord)
		out.lineage = append(out.lineage, lineage)
	}
	for _, name := range refNames {
		if stagedNames[name] {
			continue
		}
		for n := 0; n < usage[name]; n++ {
			o.lib.RecordUsage(name)
		}
	}
	return nil
}

// checkpoint services the control channel between search iterations and
// evolution generations, so pause and stop take effect mid-cycle rather than
// at the next cycle boundary.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	stopped, err := o.waitIfPaused(ctx, o.curCycle)
	if err != nil {
		return err
	}
	if stopped {
		return errStopRequested
	}
	return nil
}

// adaptBudget widens the search when a cycle fails to beat the previous
// best by a meaningful margin.
func (o *Orchestrator) adaptBudget(best float64) {
	if best-o.prevBest < o.cfg.ImprovementEps {
		o.iterations += o.cfg.BudgetStep
		if o.iterations > o.cfg.BudgetCeiling {
			o.iterations = o.cfg.BudgetCeiling
		}
	}
	if best > o.prevBest {
		o.prevBest = best
	}
}

// waitIfPaused drains the control channel, both at cycle boundaries and
// from the phase checkpoints. A pause blocks until continue, stop, or
// cancellation.
func (o *Orchestrator) waitIfPaused(ctx context.Context, cycle int) (stopped bool, err error) {
	for {
		select {
		case cmd := <-o.cfg.Control:
			switch cmd {
			case CommandStop:
				o.emitPhase(PhaseIdle, cycle, false, nil)
				return true, nil
			case CommandPause:
				o.emitPhase(PhasePaused, cycle, false, nil)
				resumed, err := o.awaitResume(ctx)
				if err != nil {
					return false, err
				}
				if !resumed {
					o.emitPhase(PhaseIdle, cycle, false, nil)
					return true, nil
				}
			case CommandContinue:
				// Not paused; ignore.
			}
		case <-ctx.Done():
			return false, ctx.Err()
		default:
			return false, nil
		}
	}
}

func (o *Orchestrator) awaitResume(ctx context.Context) (resumed bool, err error) {
	for {
		select {
		case cmd := <-o.cfg.Control:
			switch cmd {
			case CommandContinue:
				return true, nil
			case CommandStop:
				return false, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, result Result) error {
	run := result.Run
	run.Cycles = len(result.Cycles)
	run.NewFunctions = len(result.NewFunctions)
	if err := o.store.SaveRun(ctx, run); err != nil {
		return err
	}
	if err := o.store.SaveCycles(ctx, o.runID, result.Cycles); err != nil {
		return err
	}
	return o.store.SaveLineage(ctx, o.runID, result.Lineage)
}

func (o *Orchestrator) emitPhase(phase string, cycle int, running bool, counters map[string]int) {
	o.emitter.Emit(events.Event{
		Kind:      events.KindPhase,
		RunID:     o.runID,
		Timestamp: time.Now().UTC(),
		Phase: &events.PhaseChange{
			Running:  running,
			Phase:    phase,
			Cycle:    cycle,
			Counters: counters,
		},
	})
}
