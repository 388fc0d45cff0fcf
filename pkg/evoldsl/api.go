package evoldsl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/bootstrap"
	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/evo"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/mcts"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/platform"
	"github.com/allthingssecurity/evoldsl/internal/stats"
	"github.com/allthingssecurity/evoldsl/internal/storage"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultDBPath       = "evoldsl.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Emitter      events.Emitter
}

// Client is the embedding surface: it owns a store and a polis and turns
// requests into bootstrap runs, library views, and artifact exports.
type Client struct {
	store   storage.Store
	emitter events.Emitter
	polis   *platform.Polis

	artifactsDir string
	exportsDir   string
}

// TaskSpec names one synthesis target. FunctionName defaults to a
// slug of the description.
type TaskSpec struct {
	Description  string
	FunctionName string
	Params       []string
	ReturnType   string
}

type OracleOptions struct {
	Kind         string // heuristic (default) or openai
	OpenAIAPIKey string
	OpenAIModel  string
}

type RunRequest struct {
	Tasks                []TaskSpec
	Cycles               int
	MCTSIterations       int
	Population           int
	Generations          int
	Seed                 int64
	IntegrationThreshold float64
	MaxNewPerCycle       int
	Oracle               OracleOptions
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	BestByCycle      []float64
	FinalBestFitness float64
	NewFunctions     []string
	Stopped          bool
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Tasks        []string
	Cycles       int
	Seed         int64
	BestFitness  float64
	NewFunctions int
}

type LibraryRequest struct {
	Limit int
}

// LibrarySummary describes the full library: the standard primitives plus
// every function committed to the store, with usage counts and the
// top-by-fitness ranking.
type LibrarySummary struct {
	Total        int
	Primitives   int
	Evolved      int
	TopByFitness []dsl.ScoredName
	UsageCounts  map[string]int
	Functions    []model.FunctionSpec
}

type CyclesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type LineageRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		emitter:      opts.Emitter,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	if c.polis != nil {
		c.polis.Shutdown()
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePolis(ctx)
	return err
}

// Run executes a full bootstrap synchronously and writes the run's
// artifact directory before returning.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg, lib, orc, err := c.prepareRun(req)
	if err != nil {
		return RunSummary{}, err
	}
	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	result, err := p.RunBootstrap(ctx, cfg, lib, orc)
	if err != nil {
		return RunSummary{}, err
	}
	return c.summarize(lib, result)
}

// StartRun launches a bootstrap in the background and returns its run ID.
// Collect the summary with WaitRun.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (string, error) {
	cfg, lib, orc, err := c.prepareRun(req)
	if err != nil {
		return "", err
	}
	p, err := c.ensurePolis(ctx)
	if err != nil {
		return "", err
	}
	return p.StartRun(ctx, cfg, lib, orc)
}

// WaitRun blocks until the named background run finishes, then writes its
// artifacts and returns the summary.
func (c *Client) WaitRun(ctx context.Context, runID string) (RunSummary, error) {
	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	result, err := p.WaitRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	return c.summarize(nil, result)
}

func (c *Client) PauseRun(runID string) error {
	if c.polis == nil {
		return errors.New("polis is not started")
	}
	return c.polis.PauseRun(runID)
}

func (c *Client) ContinueRun(runID string) error {
	if c.polis == nil {
		return errors.New("polis is not started")
	}
	return c.polis.ContinueRun(runID)
}

func (c *Client) StopRun(runID string) error {
	if c.polis == nil {
		return errors.New("polis is not started")
	}
	return c.polis.StopRun(runID)
}

func (c *Client) ActiveRuns() []platform.RunStatus {
	if c.polis == nil {
		return nil
	}
	return c.polis.ActiveRuns()
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	// Newest first.
	out := make([]RunItem, 0, len(runs))
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		run := runs[i]
		out = append(out, RunItem{
			RunID:        run.RunID,
			CreatedAtUTC: run.CreatedAtUTC,
			Tasks:        append([]string(nil), run.Tasks...),
			Cycles:       run.Cycles,
			Seed:         run.Seed,
			BestFitness:  run.BestFitness,
			NewFunctions: run.NewFunctions,
		})
	}
	return out, nil
}

func (c *Client) Library(ctx context.Context, req LibraryRequest) (LibrarySummary, error) {
	if _, err := c.ensurePolis(ctx); err != nil {
		return LibrarySummary{}, err
	}
	functions, err := c.store.ListFunctions(ctx)
	if err != nil {
		return LibrarySummary{}, err
	}

	// Rebuild the library the stored functions grew out of. ListFunctions
	// is name-ordered, so bodies may reference functions listed later;
	// insert in passes until no addition makes progress.
	lib := dsl.NewStandardLibrary()
	pending := append([]model.FunctionSpec(nil), functions...)
	for len(pending) > 0 {
		var deferred []model.FunctionSpec
		for _, fn := range pending {
			if err := lib.AddFunction(fn); err != nil {
				deferred = append(deferred, fn)
			}
		}
		if len(deferred) == len(pending) {
			break
		}
		pending = deferred
	}

	top := req.Limit
	if top <= 0 {
		top = 10
	}
	libSummary := lib.Summarize(top)
	summary := LibrarySummary{
		Total:        libSummary.Total,
		Primitives:   libSummary.Primitives,
		Evolved:      libSummary.Evolved,
		TopByFitness: libSummary.TopByScore,
		UsageCounts:  libSummary.UsageCount,
	}
	if req.Limit > 0 && len(functions) > req.Limit {
		functions = functions[:req.Limit]
	}
	summary.Functions = functions
	return summary, nil
}

func (c *Client) Cycles(ctx context.Context, req CyclesRequest) ([]model.CycleRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	cycles, ok, err := c.store.GetCycles(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cycles not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(cycles) > req.Limit {
		cycles = cycles[:req.Limit]
	}
	return cycles, nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(lineage) > req.Limit {
		lineage = lineage[:req.Limit]
	}
	return lineage, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) prepareRun(req RunRequest) (bootstrap.Config, *dsl.Library, oracle.Oracle, error) {
	if len(req.Tasks) == 0 {
		return bootstrap.Config{}, nil, nil, errors.New("at least one task is required")
	}

	tasks := make([]bootstrap.Task, 0, len(req.Tasks))
	for _, task := range req.Tasks {
		if strings.TrimSpace(task.Description) == "" {
			return bootstrap.Config{}, nil, nil, errors.New("task description is required")
		}
		name := task.FunctionName
		if name == "" {
			name = slugify(task.Description)
		}
		params := task.Params
		if len(params) == 0 {
			params = []string{"n"}
		}
		tasks = append(tasks, bootstrap.Task{
			Description:  task.Description,
			FunctionName: name,
			Params:       params,
			ReturnType:   typeTagFromName(task.ReturnType),
		})
	}

	orc, err := buildOracle(req.Oracle, req.Seed)
	if err != nil {
		return bootstrap.Config{}, nil, nil, err
	}

	cfg := bootstrap.Config{
		Cycles:               req.Cycles,
		Tasks:                tasks,
		MCTS:                 mcts.Config{Iterations: req.MCTSIterations},
		Evo:                  evo.Config{PopulationSize: req.Population, Generations: req.Generations},
		IntegrationThreshold: req.IntegrationThreshold,
		MaxNewPerCycle:       req.MaxNewPerCycle,
		Seed:                 req.Seed,
	}
	return cfg, dsl.NewStandardLibrary(), orc, nil
}

func (c *Client) summarize(lib *dsl.Library, result bootstrap.Result) (RunSummary, error) {
	artifacts := stats.RunArtifacts{
		Run:     result.Run,
		Cycles:  result.Cycles,
		Lineage: result.Lineage,
	}
	if lib != nil {
		artifacts.Library = lib.Snapshot()
	}
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.IndexEntryForRun(result.Run)); err != nil {
		return RunSummary{}, err
	}

	best := make([]float64, 0, len(result.Cycles))
	for _, cycle := range result.Cycles {
		best = append(best, cycle.BestFitness)
	}
	return RunSummary{
		RunID:            result.Run.RunID,
		ArtifactsDir:     filepath.Clean(runDir),
		BestByCycle:      best,
		FinalBestFitness: result.Run.BestFitness,
		NewFunctions:     append([]string(nil), result.NewFunctions...),
		Stopped:          result.Stopped,
	}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return "", err
	}
	if latest {
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			return "", errors.New("no runs available")
		}
		return runs[len(runs)-1].RunID, nil
	}
	if runID == "" {
		return "", errors.New("run id or latest is required")
	}
	return runID, nil
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store, Emitter: c.emitter})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}

func buildOracle(opts OracleOptions, seed int64) (oracle.Oracle, error) {
	switch opts.Kind {
	case "", "heuristic":
		return oracle.NewAdapter(oracle.AdapterConfig{Seed: seed}), nil
	case "openai":
		external, err := oracle.NewOpenAIOracle(oracle.OpenAIConfig{
			APIKey: opts.OpenAIAPIKey,
			Model:  opts.OpenAIModel,
		})
		if err != nil {
			return nil, err
		}
		return oracle.NewAdapter(oracle.AdapterConfig{External: external, Seed: seed}), nil
	default:
		return nil, fmt.Errorf("unsupported oracle kind: %s", opts.Kind)
	}
}

func typeTagFromName(name string) model.TypeTag {
	switch name {
	case "int":
		return model.TypeInt
	case "float":
		return model.TypeFloat
	case "string":
		return model.TypeString
	case "bool":
		return model.TypeBool
	case "list":
		return model.TypeList
	case "function":
		return model.TypeFunction
	default:
		return model.TypeAny
	}
}

func slugify(description string) string {
	fields := strings.Fields(strings.ToLower(description))
	kept := make([]string, 0, 3)
	for _, field := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, field)
		if cleaned == "" {
			continue
		}
		kept = append(kept, cleaned)
		if len(kept) == 3 {
			break
		}
	}
	if len(kept) == 0 {
		return "task"
	}
	return strings.Join(kept, "_")
}
