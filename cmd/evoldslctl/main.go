package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/stats"
	"github.com/allthingssecurity/evoldsl/internal/storage"
	api "github.com/allthingssecurity/evoldsl/pkg/evoldsl"
)

const (
	artifactsDir  = "artifacts"
	exportsDir    = "exports"
	defaultDBPath = "evoldsl.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "library":
		return runLibrary(ctx, args[1:])
	case "cycles":
		return runCycles(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	task := fs.String("task", "", "synthesis task description")
	functionName := fs.String("function", "", "target function name (defaults to a slug of the task)")
	params := fs.String("params", "n", "comma-separated target parameter names")
	returnType := fs.String("return", "any", "target return type: int|float|string|bool|list|function|any")
	cycles := fs.Int("cycles", 3, "bootstrap cycle count")
	iterations := fs.Int("iterations", 100, "tree-search iteration budget per cycle")
	population := fs.Int("pop", 20, "evolution population cap")
	generations := fs.Int("gens", 5, "evolution generation count")
	seed := fs.Int64("seed", 1, "rng seed")
	threshold := fs.Float64("threshold", 0.6, "minimum fitness to commit a function")
	maxNew := fs.Int("max-new", 3, "commit cap per cycle")
	oracleKind := fs.String("oracle", "heuristic", "oracle backend: heuristic|openai")
	openAIModel := fs.String("openai-model", "", "model for oracle=openai (OPENAI_API_KEY from env)")
	natsURL := fs.String("events-nats", "", "publish progress events to this NATS URL")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		if *task == "" {
			return errors.New("run requires --task or --config")
		}
		req = api.RunRequest{
			Tasks: []api.TaskSpec{{
				Description:  *task,
				FunctionName: *functionName,
				Params:       splitParams(*params),
				ReturnType:   *returnType,
			}},
			Cycles:               *cycles,
			MCTSIterations:       *iterations,
			Population:           *population,
			Generations:          *generations,
			Seed:                 *seed,
			IntegrationThreshold: *threshold,
			MaxNewPerCycle:       *maxNew,
		}
	} else {
		overrideFromFlags(&req, setFlags, map[string]any{
			"task":       *task,
			"function":   *functionName,
			"params":     *params,
			"return":     *returnType,
			"cycles":     *cycles,
			"iterations": *iterations,
			"pop":        *population,
			"gens":       *generations,
			"seed":       *seed,
			"threshold":  *threshold,
			"max-new":    *maxNew,
		})
	}
	if setFlags["oracle"] || req.Oracle.Kind == "" {
		req.Oracle.Kind = *oracleKind
	}
	if req.Oracle.Kind == "openai" {
		if req.Oracle.OpenAIAPIKey == "" {
			req.Oracle.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
		}
		if setFlags["openai-model"] {
			req.Oracle.OpenAIModel = *openAIModel
		}
	}

	var emitter events.Emitter
	if *natsURL != "" {
		natsEmitter, err := events.NewNATSEmitter(events.NATSConfig{URL: *natsURL})
		if err != nil {
			return err
		}
		defer natsEmitter.Close()
		emitter = natsEmitter
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
		Emitter:      emitter,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	started := time.Now()
	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run completed run_id=%s cycles=%d seed=%d elapsed=%s\n",
		summary.RunID, len(summary.BestByCycle), req.Seed, time.Since(started).Round(time.Millisecond))
	for i, best := range summary.BestByCycle {
		fmt.Printf("cycle=%d best_fitness=%.6f\n", i+1, best)
	}
	fmt.Printf("final_best_fitness=%.6f\n", summary.FinalBestFitness)
	if len(summary.NewFunctions) == 0 {
		fmt.Println("no new functions committed")
	} else {
		fmt.Printf("new_functions=%s\n", strings.Join(summary.NewFunctions, ","))
	}
	if summary.Stopped {
		fmt.Println("run stopped early by command")
	}
	fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	for _, run := range runs {
		fmt.Printf("run_id=%s created=%s tasks=%q cycles=%d seed=%d best_fitness=%.6f new_functions=%d\n",
			run.RunID,
			relativeTime(run.CreatedAtUTC),
			strings.Join(run.Tasks, "; "),
			run.Cycles,
			run.Seed,
			run.BestFitness,
			run.NewFunctions,
		)
	}
	return nil
}

func runLibrary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("library", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "max functions to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit library as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	library, err := client.Library(ctx, api.LibraryRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(library)
	}

	fmt.Printf("library total=%d primitives=%d evolved=%d\n", library.Total, library.Primitives, library.Evolved)
	for _, top := range library.TopByFitness {
		fmt.Printf("top name=%s fitness=%.6f usage=%d\n", top.Name, top.Fitness, library.UsageCounts[top.Name])
	}
	for _, fn := range library.Functions {
		fmt.Printf("name=%s params=%s fitness=%.6f usage=%d body=%q\n",
			fn.Name,
			strings.Join(fn.Params, ","),
			fn.Fitness,
			fn.UsageCount,
			fn.Body,
		)
	}
	return nil
}

func runCycles(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cycles", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show cycles for the most recent run")
	limit := fs.Int("limit", 50, "max cycles to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit cycle records as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("cycles requires --run-id or --latest")
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	cycles, err := client.Cycles(ctx, api.CyclesRequest{
		RunID:  *runID,
		Latest: *latest,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Println("no cycle records")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cycles)
	}

	for _, cycle := range cycles {
		status := string(cycle.Status)
		if cycle.Status != "" && cycle.Error != "" {
			status = fmt.Sprintf("%s(%s:%s)", cycle.Status, cycle.ErrorPhase, cycle.Error)
		}
		fmt.Printf("cycle=%d status=%s iterations=%d library=%d->%d best=%.6f avg=%.6f new=%s oracle_calls=%s elapsed=%s\n",
			cycle.Cycle,
			status,
			cycle.MCTSIterations,
			cycle.LibraryBefore,
			cycle.LibraryAfter,
			cycle.BestFitness,
			cycle.AvgFitness,
			strings.Join(cycle.NewFunctions, ","),
			humanize.Comma(int64(cycle.OracleCalls.Total())),
			(time.Duration(cycle.ElapsedMillis) * time.Millisecond).String(),
		)
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show lineage for the most recent run")
	limit := fs.Int("limit", 50, "max lineage rows to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit lineage rows as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("lineage requires --run-id or --latest")
	}

	client, err := api.New(api.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, api.LineageRequest{
		RunID:  *runID,
		Latest: *latest,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if len(lineage) == 0 {
		fmt.Println("no lineage records")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lineage)
	}

	for _, rec := range lineage {
		fmt.Printf("cycle=%d gen=%d function=%s parents=%s fitness=%.6f\n",
			rec.Cycle,
			rec.Generation,
			rec.FunctionName,
			strings.Join(rec.Parents, ","),
			rec.Fitness,
		)
	}
	return nil
}

func runExport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}
	if *latest {
		entries, err := stats.ListRunIndex(artifactsDir)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return errors.New("no runs available to export")
		}
		*runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(artifactsDir, *runID, *outDir)
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", *runID, filepath.Clean(exportedDir))
	return nil
}

func splitParams(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func relativeTime(createdAtUTC string) string {
	parsed, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return humanize.Time(parsed)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: evoldslctl <init|run|runs|library|cycles|lineage|export> [flags]", msg)
}
