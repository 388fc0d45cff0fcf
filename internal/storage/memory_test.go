package storage

import (
	"context"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

func TestMemoryStoreFunctionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	spec := model.FunctionSpec{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Name:            "double",
		Params:          []string{"x"},
		ParamTypes:      []model.TypeTag{model.TypeAny},
		ReturnType:      model.TypeAny,
		Body:            "mul ( x , 2 )",
		Fitness:         0.7,
	}
	if err := store.SaveFunction(ctx, spec); err != nil {
		t.Fatalf("save function: %v", err)
	}

	output, ok, err := store.GetFunction(ctx, "double")
	if err != nil {
		t.Fatalf("get function: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted function")
	}
	if output.Body != spec.Body || output.Fitness != spec.Fitness {
		t.Fatalf("unexpected function: %+v", output)
	}

	all, err := store.ListFunctions(ctx)
	if err != nil {
		t.Fatalf("list functions: %v", err)
	}
	if len(all) != 1 || all[0].Name != "double" {
		t.Fatalf("unexpected listing: %+v", all)
	}
}

func TestMemoryStoreLineageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []model.LineageRecord{{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		FunctionName:    "double_generalized",
		Cycle:           1,
		Generation:      2,
		Parents:         []string{"double"},
		Fitness:         0.8,
	}}
	if err := store.SaveLineage(ctx, "run-1", input); err != nil {
		t.Fatalf("save lineage: %v", err)
	}

	output, ok, err := store.GetLineage(ctx, "run-1")
	if err != nil {
		t.Fatalf("get lineage: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted lineage")
	}
	if len(output) != 1 || output[0].FunctionName != "double_generalized" {
		t.Fatalf("unexpected lineage: %+v", output)
	}
}

func TestMemoryStoreCyclesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []model.CycleRecord{
		{VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
			RunID: "run-1", Cycle: 1, Status: model.CycleCompleted, LibraryBefore: 9, LibraryAfter: 10},
		{VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
			RunID: "run-1", Cycle: 2, Status: model.CycleErrored, ErrorPhase: "mcts", Error: "oracle unreachable"},
	}
	if err := store.SaveCycles(ctx, "run-1", input); err != nil {
		t.Fatalf("save cycles: %v", err)
	}
	output, ok, err := store.GetCycles(ctx, "run-1")
	if err != nil {
		t.Fatalf("get cycles: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted cycles")
	}
	if len(output) != 2 || output[1].Status != model.CycleErrored {
		t.Fatalf("unexpected cycles: %+v", output)
	}
}

func TestMemoryStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		CreatedAtUTC:    "2026-01-02T03:04:05Z",
		Tasks:           []string{"compute factorial of n"},
		Cycles:          3,
		Seed:            42,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	output, ok, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted run")
	}
	if output.Cycles != 3 || len(output.Tasks) != 1 {
		t.Fatalf("unexpected run: %+v", output)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("unexpected run listing: %+v", runs)
	}
}
