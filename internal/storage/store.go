package storage

import (
	"context"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

// Store defines transaction-like persistence operations for core engine
// entities: the evolved function library, run summaries, cycle audit
// records, and function lineage.
type Store interface {
	Init(ctx context.Context) error
	SaveFunction(ctx context.Context, spec model.FunctionSpec) error
	GetFunction(ctx context.Context, name string) (model.FunctionSpec, bool, error)
	ListFunctions(ctx context.Context) ([]model.FunctionSpec, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCycles(ctx context.Context, runID string, cycles []model.CycleRecord) error
	GetCycles(ctx context.Context, runID string) ([]model.CycleRecord, bool, error)
	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
