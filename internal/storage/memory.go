package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	functions   map[string]model.FunctionSpec
	runs        map[string]model.RunRecord
	cycles      map[string][]model.CycleRecord
	lineage     map[string][]model.LineageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.functions = make(map[string]model.FunctionSpec)
	s.runs = make(map[string]model.RunRecord)
	s.cycles = make(map[string][]model.CycleRecord)
	s.lineage = make(map[string][]model.LineageRecord)
	return nil
}

func (s *MemoryStore) SaveFunction(_ context.Context, spec model.FunctionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec.Impl = nil
	s.functions[spec.Name] = spec
	return nil
}

func (s *MemoryStore) GetFunction(_ context.Context, name string) (model.FunctionSpec, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.functions[name]
	return spec, ok, nil
}

func (s *MemoryStore) ListFunctions(_ context.Context) ([]model.FunctionSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FunctionSpec, 0, len(s.functions))
	for _, spec := range s.functions {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUTC < out[j].CreatedAtUTC })
	return out, nil
}

func (s *MemoryStore) SaveCycles(_ context.Context, runID string, cycles []model.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.CycleRecord, len(cycles))
	copy(copied, cycles)
	s.cycles[runID] = copied
	return nil
}

func (s *MemoryStore) GetCycles(_ context.Context, runID string) ([]model.CycleRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cycles, ok := s.cycles[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.CycleRecord, len(cycles))
	copy(copied, cycles)
	return copied, true, nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.LineageRecord, len(lineage))
	copy(copied, lineage)
	s.lineage[runID] = copied
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LineageRecord, len(lineage))
	copy(copied, lineage)
	return copied, true, nil
}
