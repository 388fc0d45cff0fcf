package dsl

import (
	"fmt"
	"sort"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

// Library is the insertion-ordered registry of named function specs. It
// grows only by explicit addition and never deletes entries within a run.
// It is a plain data container; callers that share one across goroutines
// must serialize writes (the orchestrator mutates it only at cycle
// boundaries).
type Library struct {
	order []string
	funcs map[string]model.FunctionSpec
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{funcs: make(map[string]model.FunctionSpec)}
}

// NewStandardLibrary returns a library seeded with the arithmetic and
// control primitives.
func NewStandardLibrary() *Library {
	lib := NewLibrary()
	for _, prim := range Primitives() {
		// Primitives are well-formed by construction.
		if err := lib.AddFunction(prim); err != nil {
			panic(fmt.Sprintf("seed primitive %s: %v", prim.Name, err))
		}
	}
	return lib
}

// AddFunction inserts or overwrites a spec by name. A composed body must
// only reference functions already present (or the spec itself, for
// recursive definitions). Primitives cannot be overwritten. Specs with a
// body and no executable binding are bound to the library's evaluator.
func (l *Library) AddFunction(spec model.FunctionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("function name is required")
	}
	if existing, ok := l.funcs[spec.Name]; ok && existing.IsPrimitive() {
		return fmt.Errorf("add %s: %w", spec.Name, ErrPrimitiveImmutable)
	}
	if spec.Body != "" {
		for _, ref := range ReferencedFunctions(spec.Body) {
			if ref == spec.Name {
				continue
			}
			if _, ok := l.funcs[ref]; !ok {
				return fmt.Errorf("add %s: %w: %s", spec.Name, ErrUnknownReference, ref)
			}
		}
		if spec.Impl == nil {
			spec.Impl = l.bind(spec)
		}
	}
	if _, ok := l.funcs[spec.Name]; !ok {
		l.order = append(l.order, spec.Name)
	}
	l.funcs[spec.Name] = spec
	return nil
}

// Get returns the spec for name. The boolean follows the map-lookup
// convention; missing names are not an error for normal queries.
func (l *Library) Get(name string) (model.FunctionSpec, bool) {
	spec, ok := l.funcs[name]
	return spec, ok
}

// Contains reports whether name is registered.
func (l *Library) Contains(name string) bool {
	_, ok := l.funcs[name]
	return ok
}

// Len returns the number of registered functions.
func (l *Library) Len() int {
	return len(l.order)
}

// ListNames returns all registered names in insertion order.
func (l *Library) ListNames() []string {
	return append([]string(nil), l.order...)
}

// Snapshot returns copies of every spec in insertion order.
func (l *Library) Snapshot() []model.FunctionSpec {
	out := make([]model.FunctionSpec, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.funcs[name])
	}
	return out
}

// CanCompose reports whether a's return value can feed b's first parameter.
// The wildcard "any" matches on either side.
func (l *Library) CanCompose(nameA, nameB string) bool {
	a, okA := l.funcs[nameA]
	b, okB := l.funcs[nameB]
	if !okA || !okB || len(b.ParamTypes) == 0 {
		return false
	}
	first := b.ParamTypes[0]
	return a.ReturnType == first || a.ReturnType == model.TypeAny || first == model.TypeAny
}

// RecordUsage increments the usage counter for name. Unknown names are
// ignored.
func (l *Library) RecordUsage(name string) {
	spec, ok := l.funcs[name]
	if !ok {
		return
	}
	spec.UsageCount++
	l.funcs[name] = spec
}

// Call executes the named function against args.
func (l *Library) Call(name string, args []any) (any, error) {
	spec, ok := l.funcs[name]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", name, ErrNotFound)
	}
	if spec.Impl == nil {
		return nil, fmt.Errorf("call %s: %w", name, ErrNotExecutable)
	}
	return spec.Impl(args)
}

// Summary describes the library's current shape.
type Summary struct {
	Total      int            `json:"total"`
	Primitives int            `json:"primitives"`
	Evolved    int            `json:"evolved"`
	TopByScore []ScoredName   `json:"top_by_fitness"`
	UsageCount map[string]int `json:"usage_count,omitempty"`
}

// ScoredName pairs a function name with its fitness for summaries.
type ScoredName struct {
	Name    string  `json:"name"`
	Fitness float64 `json:"fitness"`
}

// Summarize returns counts and the top functions by fitness.
func (l *Library) Summarize(top int) Summary {
	s := Summary{Total: len(l.order), UsageCount: make(map[string]int)}
	scored := make([]ScoredName, 0, len(l.order))
	for _, name := range l.order {
		spec := l.funcs[name]
		if spec.IsPrimitive() {
			s.Primitives++
		} else {
			s.Evolved++
		}
		if spec.UsageCount > 0 {
			s.UsageCount[spec.Name] = spec.UsageCount
		}
		scored = append(scored, ScoredName{Name: spec.Name, Fitness: spec.Fitness})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Fitness > scored[j].Fitness })
	if top > 0 && top < len(scored) {
		scored = scored[:top]
	}
	s.TopByScore = scored
	return s
}

// bind builds the executable binding that interprets spec's body against
// this library. The closure captures the library, so later additions are
// visible to recursive lookups.
func (l *Library) bind(spec model.FunctionSpec) model.Implementation {
	return func(args []any) (any, error) {
		if len(args) < len(spec.Params) {
			return nil, fmt.Errorf("call %s: want %d args, got %d", spec.Name, len(spec.Params), len(args))
		}
		env := make(map[string]any, len(spec.Params))
		for i, p := range spec.Params {
			env[p] = args[i]
		}
		return EvalBody(l, spec.Body, env)
	}
}
