// Package evo implements the evolutionary half of the dual-search engine:
// a bounded population of function candidates seeded from tree-search
// output, refined by oracle-suggested mutations over generations.
package evo

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// Candidate is one population member. Candidates are owned by the current
// generation's population slice; superseded candidates are simply left out
// of the next one.
type Candidate struct {
	ID         string
	Spec       model.FunctionSpec
	Sources    []program.State
	Generation int
	Parents    []string
}

func newCandidate(spec model.FunctionSpec, sources []program.State, generation int, parents []string) Candidate {
	return Candidate{
		ID:         uuid.NewString(),
		Spec:       spec,
		Sources:    sources,
		Generation: generation,
		Parents:    append([]string(nil), parents...),
	}
}

// ErrNoConversion reports a completed program that cannot become a valid
// function spec.
var ErrNoConversion = errors.New("program does not convert to a function")

// ProgramToSpec extracts a function spec from a completed program state.
// The body must parse as a single expression; anything else is a
// conversion failure for the caller to skip.
func ProgramToSpec(state program.State, name string) (model.FunctionSpec, error) {
	if !state.Complete {
		return model.FunctionSpec{}, fmt.Errorf("%w: program is incomplete", ErrNoConversion)
	}
	body := state.BodyText()
	if body == "" {
		return model.FunctionSpec{}, fmt.Errorf("%w: empty body", ErrNoConversion)
	}
	if _, err := dsl.ParseBody(body); err != nil {
		return model.FunctionSpec{}, fmt.Errorf("%w: %v", ErrNoConversion, err)
	}
	paramTypes := make([]model.TypeTag, len(state.Params))
	for i := range paramTypes {
		paramTypes[i] = model.TypeAny
	}
	return model.FunctionSpec{
		Name:       name,
		Params:     append([]string(nil), state.Params...),
		ParamTypes: paramTypes,
		ReturnType: model.TypeAny,
		Body:       body,
	}, nil
}
