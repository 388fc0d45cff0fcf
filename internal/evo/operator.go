package evo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
)

// ErrNotApplicable reports a mutation that cannot act on the given spec.
// Operators fail closed: on any doubt they return this instead of a
// half-transformed spec.
var ErrNotApplicable = errors.New("mutation not applicable")

// Operator rewrites a function spec into a new one. Implementations never
// modify their input.
type Operator interface {
	Name() string
	Apply(spec model.FunctionSpec, lib *dsl.Library, params map[string]string) (model.FunctionSpec, error)
}

// OperatorFor maps an oracle strategy name to its operator.
func OperatorFor(strategy string) (Operator, error) {
	switch strategy {
	case oracle.StrategyGeneralizeParameters:
		return generalizeParameters{}, nil
	case oracle.StrategyCombineFunctions:
		return combineFunctions{}, nil
	case oracle.StrategyAddRecursion:
		return addRecursion{}, nil
	case oracle.StrategyAddErrorHandling:
		return addErrorHandling{}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", ErrNotApplicable, strategy)
}

// generalizeParameters replaces one literal in the body with a fresh
// parameter, widening the function's input surface.
type generalizeParameters struct{}

func (generalizeParameters) Name() string { return oracle.StrategyGeneralizeParameters }

func (generalizeParameters) Apply(spec model.FunctionSpec, _ *dsl.Library, params map[string]string) (model.FunctionSpec, error) {
	target := params["target_value"]
	newParam := params["new_param_name"]
	if newParam == "" {
		newParam = "p"
	}
	for _, p := range spec.Params {
		if p == newParam {
			return model.FunctionSpec{}, fmt.Errorf("%w: parameter %q already exists", ErrNotApplicable, newParam)
		}
	}
	tokens := spec.BodyTokens()
	idx := -1
	for i, tok := range tokens {
		if isLiteral(tok) && (target == "" || tok == target) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.FunctionSpec{}, fmt.Errorf("%w: no literal to generalize", ErrNotApplicable)
	}
	tokens[idx] = newParam

	out := cloneSpec(spec)
	out.Name = spec.Name + "_generalized"
	out.Params = append(out.Params, newParam)
	out.ParamTypes = append(out.ParamTypes, model.TypeAny)
	out.Body = strings.Join(tokens, " ")
	return out, nil
}

// combineFunctions splices another library function into the body. The
// partner's call is built inline from this spec's own parameters, so the
// result never references an uncommitted name.
type combineFunctions struct{}

func (combineFunctions) Name() string { return oracle.StrategyCombineFunctions }

func (combineFunctions) Apply(spec model.FunctionSpec, lib *dsl.Library, params map[string]string) (model.FunctionSpec, error) {
	otherName := params["combine_with"]
	other, ok := lib.Get(otherName)
	if !ok {
		return model.FunctionSpec{}, fmt.Errorf("%w: %s not in library", ErrNotApplicable, otherName)
	}
	if len(other.Params) > len(spec.Params) {
		return model.FunctionSpec{}, fmt.Errorf("%w: %s needs %d args, only %d params available",
			ErrNotApplicable, otherName, len(other.Params), len(spec.Params))
	}
	call := otherName + " ( " + strings.Join(spec.Params[:len(other.Params)], " , ") + " )"

	var body string
	switch params["combination_type"] {
	case "parallel":
		body = "add ( " + spec.Body + " , " + call + " )"
	case "conditional":
		if len(spec.Params) == 0 {
			return model.FunctionSpec{}, fmt.Errorf("%w: conditional combination needs a parameter", ErrNotApplicable)
		}
		body = "if_then_else ( gt ( " + spec.Params[0] + " , 0 ) , " + spec.Body + " , " + call + " )"
	default: // compose
		if len(spec.Params) == 0 {
			return model.FunctionSpec{}, fmt.Errorf("%w: compose needs a parameter", ErrNotApplicable)
		}
		body = replaceFirstToken(spec.Body, spec.Params[0], call)
	}

	out := cloneSpec(spec)
	out.Name = spec.Name + "_" + otherName
	out.Body = body
	return out, nil
}

// addRecursion wraps the body in a base-case guard and a self call on a
// decremented argument. The self reference uses the mutated name, which
// the library accepts as the one permitted forward reference.
type addRecursion struct{}

func (addRecursion) Name() string { return oracle.StrategyAddRecursion }

func (addRecursion) Apply(spec model.FunctionSpec, _ *dsl.Library, params map[string]string) (model.FunctionSpec, error) {
	base := params["base_param"]
	if base == "" && len(spec.Params) > 0 {
		base = spec.Params[0]
	}
	found := false
	for _, p := range spec.Params {
		if p == base {
			found = true
			break
		}
	}
	if !found {
		return model.FunctionSpec{}, fmt.Errorf("%w: no base parameter for recursion", ErrNotApplicable)
	}

	name := spec.Name + "_recursive"
	args := make([]string, len(spec.Params))
	for i, p := range spec.Params {
		if p == base {
			args[i] = "sub ( " + p + " , 1 )"
		} else {
			args[i] = p
		}
	}
	body := "if_then_else ( lt ( " + base + " , 2 ) , 1 , mul ( " + base + " , " +
		name + " ( " + strings.Join(args, " , ") + " ) ) )"

	out := cloneSpec(spec)
	out.Name = name
	out.Body = body
	return out, nil
}

// addErrorHandling guards the body against a degenerate argument value,
// returning a fallback instead of evaluating it.
type addErrorHandling struct{}

func (addErrorHandling) Name() string { return oracle.StrategyAddErrorHandling }

func (addErrorHandling) Apply(spec model.FunctionSpec, _ *dsl.Library, params map[string]string) (model.FunctionSpec, error) {
	guard := params["error_param"]
	if guard == "" && len(spec.Params) > 0 {
		guard = spec.Params[len(spec.Params)-1]
	}
	found := false
	for _, p := range spec.Params {
		if p == guard {
			found = true
			break
		}
	}
	if !found {
		return model.FunctionSpec{}, fmt.Errorf("%w: no parameter to guard", ErrNotApplicable)
	}
	fallback := params["fallback_value"]
	if fallback == "" {
		fallback = "0"
	}
	body := "if_then_else ( eq ( " + guard + " , 0 ) , " + fallback + " , " + spec.Body + " )"

	out := cloneSpec(spec)
	out.Name = spec.Name + "_safe"
	out.Body = body
	return out, nil
}

func cloneSpec(spec model.FunctionSpec) model.FunctionSpec {
	out := spec
	out.Params = append([]string(nil), spec.Params...)
	out.ParamTypes = append([]model.TypeTag(nil), spec.ParamTypes...)
	out.Impl = nil
	out.Fitness = 0
	out.UsageCount = 0
	return out
}

func isLiteral(tok string) bool {
	if tok == "true" || tok == "false" {
		return true
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return tok != ""
}

func replaceFirstToken(body, old, repl string) string {
	tokens := strings.Fields(body)
	for i, tok := range tokens {
		if tok == old {
			tokens[i] = repl
			return strings.Join(tokens, " ")
		}
	}
	// No occurrence: prepend the call as the whole body would lose the
	// original work, so fall back to a parallel shape.
	return "add ( " + body + " , " + repl + " )"
}
