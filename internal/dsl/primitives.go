package dsl

import (
	"fmt"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

// Primitives returns the immutable seed functions of every library:
// integer arithmetic, comparisons, branching, and identity.
func Primitives() []model.FunctionSpec {
	intBin := []model.TypeTag{model.TypeInt, model.TypeInt}
	return []model.FunctionSpec{
		primitive("add", []string{"x", "y"}, intBin, model.TypeInt,
			intOp(func(x, y int) int { return x + y })),
		primitive("sub", []string{"x", "y"}, intBin, model.TypeInt,
			intOp(func(x, y int) int { return x - y })),
		primitive("mul", []string{"x", "y"}, intBin, model.TypeInt,
			intOp(func(x, y int) int { return x * y })),
		primitive("div", []string{"x", "y"}, intBin, model.TypeInt,
			intOp(func(x, y int) int {
				if y == 0 {
					return 0
				}
				return x / y
			})),
		primitive("eq", []string{"x", "y"}, []model.TypeTag{model.TypeAny, model.TypeAny}, model.TypeBool,
			func(args []any) (any, error) {
				if err := arity("eq", 2, args); err != nil {
					return nil, err
				}
				return valueEqual(args[0], args[1]), nil
			}),
		primitive("lt", []string{"x", "y"}, intBin, model.TypeBool,
			cmpOp(func(x, y int) bool { return x < y })),
		primitive("gt", []string{"x", "y"}, intBin, model.TypeBool,
			cmpOp(func(x, y int) bool { return x > y })),
		primitive("if_then_else", []string{"cond", "then_val", "else_val"},
			[]model.TypeTag{model.TypeBool, model.TypeAny, model.TypeAny}, model.TypeAny,
			func(args []any) (any, error) {
				if err := arity("if_then_else", 3, args); err != nil {
					return nil, err
				}
				cond, ok := asBool(args[0])
				if !ok {
					return nil, fmt.Errorf("if_then_else: condition is not a bool: %v", args[0])
				}
				if cond {
					return args[1], nil
				}
				return args[2], nil
			}),
		primitive("identity", []string{"x"}, []model.TypeTag{model.TypeAny}, model.TypeAny,
			func(args []any) (any, error) {
				if err := arity("identity", 1, args); err != nil {
					return nil, err
				}
				return args[0], nil
			}),
	}
}

func primitive(name string, params []string, paramTypes []model.TypeTag, ret model.TypeTag, impl model.Implementation) model.FunctionSpec {
	return model.FunctionSpec{
		Name:       name,
		Params:     params,
		ParamTypes: paramTypes,
		ReturnType: ret,
		Impl:       impl,
	}
}

func arity(name string, want int, args []any) error {
	if len(args) != want {
		return fmt.Errorf("%s: want %d args, got %d", name, want, len(args))
	}
	return nil
}

func intOp(op func(x, y int) int) model.Implementation {
	return func(args []any) (any, error) {
		x, y, err := twoInts(args)
		if err != nil {
			return nil, err
		}
		return op(x, y), nil
	}
}

func cmpOp(op func(x, y int) bool) model.Implementation {
	return func(args []any) (any, error) {
		x, y, err := twoInts(args)
		if err != nil {
			return nil, err
		}
		return op(x, y), nil
	}
}

func twoInts(args []any) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("want 2 args, got %d", len(args))
	}
	x, ok := asInt(args[0])
	if !ok {
		return 0, 0, fmt.Errorf("not an int: %v", args[0])
	}
	y, ok := asInt(args[1])
	if !ok {
		return 0, 0, fmt.Errorf("not an int: %v", args[1])
	}
	return x, y, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int:
		return b != 0, true
	default:
		return false, false
	}
}

func valueEqual(a, b any) bool {
	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return ai == bi
		}
	}
	return a == b
}
