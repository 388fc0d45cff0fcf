package dsl

import (
	"errors"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

func anySpec(name, body string, params ...string) model.FunctionSpec {
	types := make([]model.TypeTag, len(params))
	for i := range types {
		types[i] = model.TypeAny
	}
	return model.FunctionSpec{
		Name:       name,
		Params:     params,
		ParamTypes: types,
		ReturnType: model.TypeAny,
		Body:       body,
	}
}

func TestStandardLibraryPrimitives(t *testing.T) {
	lib := NewStandardLibrary()
	names := []string{"add", "sub", "mul", "div", "eq", "lt", "gt", "if_then_else", "identity"}
	if lib.Len() != len(names) {
		t.Fatalf("expected %d primitives, got %d", len(names), lib.Len())
	}
	for _, name := range names {
		spec, ok := lib.Get(name)
		if !ok {
			t.Fatalf("missing primitive %s", name)
		}
		if !spec.IsPrimitive() {
			t.Fatalf("%s should be a primitive", name)
		}
	}
}

func TestPrimitiveCalls(t *testing.T) {
	lib := NewStandardLibrary()
	cases := []struct {
		name string
		args []any
		want any
	}{
		{"add", []any{2, 3}, 5},
		{"sub", []any{2, 3}, -1},
		{"mul", []any{4, 5}, 20},
		{"div", []any{10, 3}, 3},
		{"div", []any{10, 0}, 0},
		{"eq", []any{2, 2}, true},
		{"eq", []any{2, 3}, false},
		{"lt", []any{1, 2}, true},
		{"gt", []any{1, 2}, false},
		{"if_then_else", []any{true, 1, 2}, 1},
		{"if_then_else", []any{false, 1, 2}, 2},
		{"identity", []any{7}, 7},
	}
	for _, tc := range cases {
		got, err := lib.Call(tc.name, tc.args)
		if err != nil {
			t.Fatalf("%s(%v): %v", tc.name, tc.args, err)
		}
		if got != tc.want {
			t.Fatalf("%s(%v) = %v, want %v", tc.name, tc.args, got, tc.want)
		}
	}
}

func TestAddFunctionRejectsPrimitiveOverwrite(t *testing.T) {
	lib := NewStandardLibrary()
	err := lib.AddFunction(anySpec("add", "mul ( x , y )", "x", "y"))
	if !errors.Is(err, ErrPrimitiveImmutable) {
		t.Fatalf("expected ErrPrimitiveImmutable, got %v", err)
	}
}

func TestAddFunctionRejectsUnknownReference(t *testing.T) {
	lib := NewStandardLibrary()
	err := lib.AddFunction(anySpec("uses_ghost", "ghost ( n )", "n"))
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestAddFunctionAllowsSelfReference(t *testing.T) {
	lib := NewStandardLibrary()
	body := "if_then_else ( lt ( n , 2 ) , 1 , mul ( n , factorial ( sub ( n , 1 ) ) ) )"
	if err := lib.AddFunction(anySpec("factorial", body, "n")); err != nil {
		t.Fatalf("add recursive function: %v", err)
	}
	got, err := lib.Call("factorial", []any{5})
	if err != nil {
		t.Fatalf("factorial(5): %v", err)
	}
	if got != 120 {
		t.Fatalf("factorial(5) = %v, want 120", got)
	}
}

func TestAddFunctionOverwritesEvolved(t *testing.T) {
	lib := NewStandardLibrary()
	if err := lib.AddFunction(anySpec("double", "add ( n , n )", "n")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := lib.AddFunction(anySpec("double", "mul ( n , 2 )", "n")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if lib.Len() != len(Primitives())+1 {
		t.Fatalf("overwrite should not grow the library: %d", lib.Len())
	}
	got, err := lib.Call("double", []any{6})
	if err != nil {
		t.Fatalf("double(6): %v", err)
	}
	if got != 12 {
		t.Fatalf("double(6) = %v after overwrite", got)
	}
}

func TestAddFunctionRequiresName(t *testing.T) {
	lib := NewLibrary()
	if err := lib.AddFunction(model.FunctionSpec{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestListNamesInsertionOrder(t *testing.T) {
	lib := NewStandardLibrary()
	if err := lib.AddFunction(anySpec("double", "add ( n , n )", "n")); err != nil {
		t.Fatalf("add: %v", err)
	}
	names := lib.ListNames()
	if names[len(names)-1] != "double" {
		t.Fatalf("expected double last, got %v", names)
	}
}

func TestCanCompose(t *testing.T) {
	lib := NewStandardLibrary()
	if !lib.CanCompose("add", "mul") {
		t.Fatal("int -> int composition should be allowed")
	}
	if lib.CanCompose("lt", "add") {
		t.Fatal("bool -> int composition should be rejected")
	}
	if !lib.CanCompose("lt", "identity") {
		t.Fatal("any first parameter should accept bool")
	}
	if lib.CanCompose("add", "missing") {
		t.Fatal("unknown function should not compose")
	}
}

func TestCallUnknownFunction(t *testing.T) {
	lib := NewStandardLibrary()
	if _, err := lib.Call("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordUsageAndSummarize(t *testing.T) {
	lib := NewStandardLibrary()
	spec := anySpec("double", "add ( n , n )", "n")
	spec.Fitness = 0.9
	if err := lib.AddFunction(spec); err != nil {
		t.Fatalf("add: %v", err)
	}
	lib.RecordUsage("double")
	lib.RecordUsage("double")
	lib.RecordUsage("missing")

	summary := lib.Summarize(3)
	if summary.Total != len(Primitives())+1 || summary.Evolved != 1 {
		t.Fatalf("unexpected summary counts: %+v", summary)
	}
	if summary.UsageCount["double"] != 2 {
		t.Fatalf("unexpected usage count: %+v", summary.UsageCount)
	}
	if len(summary.TopByScore) != 3 || summary.TopByScore[0].Name != "double" {
		t.Fatalf("unexpected top list: %+v", summary.TopByScore)
	}
}

func TestSnapshotCopies(t *testing.T) {
	lib := NewStandardLibrary()
	snapshot := lib.Snapshot()
	if len(snapshot) != lib.Len() {
		t.Fatalf("snapshot length %d != library %d", len(snapshot), lib.Len())
	}
	snapshot[0].Name = "mutated"
	if _, ok := lib.Get(snapshot[0].Name); ok {
		t.Fatal("snapshot mutation must not affect the library")
	}
}
