package program

import (
	"errors"
	"reflect"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
)

func actionKeys(actions []Action) []string {
	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.Key())
	}
	return keys
}

func TestLegalActionsEmptyState(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("double", []string{"n"}, model.TypeInt)

	actions := LegalActions(s, lib)

	want := []string{
		"add_literal:0", "add_literal:1", "add_literal:true", "add_literal:false",
		"use_param:n",
	}
	for _, name := range lib.ListNames() {
		want = append(want, "call_function:"+name)
	}
	want = append(want, "add_condition:if")

	if got := actionKeys(actions); !reflect.DeepEqual(got, want) {
		t.Fatalf("empty-state actions = %v, want %v", got, want)
	}
}

func TestLegalActionsExcludeSelfCall(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("add", []string{"n"}, model.TypeInt)
	for _, key := range actionKeys(LegalActions(s, lib)) {
		if key == "call_function:add" {
			t.Fatal("self-call offered during construction")
		}
	}
}

func TestLegalActionsPendingCall(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("double", []string{"n"}, model.TypeInt)
	s.BodyTokens = []string{"mul("}

	got := actionKeys(LegalActions(s, lib))
	want := []string{
		"complete:complete",
		"add_arg:n",
		"add_arg:0", "add_arg:1", "add_arg:true", "add_arg:false",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pending-call actions = %v, want %v", got, want)
	}
}

func TestLegalActionsClosedBody(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("double", []string{"n"}, model.TypeInt)
	s.BodyTokens = []string{"mul(", "n)"}

	got := actionKeys(LegalActions(s, lib))
	if !reflect.DeepEqual(got, []string{"complete:complete"}) {
		t.Fatalf("closed-body actions = %v, want only completion", got)
	}
}

func TestLegalActionsCompleteState(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("double", []string{"n"}, model.TypeInt)
	s.Complete = true
	if actions := LegalActions(s, lib); actions != nil {
		t.Fatalf("complete state offered actions: %v", actions)
	}
}

func TestLegalActionsDeterministic(t *testing.T) {
	lib := dsl.NewStandardLibrary()
	s := NewState("double", []string{"n"}, model.TypeInt)
	first := actionKeys(LegalActions(s, lib))
	for i := 0; i < 5; i++ {
		if got := actionKeys(LegalActions(s, lib)); !reflect.DeepEqual(got, first) {
			t.Fatalf("action order changed across calls: %v vs %v", got, first)
		}
	}
}

func TestApplySteps(t *testing.T) {
	s := NewState("double", []string{"n"}, model.TypeInt)

	s, err := Apply(s, Action{Type: ActionCallFunction, Value: "mul"})
	if err != nil {
		t.Fatalf("apply call: %v", err)
	}
	if s.LastToken() != "mul(" || !s.PendingCall() {
		t.Fatalf("call action produced %v", s.BodyTokens)
	}

	s, err = Apply(s, Action{Type: ActionAddArgument, Value: "n"})
	if err != nil {
		t.Fatalf("apply first arg: %v", err)
	}
	if s.LastToken() != "n)" {
		t.Fatalf("first argument should close the call, got %v", s.BodyTokens)
	}

	s, err = Apply(s, Action{Type: ActionAddArgument, Value: "2"})
	if err != nil {
		t.Fatalf("apply second arg: %v", err)
	}
	if s.LastToken() != ", 2" {
		t.Fatalf("later argument should continue the call, got %v", s.BodyTokens)
	}

	s, err = Apply(s, Action{Type: ActionComplete})
	if err != nil {
		t.Fatalf("apply complete: %v", err)
	}
	if !s.Complete {
		t.Fatal("completion marker did not set Complete")
	}
	if s.Depth != 4 {
		t.Fatalf("Depth = %d, want one per action", s.Depth)
	}
}

func TestApplyLiteralParamAndCondition(t *testing.T) {
	s := NewState("double", []string{"n"}, model.TypeInt)

	lit, err := Apply(s, Action{Type: ActionAddLiteral, Value: "1"})
	if err != nil || lit.LastToken() != "1" {
		t.Fatalf("literal apply = %v, %v", lit.BodyTokens, err)
	}

	param, err := Apply(s, Action{Type: ActionUseParam, Value: "n"})
	if err != nil || param.LastToken() != "n" {
		t.Fatalf("param apply = %v, %v", param.BodyTokens, err)
	}

	cond, err := Apply(s, Action{Type: ActionAddCondition, Value: "if"})
	if err != nil || cond.LastToken() != "if" {
		t.Fatalf("condition apply = %v, %v", cond.BodyTokens, err)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := NewState("double", []string{"n"}, model.TypeInt)
	s.BodyTokens = []string{"mul("}

	next, err := Apply(s, Action{Type: ActionAddArgument, Value: "n"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(s.BodyTokens) != 1 || s.Depth != 0 {
		t.Fatalf("input state mutated: %+v", s)
	}
	if len(next.BodyTokens) != 2 {
		t.Fatalf("successor missing token: %v", next.BodyTokens)
	}
}

func TestApplyErrors(t *testing.T) {
	done := NewState("double", []string{"n"}, model.TypeInt)
	done.Complete = true
	if _, err := Apply(done, Action{Type: ActionAddLiteral, Value: "1"}); !errors.Is(err, ErrStateComplete) {
		t.Fatalf("apply on complete state = %v, want ErrStateComplete", err)
	}

	s := NewState("double", []string{"n"}, model.TypeInt)
	if _, err := Apply(s, Action{Type: ActionType("teleport"), Value: "x"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown action = %v, want ErrUnknownAction", err)
	}
}
