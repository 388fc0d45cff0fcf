package program

import (
	"errors"
	"fmt"
)

// ActionType enumerates the construction steps.
type ActionType string

const (
	ActionAddLiteral   ActionType = "add_literal"
	ActionUseParam     ActionType = "use_param"
	ActionCallFunction ActionType = "call_function"
	ActionAddArgument  ActionType = "add_arg"
	ActionAddCondition ActionType = "add_condition"
	ActionComplete     ActionType = "complete"
)

// Literals is the fixed literal vocabulary offered during construction.
var Literals = []string{"0", "1", "true", "false"}

// Action is one construction step with its value payload.
type Action struct {
	Type        ActionType
	Value       string
	Description string
}

// Key is a stable identity for ranking and memoization.
func (a Action) Key() string {
	return string(a.Type) + ":" + a.Value
}

var (
	// ErrStateComplete reports an action applied to a finished program.
	ErrStateComplete = errors.New("program state is complete")

	// ErrUnknownAction reports an action type Apply does not understand.
	ErrUnknownAction = errors.New("unknown action type")
)

// Apply produces the successor state for one action. The input state is
// never mutated; Depth advances by exactly one, including for the
// completion marker.
func Apply(s State, a Action) (State, error) {
	if s.Complete {
		return State{}, ErrStateComplete
	}
	next := s.Clone()
	switch a.Type {
	case ActionAddLiteral, ActionUseParam:
		next.BodyTokens = append(next.BodyTokens, a.Value)
	case ActionCallFunction:
		next.BodyTokens = append(next.BodyTokens, a.Value+"(")
	case ActionAddCondition:
		next.BodyTokens = append(next.BodyTokens, "if")
	case ActionAddArgument:
		if next.PendingCall() {
			next.BodyTokens = append(next.BodyTokens, a.Value+")")
		} else {
			next.BodyTokens = append(next.BodyTokens, ", "+a.Value)
		}
	case ActionComplete:
		next.Complete = true
	default:
		return State{}, fmt.Errorf("%w: %s", ErrUnknownAction, a.Type)
	}
	next.Depth++
	return next, nil
}
