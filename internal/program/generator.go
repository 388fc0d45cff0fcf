package program

import (
	"fmt"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
)

// LegalActions enumerates the legal next construction steps for a state
// against a library snapshot. It is pure and deterministic: the same state
// and library always produce the same actions in the same order, so a
// search tree's branching factor is reproducible.
func LegalActions(s State, lib *dsl.Library) []Action {
	if s.Complete {
		return nil
	}

	var actions []Action
	if len(s.BodyTokens) == 0 {
		for _, lit := range Literals {
			actions = append(actions, Action{
				Type:        ActionAddLiteral,
				Value:       lit,
				Description: fmt.Sprintf("start with literal %s", lit),
			})
		}
		for _, param := range s.Params {
			actions = append(actions, Action{
				Type:        ActionUseParam,
				Value:       param,
				Description: fmt.Sprintf("use parameter %s", param),
			})
		}
		for _, name := range lib.ListNames() {
			// Self-calls enter only through the recursion mutation operator.
			if name == s.FunctionName {
				continue
			}
			actions = append(actions, Action{
				Type:        ActionCallFunction,
				Value:       name,
				Description: fmt.Sprintf("call function %s", name),
			})
		}
		actions = append(actions, Action{
			Type:        ActionAddCondition,
			Value:       "if",
			Description: "start a conditional branch",
		})
		return actions
	}

	actions = append(actions, Action{
		Type:        ActionComplete,
		Value:       "complete",
		Description: "mark program as complete",
	})
	if s.PendingCall() {
		for _, param := range s.Params {
			actions = append(actions, Action{
				Type:        ActionAddArgument,
				Value:       param,
				Description: fmt.Sprintf("pass argument %s", param),
			})
		}
		for _, lit := range Literals {
			actions = append(actions, Action{
				Type:        ActionAddArgument,
				Value:       lit,
				Description: fmt.Sprintf("pass literal %s", lit),
			})
		}
	}
	return actions
}
