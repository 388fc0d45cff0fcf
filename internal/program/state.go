// Package program holds the representation of candidate programs under
// construction and the legal construction actions over them.
package program

import (
	"fmt"
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
)

// State is a partial or complete candidate program. Once Complete is set
// the state is logically immutable; every applied action produces a fresh
// clone with Depth advanced by one.
type State struct {
	FunctionName string
	Params       []string
	ReturnType   model.TypeTag
	BodyTokens   []string
	Complete     bool
	Depth        int
}

// NewState returns an empty construction state for the named target.
func NewState(functionName string, params []string, returnType model.TypeTag) State {
	return State{
		FunctionName: functionName,
		Params:       append([]string(nil), params...),
		ReturnType:   returnType,
	}
}

// Clone returns an independent copy sharing no mutable storage with s.
func (s State) Clone() State {
	out := s
	out.Params = append([]string(nil), s.Params...)
	out.BodyTokens = append([]string(nil), s.BodyTokens...)
	return out
}

// LastToken returns the most recent body token, or "".
func (s State) LastToken() string {
	if len(s.BodyTokens) == 0 {
		return ""
	}
	return s.BodyTokens[len(s.BodyTokens)-1]
}

// PendingCall reports whether the most recent token is an unapplied
// function call awaiting its first argument.
func (s State) PendingCall() bool {
	return strings.HasSuffix(s.LastToken(), "(")
}

// BodyText returns the body in the library's canonical space-separated
// lexeme form. Token sequences that do not lex (stray characters) fall back
// to a plain join; parsing decides their validity later.
func (s State) BodyText() string {
	raw := strings.Join(s.BodyTokens, " ")
	if canonical, err := dsl.CanonicalBody(raw); err == nil {
		return canonical
	}
	return raw
}

// Render returns a readable one-line form of the candidate.
func (s State) Render() string {
	body := s.BodyText()
	if body == "" {
		body = "<empty>"
	}
	return fmt.Sprintf("%s(%s) = %s", s.FunctionName, strings.Join(s.Params, ", "), body)
}

// CacheKey is a structural identity for oracle memoization.
func (s State) CacheKey() string {
	complete := "partial"
	if s.Complete {
		complete = "complete"
	}
	return fmt.Sprintf("%s|%s|%s|%s", s.FunctionName, strings.Join(s.Params, ","), complete, strings.Join(s.BodyTokens, " "))
}
