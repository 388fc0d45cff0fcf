package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// maxEvalDepth bounds recursive bindings; eager bodies that never reach a
// base case fail with ErrDepthExceeded instead of looping forever.
const maxEvalDepth = 64

// EvalBody interprets a composed body expression against the library with
// the given parameter environment.
func EvalBody(lib *Library, body string, env map[string]any) (any, error) {
	node, err := ParseBody(body)
	if err != nil {
		return nil, err
	}
	return evalNode(lib, node, env, 0)
}

// ReferencedFunctions returns the names called by a body expression, in
// first-appearance order. Malformed bodies still yield every name that is
// lexically followed by an opening parenthesis.
func ReferencedFunctions(body string) []string {
	toks, err := lexBody(body)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var refs []string
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].kind == tokName && toks[i+1].kind == tokOpen {
			if _, ok := seen[toks[i].text]; ok {
				continue
			}
			seen[toks[i].text] = struct{}{}
			refs = append(refs, toks[i].text)
		}
	}
	return refs
}

// Expr is a parsed body expression.
type Expr struct {
	// Exactly one of the three forms is set.
	Call  *CallExpr
	Ident string
	Lit   *Literal
}

// CallExpr is a function application.
type CallExpr struct {
	Name string
	Args []Expr
}

// Literal is an integer or boolean constant.
type Literal struct {
	Int    int
	Bool   bool
	IsBool bool
}

// ParseBody parses a space-separated body expression such as
// "mul ( n , factorial ( sub ( n , 1 ) ) )". The whole body must be a
// single expression; trailing tokens are an error.
func ParseBody(body string) (Expr, error) {
	toks, err := lexBody(body)
	if err != nil {
		return Expr{}, err
	}
	if len(toks) == 0 {
		return Expr{}, fmt.Errorf("%w: empty body", ErrBadExpression)
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return Expr{}, err
	}
	if p.pos != len(p.toks) {
		return Expr{}, fmt.Errorf("%w: trailing tokens after expression", ErrBadExpression)
	}
	return expr, nil
}

type tokenKind int

const (
	tokName tokenKind = iota
	tokNumber
	tokBool
	tokOpen
	tokClose
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lexBody(body string) ([]token, error) {
	var toks []token
	i := 0
	runes := []rune(body)
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokOpen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tokClose, ")"})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			toks = append(toks, token{tokNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			text := string(runes[i:j])
			if text == "true" || text == "false" {
				toks = append(toks, token{tokBool, text})
			} else {
				toks = append(toks, token{tokName, text})
			}
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrBadExpression, string(r))
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

func (p *parser) parseExpr() (Expr, error) {
	tok, ok := p.next()
	if !ok {
		return Expr{}, fmt.Errorf("%w: unexpected end of body", ErrBadExpression)
	}
	switch tok.kind {
	case tokNumber:
		n, err := strconv.Atoi(tok.text)
		if err != nil {
			return Expr{}, fmt.Errorf("%w: bad number %q", ErrBadExpression, tok.text)
		}
		return Expr{Lit: &Literal{Int: n}}, nil
	case tokBool:
		return Expr{Lit: &Literal{Bool: tok.text == "true", IsBool: true}}, nil
	case tokName:
		if nxt, ok := p.peek(); ok && nxt.kind == tokOpen {
			p.pos++
			return p.parseCall(tok.text)
		}
		return Expr{Ident: tok.text}, nil
	default:
		return Expr{}, fmt.Errorf("%w: unexpected token %q", ErrBadExpression, tok.text)
	}
}

func (p *parser) parseCall(name string) (Expr, error) {
	call := &CallExpr{Name: name}
	if tok, ok := p.peek(); ok && tok.kind == tokClose {
		p.pos++
		return Expr{Call: call}, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return Expr{}, err
		}
		call.Args = append(call.Args, arg)
		tok, ok := p.next()
		if !ok {
			return Expr{}, fmt.Errorf("%w: unterminated call to %s", ErrBadExpression, name)
		}
		if tok.kind == tokClose {
			return Expr{Call: call}, nil
		}
		if tok.kind != tokComma {
			return Expr{}, fmt.Errorf("%w: expected , or ) in call to %s", ErrBadExpression, name)
		}
	}
}

func evalNode(lib *Library, expr Expr, env map[string]any, depth int) (any, error) {
	if depth > maxEvalDepth {
		return nil, ErrDepthExceeded
	}
	switch {
	case expr.Lit != nil:
		if expr.Lit.IsBool {
			return expr.Lit.Bool, nil
		}
		return expr.Lit.Int, nil
	case expr.Ident != "":
		if v, ok := env[expr.Ident]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: unbound identifier %s", ErrBadExpression, expr.Ident)
	case expr.Call != nil:
		return evalCall(lib, expr.Call, env, depth)
	default:
		return nil, ErrBadExpression
	}
}

// evalCall applies a library function. if_then_else is evaluated lazily so
// recursive definitions can terminate at their base case.
func evalCall(lib *Library, call *CallExpr, env map[string]any, depth int) (any, error) {
	if call.Name == "if_then_else" {
		if len(call.Args) != 3 {
			return nil, fmt.Errorf("%w: if_then_else wants 3 args, got %d", ErrBadExpression, len(call.Args))
		}
		cond, err := evalNode(lib, call.Args[0], env, depth+1)
		if err != nil {
			return nil, err
		}
		b, ok := asBool(cond)
		if !ok {
			return nil, fmt.Errorf("if_then_else: condition is not a bool: %v", cond)
		}
		if b {
			return evalNode(lib, call.Args[1], env, depth+1)
		}
		return evalNode(lib, call.Args[2], env, depth+1)
	}

	spec, ok := lib.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("call %s: %w", call.Name, ErrNotFound)
	}
	args := make([]any, 0, len(call.Args))
	for _, argExpr := range call.Args {
		v, err := evalNode(lib, argExpr, env, depth+1)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if spec.IsPrimitive() {
		if spec.Impl == nil {
			return nil, fmt.Errorf("call %s: %w", call.Name, ErrNotExecutable)
		}
		return spec.Impl(args)
	}
	if len(args) < len(spec.Params) {
		return nil, fmt.Errorf("call %s: want %d args, got %d", call.Name, len(spec.Params), len(args))
	}
	inner := make(map[string]any, len(spec.Params))
	for i, p := range spec.Params {
		inner[p] = args[i]
	}
	node, err := ParseBody(spec.Body)
	if err != nil {
		return nil, err
	}
	return evalNode(lib, node, inner, depth+1)
}

// CanonicalBody normalizes an expression string into the library's
// space-separated lexeme form, so token-overlap comparisons see identical
// vocabularies regardless of the producer's spacing.
func CanonicalBody(body string) (string, error) {
	toks, err := lexBody(body)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(toks))
	for i, tok := range toks {
		parts[i] = tok.text
	}
	return strings.Join(parts, " "), nil
}
