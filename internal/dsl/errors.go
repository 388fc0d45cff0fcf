package dsl

import "errors"

var (
	// ErrNotFound reports a lookup for a name the library does not hold.
	ErrNotFound = errors.New("function not found")

	// ErrUnknownReference reports a composed body naming a function that is
	// not yet in the library. Bodies may reference themselves; everything
	// else must already exist at insertion time.
	ErrUnknownReference = errors.New("body references unknown function")

	// ErrPrimitiveImmutable reports an attempt to overwrite a seed primitive.
	ErrPrimitiveImmutable = errors.New("primitive functions are immutable")

	// ErrBadExpression reports a body that does not parse as an expression.
	ErrBadExpression = errors.New("malformed body expression")

	// ErrDepthExceeded reports runaway recursion during evaluation.
	ErrDepthExceeded = errors.New("evaluation depth exceeded")

	// ErrNotExecutable reports a call to a function with no binding.
	ErrNotExecutable = errors.New("function has no executable binding")
)
