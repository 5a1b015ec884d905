package fhirpath

import (
	"context"
	"maps"
	"sync"
)

// CompiledExpression is an Expression walked once into a bound tree and
// safe to evaluate repeatedly without re-parsing or re-validating its
// function calls. Compile is the fast path for expressions evaluated
// against many resources (e.g. a search-parameter extractor invoked once
// per resource in a bundle).
type CompiledExpression struct {
	expr  Expression
	bound *boundNode
	fns   Functions // table bound against, when CompileOptions were given
}

// CompileOption configures Compile. The zero value binds against only the
// built-in function table; WithCompileFunctions extends or overrides it,
// mirroring WithFunctions at evaluation time so caller-registered
// functions (e.g. terminology.Client.Functions) get the same compile-time
// arity validation the standard library does.
type CompileOption func(*compileConfig)

type compileConfig struct {
	fns Functions
}

// WithCompileFunctions adds or overrides entries in the function table
// Compile validates arity against.
func WithCompileFunctions(fns Functions) CompileOption {
	return func(c *compileConfig) {
		maps.Copy(c.fns, fns)
	}
}

// Eval runs the compiled expression like Evaluate(ctx, target,
// c.Expression()), without binding it again; functions registered with
// WithCompileFunctions are layered onto ctx's table for the evaluation.
func (c CompiledExpression) Eval(ctx context.Context, target Element) (Collection, error) {
	if c.fns != nil {
		ctx = WithFunctions(ctx, c.fns)
	}
	return evaluateBound(ctx, target, c.expr, c.bound)
}

func (c CompiledExpression) Expression() Expression { return c.expr }

// Types returns the FHIRPath type specifiers this compiled expression can
// be shown, without running it, to statically produce: explicit is/as/
// ofType assertions. Positions whose type depends on
// the resource being evaluated (plain member navigation) aren't
// represented - this is a best-effort static view, not full type
// inference, since that would require the schema a Compile call doesn't
// have access to.
func (c CompiledExpression) Types() []TypeSpecifier {
	return staticTypes(c.expr.tree)
}

var compileCache sync.Map // string -> compileCacheEntry

type compileCacheEntry struct {
	expr CompiledExpression
	err  error
}

// Compile parses source (or returns the process-wide cached result if this
// exact source string has been compiled before with no CompileOptions),
// then walks the resulting AST once, binding it into a boundNode tree and
// validating every function invocation's arity immediately - an unknown
// function or a bad argument count fails here, never only when Evaluate
// later reaches that call. Compile calls that pass CompileOptions bypass
// the cache, since the cache key is source text alone.
func Compile(source string, opts ...CompileOption) (CompiledExpression, error) {
	if len(opts) == 0 {
		if cached, ok := compileCache.Load(source); ok {
			entry := cached.(compileCacheEntry)
			return entry.expr, entry.err
		}
	}
	cfg := compileConfig{fns: maps.Clone(defaultFunctions)}
	for _, opt := range opts {
		opt(&cfg)
	}
	expr, err := Parse(source)
	if err != nil {
		if len(opts) == 0 {
			compileCache.Store(source, compileCacheEntry{err: err})
		}
		return CompiledExpression{}, err
	}
	bound, err := bind(expr.tree, cfg.fns)
	if err != nil {
		if len(opts) == 0 {
			compileCache.Store(source, compileCacheEntry{err: err})
		}
		return CompiledExpression{}, err
	}
	compiled := CompiledExpression{expr: expr, bound: bound}
	if len(opts) > 0 {
		compiled.fns = cfg.fns
	}
	if len(opts) == 0 {
		compileCache.Store(source, compileCacheEntry{expr: compiled})
	}
	return compiled, nil
}
