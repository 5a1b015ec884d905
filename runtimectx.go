package fhirpath

import (
	"context"
	"log/slog"
	"maps"
)

// Tracer receives trace() calls made during evaluation. The default,
// SlogTracer, logs at slog.LevelDebug - callers wanting a different sink
// pass their own Tracer through WithTracer.
type Tracer interface {
	Log(name string, collection Collection) error
}

// SlogTracer is the zero-configuration Tracer every evaluation gets unless
// WithTracer overrides it: trace() results are emitted at slog.LevelDebug,
// matching the rest of this codebase's ambient logging.
type SlogTracer struct {
	Logger *slog.Logger
}

func (t SlogTracer) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t SlogTracer) Log(name string, collection Collection) error {
	t.logger().Debug("trace", "name", name, "collection", collection)
	return nil
}

type tracerKey struct{}

func WithTracer(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, t)
}

func getTracer(ctx context.Context) Tracer {
	if t, ok := ctx.Value(tracerKey{}).(Tracer); ok && t != nil {
		return t
	}
	return SlogTracer{}
}

// EvaluateFunc is the callback a Function uses to recursively evaluate one
// of its unevaluated parameter expressions against a (possibly rescoped)
// target, optionally overriding $this/$index/$total via scope. It returns
// MaybePending rather than a bare Collection so that a sub-expression
// which reaches an async-only function (weight, ordinal) can signal that
// upward instead of blocking silently; async-contagion macros (where,
// select, repeat, aggregate, all, exists, iif) inspect Pending() to decide
// whether to promote their own result.
type EvaluateFunc func(
	ctx context.Context,
	target Collection,
	expr Expression,
	scope *FunctionScope, // nil preserves the parent scope
) (MaybePending[Collection], error)

// Function is one entry of the standard function library, or a
// caller-registered extension installed with WithFunctions.
type Function func(
	ctx context.Context,
	root Element,
	target Collection,
	parameters []Expression,
	evaluate EvaluateFunc,
) (MaybePending[Collection], error)

// FunctionScope is the externally visible half of the $this/$index/$total
// binding a Function's EvaluateFunc callback can override for its
// sub-expressions (e.g. where's item filter, select's projection).
type FunctionScope struct {
	This  Element
	Index int
	Total Collection
}

type functionCtxKey struct{}

type functionScope struct {
	this      Element
	index     int
	aggregate bool
	total     Collection
}

func withFunctionScope(ctx context.Context, s functionScope) context.Context {
	return context.WithValue(ctx, functionCtxKey{}, s)
}

func getFunctionScope(ctx context.Context) (functionScope, bool) {
	s, ok := ctx.Value(functionCtxKey{}).(functionScope)
	return s, ok
}

type functionsKey struct{}

// Functions is a registry of named FHIRPath functions.
type Functions map[string]FunctionEntry

type functionsKeyType = functionsKey

// WithFunctions layers additional or overriding functions onto whatever
// registry is already in scope (starting from the built-in table).
func WithFunctions(ctx context.Context, fns Functions) context.Context {
	all := maps.Clone(getFunctions(ctx))
	maps.Copy(all, fns)
	return context.WithValue(ctx, functionsKey{}, all)
}

func getFunctions(ctx context.Context) Functions {
	if fns, ok := ctx.Value(functionsKey{}).(Functions); ok {
		return fns
	}
	return maps.Clone(defaultFunctions)
}

func getFunction(ctx context.Context, name string) (FunctionEntry, bool) {
	fn, ok := getFunctions(ctx)[name]
	return fn, ok
}

// varsKey holds the caller-supplied, immutable external constants reachable
// as %name (WithVariable), distinct from the ones defineVariable() adds
// during evaluation of a single expression.
type varsKey struct{}

func WithVariable(ctx context.Context, name string, value Collection) context.Context {
	vars := maps.Clone(externalVars(ctx))
	vars[name] = value
	return context.WithValue(ctx, varsKey{}, vars)
}

func externalVars(ctx context.Context) map[string]Collection {
	if vars, ok := ctx.Value(varsKey{}).(map[string]Collection); ok {
		return vars
	}
	return map[string]Collection{}
}

// definedVarsKey holds the stack of variables introduced by defineVariable()
// within the current expression tree; redefining one, or shadowing a
// WithVariable constant or an environment variable, is a domain error.
type definedVarsKey struct{}

func withDefinedVariable(ctx context.Context, name string, value Collection) (context.Context, error) {
	defined := maps.Clone(definedVars(ctx))
	if _, exists := defined[name]; exists {
		return ctx, domainErr("variable %q is already defined in this scope", name)
	}
	_, isProcessed := processedVars(ctx)[name]
	_, isExternal := externalVars(ctx)[name]
	if isProcessed || isExternal {
		return ctx, domainErr("variable %q would shadow an existing variable", name)
	}
	defined[name] = value
	return context.WithValue(ctx, definedVarsKey{}, defined), nil
}

func definedVars(ctx context.Context) map[string]Collection {
	if vars, ok := ctx.Value(definedVarsKey{}).(map[string]Collection); ok {
		return vars
	}
	return map[string]Collection{}
}

// processedVarsKey holds the environment variables FHIRPath defines itself:
// %context, %resource, %rootResource, and the terminology URL constants.
type processedVarsKey struct{}

func withProcessedVariable(ctx context.Context, name string, value Collection) context.Context {
	vars := maps.Clone(processedVars(ctx))
	vars[name] = value
	return context.WithValue(ctx, processedVarsKey{}, vars)
}

func processedVars(ctx context.Context) map[string]Collection {
	if vars, ok := ctx.Value(processedVarsKey{}).(map[string]Collection); ok {
		return vars
	}
	return map[string]Collection{
		"ucum": Collection{String("http://unitsofmeasure.org")},
		"loinc": Collection{String("http://loinc.org")},
		"sct":   Collection{String("http://snomed.info/sct")},
		"vs-":   Collection{String("http://hl7.org/fhir/ValueSet/")},
		"ext-":  Collection{String("http://hl7.org/fhir/StructureDefinition/")},
	}
}

func lookupVariable(ctx context.Context, name string) (Collection, bool) {
	if v, ok := definedVars(ctx)[name]; ok {
		return v, true
	}
	if v, ok := processedVars(ctx)[name]; ok {
		return v, true
	}
	if v, ok := externalVars(ctx)[name]; ok {
		return v, true
	}
	return nil, false
}

// signalKey exposes a cooperative cancellation channel independent of
// ctx.Done, so an embedder can request cancellation without also tearing
// down whatever deadline the surrounding context carries.
type signalKey struct{}

func WithSignal(ctx context.Context, signal <-chan struct{}) context.Context {
	return context.WithValue(ctx, signalKey{}, signal)
}

func checkSignal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapErr(KindCancellation, err, "evaluation cancelled")
	}
	if sig, ok := ctx.Value(signalKey{}).(<-chan struct{}); ok {
		select {
		case <-sig:
			return newErr(KindCancellation, "evaluation cancelled by signal")
		default:
		}
	}
	return nil
}

// terminologyURLKey names the terminology service consulted by weight()/
// ordinal() and other SDC extension functions.
type terminologyURLKey struct{}

func WithTerminologyURL(ctx context.Context, url string) context.Context {
	return context.WithValue(ctx, terminologyURLKey{}, url)
}

func contextTerminologyURL(ctx context.Context) (string, bool) {
	url, ok := ctx.Value(terminologyURLKey{}).(string)
	return url, ok
}

// ContextTerminologyURL exposes the active terminology service URL to
// external packages (e.g. terminology.Client) that implement additional
// Functions outside this package.
func ContextTerminologyURL(ctx context.Context) (string, bool) {
	return contextTerminologyURL(ctx)
}
