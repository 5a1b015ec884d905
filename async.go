package fhirpath

import "context"

// MaybePending represents a value that is either already available or
// still pending an asynchronous operation (currently: a terminology
// lookup for weight()/ordinal()). Most of the evaluator only ever sees
// the synchronous, already-resolved case; Await is the single place that
// collapses the pending case back to a plain value. Awaiting drops the
// pending tag, so a macro that wants its result to stay pending whenever
// a projection was checks Pending() on each sub-result before awaiting it
// and wraps its own result accordingly.
type MaybePending[T any] struct {
	value   T
	pending bool
	resolve func(ctx context.Context) (T, error)
}

// Ready wraps an already-known value: the common case for every function
// that isn't a terminology lookup.
func Ready[T any](v T) MaybePending[T] {
	return MaybePending[T]{value: v}
}

// Pending wraps a deferred computation, run only when Await is called.
func Pending[T any](resolve func(ctx context.Context) (T, error)) MaybePending[T] {
	return MaybePending[T]{pending: true, resolve: resolve}
}

// Pending reports whether this value is still deferred - the hook macros
// that thread MaybePending contagion (where, select, repeat, aggregate,
// all, exists, iif) use to decide whether to keep evaluating synchronously
// or to promote their own result to Pending.
func (mp MaybePending[T]) Pending() bool { return mp.pending }

// Await resolves a MaybePending value, running its deferred computation
// if it has one. In synchronous Evaluate, this runs inline and blocks; in
// EvaluateAsync, the surrounding goroutine already isolates the caller
// from that block.
func Await[T any](ctx context.Context, mp MaybePending[T]) (T, error) {
	if !mp.pending {
		return mp.value, nil
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, wrapErr(KindCancellation, err, "evaluation cancelled")
	}
	return mp.resolve(ctx)
}

// AsyncMode controls whether async-only functions (weight, ordinal) may be
// reached during evaluation, per spec's three-state async option.
type AsyncMode int

const (
	// AsyncDisabled means an async-only function reached during evaluation
	// raises AsyncDisallowedError instead of running.
	AsyncDisabled AsyncMode = iota
	// AsyncEnabled means async-only functions may run, and evaluation is
	// promoted to Pending only when one is actually reached.
	AsyncEnabled
	// AsyncAlways means evaluation is unconditionally treated as pending -
	// contagion-aware macros promote to Pending even when no branch
	// actually reached an async-only function.
	AsyncAlways
)

type asyncModeKey struct{}

// WithAsync sets the async mode a terminology-backed function (weight,
// ordinal) checks before running, and that async-contagion macros (where,
// select, repeat, aggregate, all, exists, iif) consult when deciding
// whether to promote their result to Pending.
func WithAsync(ctx context.Context, mode AsyncMode) context.Context {
	return context.WithValue(ctx, asyncModeKey{}, mode)
}

func getAsyncMode(ctx context.Context) AsyncMode {
	mode, _ := ctx.Value(asyncModeKey{}).(AsyncMode)
	return mode
}

func isAsync(ctx context.Context) bool {
	return getAsyncMode(ctx) != AsyncDisabled
}

// forcePending reports whether the context's async mode requires
// contagion-aware macros to promote to Pending unconditionally.
func forcePending(ctx context.Context) bool {
	return getAsyncMode(ctx) == AsyncAlways
}

// AsyncAllowed reports whether the active async mode permits reaching an
// async-only function. Exported so packages outside this module that add
// their own async functions (e.g. terminology.Client) can gate on it
// before ever constructing a Pending value.
func AsyncAllowed(ctx context.Context) bool {
	return isAsync(ctx)
}

// NewAsyncDisallowedError builds the KindAsyncDisallowed error an external
// async-only function should return when AsyncAllowed(ctx) is false.
func NewAsyncDisallowedError(format string, args ...any) error {
	return newErr(KindAsyncDisallowed, format, args...)
}
