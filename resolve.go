package fhirpath

import (
	"context"
	"encoding/json"
)

// ResolveInternalTypes converts a Collection of this package's Element
// wrapper types into plain Go values (string, float64, bool, []any, map)
// by round-tripping through each Element's own json.Marshaler. A
// single-item collection resolves to that one value rather than a
// one-element slice, matching how a caller thinks of a FHIRPath result
// ("the patient's birth date", not "the one-item collection containing the
// patient's birth date").
func ResolveInternalTypes(c Collection) any {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type resolveInternalTypesKey struct{}

// WithResolveInternalTypes controls whether EvaluateResolved unwraps its
// result with ResolveInternalTypes. Defaults to true.
func WithResolveInternalTypes(ctx context.Context, resolve bool) context.Context {
	return context.WithValue(ctx, resolveInternalTypesKey{}, resolve)
}

func resolveInternalTypes(ctx context.Context) bool {
	if v, ok := ctx.Value(resolveInternalTypesKey{}).(bool); ok {
		return v
	}
	return true
}

// EvaluateResolved runs expr and, unless WithResolveInternalTypes(ctx,
// false) opted out, returns its result through ResolveInternalTypes -
// convenient for callers that want plain JSON-shaped values (e.g. writing
// a search-parameter value into an index) rather than this package's
// Element types.
func EvaluateResolved(ctx context.Context, target Element, expr Expression) (any, error) {
	result, err := Evaluate(ctx, target, expr)
	if err != nil {
		return nil, err
	}
	if !resolveInternalTypes(ctx) {
		return result, nil
	}
	return ResolveInternalTypes(result), nil
}
