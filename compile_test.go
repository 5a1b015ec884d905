package fhirpath

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompileValidatesArityEagerly(t *testing.T) {
	_, err := Compile("(1|2).where()")
	if err == nil {
		t.Fatal("expected Compile to reject where() with no predicate")
	}
	var fpErr *Error
	if !errors.As(err, &fpErr) || fpErr.Kind != KindArity {
		t.Errorf("error = %v, want KindArity", err)
	}
}

func TestCompileValidatesUnknownFunction(t *testing.T) {
	if _, err := Compile("nope()"); err == nil {
		t.Fatal("expected Compile to reject an unknown function")
	}
}

func TestCompileValidatesCustomFunctionArity(t *testing.T) {
	fns := Functions{
		"double": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
			n, ok, err := Singleton[Integer](target)
			if err != nil || !ok {
				return MaybePending[Collection]{}, err
			}
			return Ready(Collection{n * 2}), nil
		}),
	}
	if _, err := Compile("21.double(1)", WithCompileFunctions(fns)); err == nil {
		t.Fatal("expected Compile to reject double() with an argument it does not take")
	}
	compiled, err := Compile("21.double()", WithCompileFunctions(fns))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got, err := compiled.Eval(context.Background(), nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if diff := cmp.Diff(Collection{Integer(42)}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileCachesBySourceText(t *testing.T) {
	a, err := Compile("1 + 1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := Compile("1 + 1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if a.bound != b.bound {
		t.Error("expected two Compile calls for identical source to share a cached bound tree")
	}
}

func TestCompiledExpressionTypes(t *testing.T) {
	compiled, err := Compile("value.ofType(FHIR.Quantity).exists()")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []TypeSpecifier{{Namespace: "FHIR", Name: "Quantity"}}
	if diff := cmp.Diff(want, compiled.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateResolvedUnwrapsToPlainValues(t *testing.T) {
	e, err := Parse("(1 | 2 | 3)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := EvaluateResolved(context.Background(), nil, e)
	if err != nil {
		t.Fatalf("EvaluateResolved: %v", err)
	}
	want := []any{float64(1), float64(2), float64(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
