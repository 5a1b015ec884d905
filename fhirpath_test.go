package fhirpath

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testNode is a minimal, hand-rolled Element used across the root-package
// tests: a tree of named children plus an optional scalar value.
type testNode struct {
	children map[string]Collection
	value    any
}

func node(children map[string]Collection) testNode { return testNode{children: children} }

func (n testNode) Children(names ...string) Collection {
	if len(names) == 0 {
		var all Collection
		for _, c := range n.children {
			all = append(all, c...)
		}
		return all
	}
	var out Collection
	for _, name := range names {
		out = append(out, n.children[name]...)
	}
	return out
}
func (n testNode) ToBoolean(bool) (Boolean, bool, error) { return false, false, nil }
func (n testNode) ToString(bool) (String, bool, error)   { return "", false, nil }
func (n testNode) ToInteger(bool) (Integer, bool, error) { return 0, false, nil }
func (n testNode) ToLong(bool) (Long, bool, error)       { return 0, false, nil }
func (n testNode) ToDecimal(bool) (Decimal, bool, error) { return Decimal{}, false, nil }
func (n testNode) ToDate(bool) (Date, bool, error)       { return Date{}, false, nil }
func (n testNode) ToTime(bool) (Time, bool, error)       { return Time{}, false, nil }
func (n testNode) ToDateTime(bool) (DateTime, bool, error) {
	return DateTime{}, false, nil
}
func (n testNode) ToQuantity(bool) (Quantity, bool, error) { return Quantity{}, false, nil }
func (n testNode) Equal(other Element) (bool, bool) {
	o, ok := other.(testNode)
	return ok && n.value == o.value, true
}
func (n testNode) Equivalent(other Element) bool {
	eq, ok := n.Equal(other)
	return ok && eq
}
func (n testNode) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "Test", Name: "Node", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (n testNode) MarshalJSON() ([]byte, error) { return []byte("{}"), nil }
func (n testNode) String() string               { return "testNode" }

func evalString(t *testing.T, target Element, expr string) Collection {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	got, err := Evaluate(context.Background(), target, e)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", expr, err)
	}
	return got
}

func TestEvaluateMemberInvocation(t *testing.T) {
	patient := node(map[string]Collection{
		"name": {node(map[string]Collection{"family": {String("Smith")}})},
	})
	got := evalString(t, patient, "name.family")
	want := Collection{String("Smith")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("name.family mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"1 + 2", Collection{Integer(3)}},
		{"2 * 3 + 1", Collection{Integer(7)}},
		{"10 div 3", Collection{Integer(3)}},
		{"10 mod 3", Collection{Integer(1)}},
		{"'a' + 'b'", Collection{String("ab")}},
		{"'a' & 'b'", Collection{String("ab")}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestEvaluateThreeValuedLogic(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"true and false", Collection{Boolean(false)}},
		{"true and {}", nil},
		{"false and {}", Collection{Boolean(false)}},
		{"true or {}", Collection{Boolean(true)}},
		{"false or {}", nil},
		{"true implies false", Collection{Boolean(false)}},
		{"true implies {}", nil},
		{"false implies {}", Collection{Boolean(true)}},
		{"false implies false", Collection{Boolean(true)}},
		{"{} implies true", Collection{Boolean(true)}},
		{"{} implies false", nil},
		{"{} implies {}", nil},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestEvaluateEqualityEmptyPropagation(t *testing.T) {
	got := evalString(t, nil, "{} = 1")
	if got != nil {
		t.Errorf("{} = 1 should evaluate to empty, got %v", got)
	}
}

func TestEvaluateUnionDeduplicates(t *testing.T) {
	got := evalString(t, nil, "(1 | 2 | 1).count()")
	want := Collection{Integer(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("union count mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateWhereAndSelect(t *testing.T) {
	got := evalString(t, nil, "(1 | 2 | 3).where($this > 1)")
	want := Collection{Integer(2), Integer(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("where mismatch (-want +got):\n%s", diff)
	}

	got2 := evalString(t, nil, "(1 | 2 | 3).select($this * 10)")
	want2 := Collection{Integer(10), Integer(20), Integer(30)}
	if diff := cmp.Diff(want2, got2); diff != "" {
		t.Errorf("select mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateUnknownFunctionIsArityError(t *testing.T) {
	e, err := Parse("noSuchFunction()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = Evaluate(context.Background(), nil, e)
	if err == nil {
		t.Fatal("expected an error for an unknown function")
	}
	var fpErr *Error
	if !errors.As(err, &fpErr) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if fpErr.Kind != KindArity {
		t.Errorf("Kind = %v, want KindArity", fpErr.Kind)
	}
}

func TestEvaluateSingletonErrorOnMultipleItems(t *testing.T) {
	e, err := Parse("(1 | 2) + 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = Evaluate(context.Background(), nil, e)
	if err == nil {
		t.Fatal("expected a singleton error")
	}
}

func TestCompileCachesParse(t *testing.T) {
	c1, err := Compile("1 + 1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	c2, err := Compile("1 + 1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got1, err := c1.Eval(context.Background(), nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	got2, err := c2.Eval(context.Background(), nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if diff := cmp.Diff(got1, got2); diff != "" {
		t.Errorf("cached compile mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateAsyncPropagatesResult(t *testing.T) {
	e, err := Parse("1 + 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mp := EvaluateAsync(context.Background(), nil, e)
	got, err := Await(context.Background(), mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	want := Collection{Integer(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("async result mismatch (-want +got):\n%s", diff)
	}
}

func TestAwaitPendingHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mp := Pending(func(ctx context.Context) (Collection, error) {
		return Collection{Integer(1)}, nil
	})
	_, err := Await(ctx, mp)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	var fpErr *Error
	if !errors.As(err, &fpErr) || fpErr.Kind != KindCancellation {
		t.Errorf("error = %v, want KindCancellation", err)
	}
}

func TestWithVariableExposesExternalConstant(t *testing.T) {
	ctx := WithVariable(context.Background(), "foo", Collection{String("bar")})
	e, err := Parse("%foo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Evaluate(ctx, nil, e)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := Collection{String("bar")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%%foo mismatch (-want +got):\n%s", diff)
	}
}

func TestWithFunctionsInstallsCustomFunction(t *testing.T) {
	ctx := WithFunctions(context.Background(), Functions{
		"double": {
			MinArity: 0,
			MaxArity: 0,
			Fn: func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
				n, ok, err := Singleton[Integer](target)
				if err != nil || !ok {
					return MaybePending[Collection]{}, err
				}
				return Ready(Collection{n * 2}), nil
			},
		},
	})
	e, err := Parse("21.double()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Evaluate(ctx, nil, e)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := Collection{Integer(42)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("custom function mismatch (-want +got):\n%s", diff)
	}
}
