package fhirpath

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExistenceFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"{}.empty()", Collection{Boolean(true)}},
		{"(1).empty()", Collection{Boolean(false)}},
		{"(1 | 2 | 3).exists()", Collection{Boolean(true)}},
		{"(1 | 2 | 3).exists($this > 5)", Collection{Boolean(false)}},
		{"(1 | 2 | 3).count()", Collection{Integer(3)}},
		{"(true | true).allTrue()", Collection{Boolean(true)}},
		{"(true | false).allTrue()", Collection{Boolean(false)}},
		{"(false | false).anyTrue()", Collection{Boolean(false)}},
		{"(1 | 2).combine(1).isDistinct()", Collection{Boolean(false)}},
		{"(1 | 2).subsetOf(1 | 2 | 3)", Collection{Boolean(true)}},
		{"(1 | 2 | 3).subsetOf(1 | 2)", Collection{Boolean(false)}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestSubsettingFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"(1 | 2 | 3).first()", Collection{Integer(1)}},
		{"(1 | 2 | 3).last()", Collection{Integer(3)}},
		{"(1 | 2 | 3).tail()", Collection{Integer(2), Integer(3)}},
		{"(1 | 2 | 3).skip(1)", Collection{Integer(2), Integer(3)}},
		{"(1 | 2 | 3).take(2)", Collection{Integer(1), Integer(2)}},
		{"{}.first()", nil},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestSingleRejectsMultipleItems(t *testing.T) {
	e, err := Parse("(1 | 2).single()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Evaluate(context.Background(), nil, e); err == nil {
		t.Fatal("expected single() to reject a multi-item collection")
	}
}

func TestCombiningFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"(1 | 2).combine(2 | 3)", Collection{Integer(1), Integer(2), Integer(2), Integer(3)}},
		{"(1 | 2).intersect(2 | 3)", Collection{Integer(2)}},
		{"(1 | 2 | 3).exclude(2)", Collection{Integer(1), Integer(3)}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestConversionFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'123'.toInteger()", Collection{Integer(123)}},
		{"'true'.toBoolean()", Collection{Boolean(true)}},
		{"123.toString()", Collection{String("123")}},
		{"'not a number'.convertsToInteger()", Collection{Boolean(false)}},
		{"'42'.convertsToInteger()", Collection{Boolean(true)}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestStringFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'hello'.upper()", Collection{String("HELLO")}},
		{"'HELLO'.lower()", Collection{String("hello")}},
		{"'  hi  '.trim()", Collection{String("hi")}},
		{"'hello'.startsWith('he')", Collection{Boolean(true)}},
		{"'hello'.endsWith('lo')", Collection{Boolean(true)}},
		{"'hello'.contains('ell')", Collection{Boolean(true)}},
		{"'hello'.indexOf('l')", Collection{Integer(2)}},
		{"'hello'.length()", Collection{Integer(5)}},
		{"'hello'.replace('l', 'L')", Collection{String("heLLo")}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestMathFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"(-5).abs()", Collection{Integer(5)}},
		{"4.sqrt()", Collection{String("2")}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.expr, got, tt.want)
			continue
		}
		for i := range got {
			// apd.Decimal carries unexported internals go-cmp can't diff,
			// so compare through Element.Equal instead.
			eq, ok := got[i].Equal(tt.want[i])
			if !ok || !eq {
				t.Errorf("%s: got %v, want %v", tt.expr, got, tt.want)
			}
		}
	}
}

func TestAggregateStandardLibraryFunctions(t *testing.T) {
	sum := evalString(t, nil, "(1 | 2 | 3).sum()")
	if eq, _ := sum[0].Equal(String("6")); len(sum) != 1 || !eq {
		t.Errorf("sum() = %v, want 6", sum)
	}
	avg := evalString(t, nil, "(1 | 2 | 3).avg()")
	if eq, _ := avg[0].Equal(String("2")); len(avg) != 1 || !eq {
		t.Errorf("avg() = %v, want 2", avg)
	}
	min := evalString(t, nil, "(3 | 1 | 2).min()")
	if eq, _ := min[0].Equal(Integer(1)); len(min) != 1 || !eq {
		t.Errorf("min() = %v, want 1", min)
	}
	max := evalString(t, nil, "(3 | 1 | 2).max()")
	if eq, _ := max[0].Equal(Integer(3)); len(max) != 1 || !eq {
		t.Errorf("max() = %v, want 3", max)
	}
	if empty := evalString(t, nil, "{}.sum()"); empty != nil {
		t.Errorf("sum() over empty collection = %v, want nil", empty)
	}
}

func TestToQuantityConvertsUnit(t *testing.T) {
	got := evalString(t, nil, "3.toQuantity()")
	if len(got) != 1 {
		t.Fatalf("toQuantity() = %v", got)
	}
	converted := evalString(t, nil, "(3 'min').toQuantity('s')")
	if len(converted) != 1 {
		t.Fatalf("toQuantity('s') = %v", converted)
	}
	want := evalString(t, nil, "180 's'")
	eq, ok := converted[0].Equal(want[0])
	if !ok || !eq {
		t.Errorf("toQuantity('s') = %v, want %v", converted, want)
	}
}

func TestToQuantityReturnsNullAcrossCalendarUCUMBoundary(t *testing.T) {
	got := evalString(t, nil, "(1 'month').toQuantity('s')")
	if len(got) != 1 {
		t.Fatalf("toQuantity('s') across the calendar/UCUM boundary = %v, want a single Null", got)
	}
	if _, ok := got[0].(Null); !ok {
		t.Errorf("toQuantity('s') across the calendar/UCUM boundary = %v (%T), want Null", got[0], got[0])
	}
	if eq, ok := got[0].Equal(Boolean(false)); ok || eq {
		t.Errorf("Null should not compare equal or comparable to Boolean(false)")
	}
}

func TestConvertsToQuantityAcceptsOptionalUnit(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"3.convertsToQuantity()", Collection{Boolean(true)}},
		{"(3 'mg').convertsToQuantity('g')", Collection{Boolean(true)}},
		{"'abc'.convertsToQuantity()", Collection{Boolean(false)}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestLogFunction(t *testing.T) {
	got := evalString(t, nil, "8.log(2)")
	if eq, _ := got[0].Equal(String("3")); len(got) != 1 || !eq {
		t.Errorf("log(2) = %v, want 3", got)
	}
}

func TestEncodeDecodeFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'hi'.encode('hex')", Collection{String("6869")}},
		{"'6869'.decode('hex')", Collection{String("hi")}},
		{"'hi'.encode('base64')", Collection{String("aGk=")}},
		{"'aGk='.decode('base64')", Collection{String("hi")}},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestIif(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"iif(true, 'yes', 'no')", Collection{String("yes")}},
		{"iif(false, 'yes', 'no')", Collection{String("no")}},
		{"iif(false, 'yes')", nil},
	}
	for _, tt := range tests {
		got := evalString(t, nil, tt.expr)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestAggregateThreadsRunningTotal(t *testing.T) {
	got := evalString(t, nil, "(1 | 2 | 3).aggregate($this + $total, 0)")
	want := Collection{Integer(6)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestFunctionArityIsCheckedAtEvaluate(t *testing.T) {
	e, err := Parse("(1|2).where()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Evaluate(context.Background(), nil, e); err == nil {
		t.Fatal("expected an arity error for where() with no predicate")
	}
}
