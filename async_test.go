package fhirpath

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clinicalpath/fhirpath/internal/synparse"
)

// pendingItemPredicate builds an EvaluateFunc a macro would receive as its
// per-item evaluate callback: it always answers via the Pending branch, so
// tests can assert that where/select/all/iif propagate that pending-ness
// upward instead of collapsing it themselves.
func pendingItemPredicate(want func(Integer) Boolean) EvaluateFunc {
	return func(ctx context.Context, target Collection, expr Expression, scope *FunctionScope) (MaybePending[Collection], error) {
		n, ok, err := Singleton[Integer](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		return Pending(func(context.Context) (Collection, error) {
			return Collection{want(n)}, nil
		}), nil
	}
}

func TestWherePropagatesPendingUpward(t *testing.T) {
	ctx := context.Background()
	target := Collection{Integer(1), Integer(2), Integer(3), Integer(4)}
	evaluate := pendingItemPredicate(func(n Integer) Boolean { return n%2 == 0 })

	mp, err := defaultFunctions["where"].Fn(ctx, nil, target, []Expression{{}}, evaluate)
	if err != nil {
		t.Fatalf("where(): %v", err)
	}
	if !mp.Pending() {
		t.Fatal("expected where() over a pending predicate to itself be pending")
	}
	result, err := Await(ctx, mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(Collection{Integer(2), Integer(4)}, result); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectPropagatesPendingUpward(t *testing.T) {
	ctx := context.Background()
	target := Collection{Integer(1), Integer(2)}
	evaluate := pendingItemPredicate(func(n Integer) Boolean { return n%2 == 0 })

	mp, err := defaultFunctions["select"].Fn(ctx, nil, target, []Expression{{}}, evaluate)
	if err != nil {
		t.Fatalf("select(): %v", err)
	}
	if !mp.Pending() {
		t.Fatal("expected select() over a pending projection to itself be pending")
	}
	result, err := Await(ctx, mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(Collection{Boolean(false), Boolean(true)}, result); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAllPropagatesPendingAndShortCircuitsOnAwait(t *testing.T) {
	ctx := context.Background()
	target := Collection{Integer(1), Integer(2), Integer(3)}
	evaluate := pendingItemPredicate(func(n Integer) Boolean { return n < 3 })

	mp, err := defaultFunctions["all"].Fn(ctx, nil, target, []Expression{{}}, evaluate)
	if err != nil {
		t.Fatalf("all(): %v", err)
	}
	if !mp.Pending() {
		t.Fatal("expected all() over a pending predicate to itself be pending")
	}
	result, err := Await(ctx, mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(Collection{Boolean(false)}, result); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestIifPassesThroughPendingBranch(t *testing.T) {
	ctx := context.Background()
	branchTaken := false
	trueMP := Ready[Collection](Collection{Boolean(true)})
	params := []Expression{
		{tree: &synparse.Node{Type: "Literal", Text: "true"}},
		{tree: &synparse.Node{Type: "Literal", Text: "chosen"}},
		{tree: &synparse.Node{Type: "Literal", Text: "other"}},
	}

	// iif's condition and chosen-branch arguments are both evaluated
	// through the same callback, keyed here by which parameter expression
	// is being asked for: params[0] (the condition) answers true, params[1]
	// (the branch taken) answers via Pending so its pending-ness can be
	// observed propagating out of iif() uncollapsed.
	dispatch := func(ctx context.Context, target Collection, expr Expression, scope *FunctionScope) (MaybePending[Collection], error) {
		if expr.tree == params[0].tree {
			return trueMP, nil
		}
		branchTaken = true
		return Pending(func(context.Context) (Collection, error) {
			return Collection{String("chosen")}, nil
		}), nil
	}
	mp, err := defaultFunctions["iif"].Fn(ctx, nil, nil, params, dispatch)
	if err != nil {
		t.Fatalf("iif(): %v", err)
	}
	if !mp.Pending() {
		t.Fatal("expected iif() to inherit pending-ness from its chosen branch")
	}
	if !branchTaken {
		t.Fatal("expected iif() to evaluate the true branch")
	}
	result, err := Await(ctx, mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(Collection{String("chosen")}, result); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAsyncAlwaysForcesPendingEvenWithoutAsyncFunction(t *testing.T) {
	ctx := WithAsync(context.Background(), AsyncAlways)
	target := Collection{Integer(1), Integer(2), Integer(3)}
	evaluate := func(ctx context.Context, target Collection, expr Expression, scope *FunctionScope) (MaybePending[Collection], error) {
		n, _, _ := Singleton[Integer](target)
		return Ready(Collection{Boolean(n > 1)}), nil
	}
	mp, err := defaultFunctions["where"].Fn(ctx, nil, target, []Expression{{}}, evaluate)
	if err != nil {
		t.Fatalf("where(): %v", err)
	}
	if !mp.Pending() {
		t.Fatal("expected AsyncAlways to force a pending result even with no pending branch")
	}
	result, err := Await(ctx, mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(Collection{Integer(2), Integer(3)}, result); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateCollapsesPendingAtTopLevel(t *testing.T) {
	ctx := WithFunctions(context.Background(), Functions{
		"pendingTrue": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
			return Pending(func(context.Context) (Collection, error) {
				return Collection{Boolean(true)}, nil
			}), nil
		}),
	})
	e, err := Parse("(1 | 2 | 3).where(pendingTrue())")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Evaluate(ctx, nil, e)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if diff := cmp.Diff(Collection{Integer(1), Integer(2), Integer(3)}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
