package fhirpath

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/clinicalpath/fhirpath/internal/synparse"
)

// Evaluate runs a parsed Expression against a starting element, returning
// the resulting Collection. All of the invocation-, function- and
// variable-resolution context (WithFunctions, WithVariable, WithTypes, ...)
// is read from ctx; a bare context.Background() gets the built-in function
// table, System types only, and no external variables.
func Evaluate(ctx context.Context, target Element, expr Expression) (Collection, error) {
	ctx, input := prepareEvalContext(ctx, target)
	return evalNode(ctx, target, input, expr.tree)
}

// prepareEvalContext installs the ambient state every evaluation entry
// point needs (a "now" snapshot, %context/%resource/%rootResource) once,
// shared by Evaluate and CompiledExpression.Eval.
func prepareEvalContext(ctx context.Context, target Element) (context.Context, Collection) {
	if _, ok := ctx.Value(nowKey{}).(time.Time); !ok {
		ctx = WithNow(ctx, time.Now())
	}
	var input Collection
	if target != nil {
		input = Collection{target}
	}
	ctx = withProcessedVariable(ctx, "resource", input)
	ctx = withProcessedVariable(ctx, "rootResource", input)
	ctx = withProcessedVariable(ctx, "context", input)
	return ctx, input
}

// evaluateBound runs a Compile-produced bound tree, sharing Evaluate's
// context setup but skipping straight to the pre-validated root boundNode
// instead of re-walking expr.tree from evalNode's top-level switch.
func evaluateBound(ctx context.Context, target Element, expr Expression, bound *boundNode) (Collection, error) {
	ctx, input := prepareEvalContext(ctx, target)
	return bound.eval(ctx, target, input)
}

// EvaluateAsync runs Evaluate in its own goroutine and returns a
// MaybePending that Await resolves once the evaluation (and any
// terminology lookups it triggers) completes.
func EvaluateAsync(ctx context.Context, target Element, expr Expression) MaybePending[Collection] {
	if getAsyncMode(ctx) == AsyncDisabled {
		ctx = WithAsync(ctx, AsyncEnabled)
	}
	done := make(chan struct{})
	var result Collection
	var err error
	go func() {
		defer close(done)
		result, err = Evaluate(ctx, target, expr)
	}()
	return Pending(func(ctx context.Context) (Collection, error) {
		select {
		case <-done:
			return result, err
		case <-ctx.Done():
			return nil, wrapErr(KindCancellation, ctx.Err(), "evaluation cancelled")
		}
	})
}

// evalNode dispatches on the AST node's grammar-alternative tag. root is
// the fixed evaluation root ($this at the top of the tree, used by member
// invocations that fall back to a type check); target is the current input
// collection this subtree operates on.
func evalNode(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	if err := checkSignal(ctx); err != nil {
		return nil, err
	}
	switch n.Type {
	case "NullLiteral":
		return nil, nil
	case "BooleanLiteral":
		return Collection{Boolean(n.Text == "true")}, nil
	case "StringLiteral":
		s, err := unescape(n.Text)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid string literal %s", n.Text)
		}
		return Collection{String(s)}, nil
	case "NumberLiteral":
		if strings.Contains(n.Text, ".") {
			d, _, err := apd.NewFromString(n.Text)
			if err != nil {
				return nil, wrapErr(KindSyntax, err, "invalid number literal %s", n.Text)
			}
			return Collection{Decimal{Value: d}}, nil
		}
		v, err := strconv.ParseInt(n.Text, 10, 32)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid integer literal %s", n.Text)
		}
		return Collection{Integer(v)}, nil
	case "LongNumberLiteral":
		v, err := strconv.ParseInt(strings.TrimSuffix(n.Text, "L"), 10, 64)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid long literal %s", n.Text)
		}
		return Collection{Long(v)}, nil
	case "QuantityLiteral":
		q, err := ParseQuantity(n.Text)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid quantity literal %s", n.Text)
		}
		return Collection{q}, nil
	case "DateLiteral":
		d, err := ParseDate(n.Text)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid date literal %s", n.Text)
		}
		return Collection{d}, nil
	case "TimeLiteral":
		t, err := ParseTime(n.Text)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid time literal %s", n.Text)
		}
		return Collection{t}, nil
	case "DateTimeLiteral":
		dt, err := ParseDateTime(n.Text)
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid datetime literal %s", n.Text)
		}
		return Collection{dt}, nil
	case "ExternalConstantTerm":
		return evalExternalConstant(ctx, n.Text)
	case "ThisInvocation":
		if scope, ok := getFunctionScope(ctx); ok {
			return Collection{scope.this}, nil
		}
		return Collection{root}, nil
	case "IndexInvocation":
		scope, ok := getFunctionScope(ctx)
		if !ok {
			return nil, domainErr("$index is not defined outside a function's item scope")
		}
		return Collection{Integer(scope.index)}, nil
	case "TotalInvocation":
		scope, ok := getFunctionScope(ctx)
		if !ok || !scope.aggregate {
			return nil, domainErr("$total is not defined (only valid inside aggregate())")
		}
		return scope.total, nil
	case "MemberInvocation":
		return evalMemberInvocation(ctx, root, target, n)
	case "FunctionInvocation":
		mp, err := evalFunctionInvocation(ctx, root, target, n)
		if err != nil {
			return nil, err
		}
		return Await(ctx, mp)
	case "InvocationExpression":
		left, err := evalNode(ctx, root, target, n.Child(0))
		if err != nil {
			return nil, err
		}
		return evalNode(ctx, root, left, n.Child(1))
	case "IndexerExpression":
		return evalIndexer(ctx, root, target, n)
	case "PolarityExpression":
		return evalPolarity(ctx, root, target, n)
	case "MultiplicativeExpression":
		return evalMultiplicative(ctx, root, target, n)
	case "AdditiveExpression":
		return evalAdditive(ctx, root, target, n)
	case "TypeExpression":
		return evalTypeExpression(ctx, root, target, n)
	case "UnionExpression":
		return evalUnion(ctx, root, target, n)
	case "InequalityExpression":
		return evalInequality(ctx, root, target, n)
	case "EqualityExpression":
		return evalEquality(ctx, root, target, n)
	case "MembershipExpression":
		return evalMembership(ctx, root, target, n)
	case "AndExpression":
		return evalAnd(ctx, root, target, n)
	case "OrExpression":
		return evalOr(ctx, root, target, n)
	case "ImpliesExpression":
		return evalImplies(ctx, root, target, n)
	default:
		return nil, domainErr("unhandled expression node %s", n.Type)
	}
}

// makeEvaluate builds the EvaluateFunc a Function's body uses to evaluate
// its own sub-expressions. It dispatches through evalNodePending rather
// than evalNode directly so that a sub-expression which is, or ends in, a
// FunctionInvocation reaching an async-only function (weight, ordinal)
// surfaces as Pending instead of blocking - the contagion point the
// async-contagion macros (where, select, repeat, aggregate, all, exists,
// iif) rely on.
func makeEvaluate(root Element) EvaluateFunc {
	return func(ctx context.Context, target Collection, expr Expression, scope *FunctionScope) (MaybePending[Collection], error) {
		if scope != nil {
			parent, _ := getFunctionScope(ctx)
			total := scope.Total
			if total == nil {
				total = parent.total
			}
			ctx = withFunctionScope(ctx, functionScope{
				this:      scope.This,
				index:     scope.Index,
				aggregate: parent.aggregate,
				total:     total,
			})
		}
		return evalNodePending(ctx, root, target, expr.tree)
	}
}

// evalNodePending is evalNode's pending-aware counterpart, used only by
// makeEvaluate: everywhere except a FunctionInvocation (or an
// InvocationExpression chain ending in one), it just runs evalNode and
// wraps the result Ready. A FunctionInvocation is dispatched directly so
// an async-only function's Pending result is returned uncollapsed.
func evalNodePending(ctx context.Context, root Element, target Collection, n *synparse.Node) (MaybePending[Collection], error) {
	if err := checkSignal(ctx); err != nil {
		return MaybePending[Collection]{}, err
	}
	switch n.Type {
	case "FunctionInvocation":
		return evalFunctionInvocation(ctx, root, target, n)
	case "InvocationExpression":
		left, err := evalNode(ctx, root, target, n.Child(0))
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return evalNodePending(ctx, root, left, n.Child(1))
	default:
		v, err := evalNode(ctx, root, target, n)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(v), nil
	}
}

func evalExternalConstant(ctx context.Context, raw string) (Collection, error) {
	name := strings.TrimPrefix(raw, "%")
	if len(name) >= 2 && (name[0] == '\'' || name[0] == '`') {
		unquoted, err := unescape(name[1 : len(name)-1])
		if err != nil {
			return nil, wrapErr(KindSyntax, err, "invalid external constant name %s", raw)
		}
		name = unquoted
	}
	if v, ok := lookupVariable(ctx, name); ok {
		return v, nil
	}
	return nil, domainErr("undefined external constant %%%s", name)
}

func evalIndexer(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	coll, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	idxColl, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	idx, ok, err := Singleton[Integer](idxColl)
	if err != nil {
		return nil, err
	}
	if !ok || int(idx) < 0 || int(idx) >= len(coll) {
		return nil, nil
	}
	return Collection{coll[int(idx)]}, nil
}

func evalPolarity(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	operand, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	if n.TerminalTexts[0] == "+" {
		return operand, nil
	}
	return operand.Multiply(ctx, Collection{Integer(-1)})
}

func evalMultiplicative(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	switch n.TerminalTexts[0] {
	case "*":
		return left.Multiply(ctx, right)
	case "/":
		return left.Divide(ctx, right)
	case "div":
		return left.Div(ctx, right)
	case "mod":
		return left.Mod(ctx, right)
	default:
		return nil, domainErr("unknown multiplicative operator %q", n.TerminalTexts[0])
	}
}

func evalAdditive(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	switch n.TerminalTexts[0] {
	case "+":
		return left.Add(ctx, right)
	case "-":
		return left.Subtract(ctx, right)
	case "&":
		return left.Concat(ctx, right)
	default:
		return nil, domainErr("unknown additive operator %q", n.TerminalTexts[0])
	}
}

func evalTypeExpression(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	if len(left) == 0 {
		return nil, nil
	}
	item, ok, err := Singleton[Element](left)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, singletonErr("is/as require a single item, got %d", len(left))
	}
	spec := ParseTypeSpecifier(n.Child(1).Text)
	if n.TerminalTexts[0] == "is" {
		result, err := isType(ctx, item, spec)
		if err != nil {
			return nil, err
		}
		return Collection{result}, nil
	}
	return asType(ctx, item, spec)
}

func evalUnion(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	return left.Union(right), nil
}

func evalInequality(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	a, aOK, err := Singleton[Element](left)
	if err != nil {
		return nil, err
	}
	b, bOK, err := Singleton[Element](right)
	if err != nil {
		return nil, err
	}
	if !aOK || !bOK {
		return nil, nil
	}
	cmp, ok := a.(cmpElement)
	if !ok {
		return nil, typeErr("%T does not support ordering comparisons", a)
	}
	c, ok, err := cmp.Cmp(b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	switch n.TerminalTexts[0] {
	case "<":
		return Collection{Boolean(c < 0)}, nil
	case "<=":
		return Collection{Boolean(c <= 0)}, nil
	case ">":
		return Collection{Boolean(c > 0)}, nil
	case ">=":
		return Collection{Boolean(c >= 0)}, nil
	default:
		return nil, domainErr("unknown inequality operator %q", n.TerminalTexts[0])
	}
}

func evalEquality(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	op := n.TerminalTexts[0]
	switch op {
	case "=", "!=":
		eq, ok := left.Equal(right)
		if !ok {
			return nil, nil
		}
		if op == "!=" {
			eq = !eq
		}
		return Collection{Boolean(eq)}, nil
	case "~", "!~":
		eq := left.Equivalent(right)
		if op == "!~" {
			eq = !eq
		}
		return Collection{Boolean(eq)}, nil
	default:
		return nil, domainErr("unknown equality operator %q", op)
	}
}

func evalMembership(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	op := n.TerminalTexts[0]
	elems, container := left, right
	if op == "contains" {
		elems, container = right, left
	}
	item, ok, err := Singleton[Element](elems)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return Collection{Boolean(container.Contains(item))}, nil
}

func evalAnd(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	l, lOK, err := Singleton[Boolean](left)
	if err != nil {
		return nil, err
	}
	if lOK && !bool(l) {
		return Collection{Boolean(false)}, nil
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	r, rOK, err := Singleton[Boolean](right)
	if err != nil {
		return nil, err
	}
	if rOK && !bool(r) {
		return Collection{Boolean(false)}, nil
	}
	if lOK && rOK {
		return Collection{Boolean(true)}, nil
	}
	return nil, nil
}

func evalOr(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	l, lOK, err := Singleton[Boolean](left)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	r, rOK, err := Singleton[Boolean](right)
	if err != nil {
		return nil, err
	}
	if n.TerminalTexts[0] == "xor" {
		if !lOK || !rOK {
			return nil, nil
		}
		return Collection{Boolean(l != r)}, nil
	}
	if lOK && bool(l) {
		return Collection{Boolean(true)}, nil
	}
	if rOK && bool(r) {
		return Collection{Boolean(true)}, nil
	}
	if lOK && rOK {
		return Collection{Boolean(false)}, nil
	}
	return nil, nil
}

func evalImplies(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	left, err := evalNode(ctx, root, target, n.Child(0))
	if err != nil {
		return nil, err
	}
	l, lOK, err := Singleton[Boolean](left)
	if err != nil {
		return nil, err
	}
	if lOK && !bool(l) {
		return Collection{Boolean(true)}, nil
	}
	right, err := evalNode(ctx, root, target, n.Child(1))
	if err != nil {
		return nil, err
	}
	r, rOK, err := Singleton[Boolean](right)
	if err != nil {
		return nil, err
	}
	if lOK && bool(l) {
		if rOK {
			return Collection{Boolean(r)}, nil
		}
		return nil, nil
	}
	if rOK && bool(r) {
		return Collection{Boolean(true)}, nil
	}
	return nil, nil
}
