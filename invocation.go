package fhirpath

import (
	"context"

	"github.com/clinicalpath/fhirpath/internal/synparse"
)

// evalMemberInvocation resolves a bare identifier against every item in
// target: first as a field access (Element.Children), and - only if that
// yields nothing - as a type filter, keeping items whose runtime type is a
// subtype of the resolved type name. This second path is what makes idioms
// like `Bundle.entry.resource.Patient.name` work: `Patient` isn't a field
// of resource, it's a polymorphic type assertion.
func evalMemberInvocation(ctx context.Context, root Element, target Collection, n *synparse.Node) (Collection, error) {
	name := n.Text
	var results Collection
	for _, item := range target {
		results = append(results, item.Children(name)...)
	}
	if len(results) > 0 {
		return results, nil
	}
	if typ, ok := resolveType(ctx, TypeSpecifier{Name: name}); ok {
		for _, item := range target {
			if subTypeOf(ctx, item.TypeInfo(), typ) {
				results = append(results, item)
			}
		}
	}
	return results, nil
}

// evalFunctionInvocation dispatches a `name(args...)` call. Every call gets
// a fresh $this/$index scope seeded from target unless it's already
// executing inside one supplied by an enclosing function (e.g. a where()
// predicate calling another function against the same $this). Arity is
// re-checked here as a runtime fallback for expressions evaluated via bare
// Parse+Evaluate; Compile validates it eagerly (see bind.go) so a compiled
// expression never reaches this check with a bad argument count.
func evalFunctionInvocation(ctx context.Context, root Element, target Collection, n *synparse.Node) (MaybePending[Collection], error) {
	entry, ok := getFunction(ctx, n.Text)
	if !ok {
		return MaybePending[Collection]{}, arityErr("unknown function %q", n.Text)
	}
	argc := len(n.Children)
	if argc < entry.MinArity || (entry.MaxArity >= 0 && argc > entry.MaxArity) {
		return MaybePending[Collection]{}, arityErr("%s() takes %s, got %d", n.Text, arityRange(entry), argc)
	}
	params := make([]Expression, argc)
	for i, c := range n.Children {
		params[i] = Expression{tree: c}
	}

	evaluate := makeEvaluate(root)
	scoped := ctx
	if _, hasScope := getFunctionScope(ctx); !hasScope {
		var this Element
		if len(target) > 0 {
			this = target[0]
		}
		scoped = withFunctionScope(ctx, functionScope{this: this, aggregate: n.Text == "aggregate"})
	} else if n.Text == "aggregate" {
		parent, _ := getFunctionScope(ctx)
		parent.aggregate = true
		scoped = withFunctionScope(ctx, parent)
	}

	return entry.Fn(scoped, root, target, params, evaluate)
}

func arityRange(entry FunctionEntry) string {
	if entry.MaxArity < 0 {
		if entry.MinArity == 0 {
			return "any number of arguments"
		}
		return "at least " + itoa(entry.MinArity) + " arguments"
	}
	if entry.MinArity == entry.MaxArity {
		return itoa(entry.MinArity) + " arguments"
	}
	return "between " + itoa(entry.MinArity) + " and " + itoa(entry.MaxArity) + " arguments"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// exprToTypeName rebuilds the dotted type name a function argument like
// `ofType(FHIR.Patient)` parses as: a chain of MemberInvocation/
// InvocationExpression nodes rather than the TypeSpecifier node the is/as
// operators get, since the grammar only special-cases the latter.
func exprToTypeName(n *synparse.Node) string {
	switch n.Type {
	case "MemberInvocation":
		return n.Text
	case "InvocationExpression":
		return exprToTypeName(n.Child(0)) + "." + exprToTypeName(n.Child(1))
	case "TypeSpecifier":
		return n.Text
	default:
		return n.Text
	}
}
