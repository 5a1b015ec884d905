package fhirpath

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// FunctionEntry is one entry of the standard library: its Go implementation
// plus the argument-count bounds evalFunctionInvocation checks at call time
// (MaxArity < 0 means unbounded).
type FunctionEntry struct {
	MinArity int
	MaxArity int
	Fn       Function
}

func fixedArity(n int, fn Function) FunctionEntry     { return FunctionEntry{MinArity: n, MaxArity: n, Fn: fn} }
func rangeArity(lo, hi int, fn Function) FunctionEntry { return FunctionEntry{MinArity: lo, MaxArity: hi, Fn: fn} }

// evalArg evaluates the i-th parameter expression eagerly against the
// ambient $this (no per-item rescoping), blocking on any pending result -
// the common case for functions whose arguments aren't item predicates and
// so fall outside the contagion macros' propagation.
func evalArg(ctx context.Context, evaluate EvaluateFunc, target Collection, params []Expression, i int) (Collection, error) {
	mp, err := evaluate(ctx, target, params[i], nil)
	if err != nil {
		return nil, err
	}
	return Await(ctx, mp)
}

// evalItemPredicate evaluates expr with $this/$index bound to one item,
// returning the raw MaybePending so a contagion macro (where, select,
// repeat, all, exists) can decide whether to propagate pending-
// ness upward instead of blocking on it immediately.
func evalItemPredicate(ctx context.Context, evaluate EvaluateFunc, item Element, index int, expr Expression) (MaybePending[Collection], error) {
	return evaluate(ctx, Collection{item}, expr, &FunctionScope{This: item, Index: index})
}

// evalItemBlocking is evalItemPredicate for callers (trace's optional
// projection) that have no way to propagate a pending result themselves.
func evalItemBlocking(ctx context.Context, evaluate EvaluateFunc, item Element, index int, expr Expression) (Collection, error) {
	mp, err := evalItemPredicate(ctx, evaluate, item, index, expr)
	if err != nil {
		return nil, err
	}
	return Await(ctx, mp)
}

// mapPending applies f to the eventual value of mp, preserving mp's
// pending-ness rather than collapsing it - used to reshape a contagion
// macro's collected result (e.g. filtered items -> exists() boolean)
// without forcing an Await the caller didn't ask for.
func mapPending(ctx context.Context, mp MaybePending[Collection], f func(Collection) (Collection, error)) (MaybePending[Collection], error) {
	if mp.Pending() {
		return Pending(func(ctx context.Context) (Collection, error) {
			v, err := Await(ctx, mp)
			if err != nil {
				return nil, err
			}
			return f(v)
		}), nil
	}
	v, err := Await(ctx, mp)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	r, err := f(v)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	return Ready(r), nil
}

var defaultFunctions = Functions{
	// --- existence ---
	"empty": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{Boolean(len(target) == 0)}), nil
	}),
	"exists": rangeArity(0, 1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(params) == 0 {
			return Ready(Collection{Boolean(len(target) > 0)}), nil
		}
		mp, err := filterByPredicate(ctx, evaluate, target, params[0])
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return mapPending(ctx, mp, func(filtered Collection) (Collection, error) {
			return Collection{Boolean(len(filtered) > 0)}, nil
		})
	}),
	"all": fixedArity(1, allMacro),
	"allTrue":  fixedArity(0, allSatisfy(func(b Boolean) bool { return bool(b) }, true)),
	"anyTrue":  fixedArity(0, anySatisfy(func(b Boolean) bool { return bool(b) })),
	"allFalse": fixedArity(0, allSatisfy(func(b Boolean) bool { return !bool(b) }, true)),
	"anyFalse": fixedArity(0, anySatisfy(func(b Boolean) bool { return !bool(b) })),
	"count": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{Integer(len(target))}), nil
	}),
	"distinct": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(adaptiveDistinct(target)), nil
	}),
	"isDistinct": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{Boolean(isDistinctCollection(target))}), nil
	}),
	"subsetOf": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Boolean(subsetOf(target, other))}), nil
	}),
	"supersetOf": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Boolean(subsetOf(other, target))}), nil
	}),

	// --- filtering / projection ---
	"where": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return filterByPredicate(ctx, evaluate, target, params[0])
	}),
	"select": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return projectItems(ctx, evaluate, target, params[0])
	}),
	"repeat": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		var out Collection
		frontier := target
		sawPending := false
		for len(frontier) > 0 {
			var next Collection
			for i, item := range frontier {
				mp, err := evalItemPredicate(ctx, evaluate, item, i, params[0])
				if err != nil {
					return MaybePending[Collection]{}, err
				}
				if mp.Pending() {
					sawPending = true
				}
				result, err := Await(ctx, mp)
				if err != nil {
					return MaybePending[Collection]{}, err
				}
				for _, r := range result {
					if !collectionContainsEqual(out, r) && !collectionContainsEqual(next, r) {
						next = append(next, r)
					}
				}
			}
			out = out.Combine(next)
			frontier = next
		}
		if sawPending || forcePending(ctx) {
			result := out
			return Pending(func(context.Context) (Collection, error) { return result, nil }), nil
		}
		return Ready(out), nil
	}),
	"ofType": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		spec := ParseTypeSpecifier(exprToTypeName(params[0].tree))
		typ, ok := resolveType(ctx, spec)
		if !ok {
			return Ready[Collection](nil), nil
		}
		var out Collection
		for _, item := range target {
			if subTypeOf(ctx, item.TypeInfo(), typ) {
				out = append(out, item)
			}
		}
		return Ready(out), nil
	}),

	// --- subsetting ---
	"single": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) > 1 {
			return MaybePending[Collection]{}, singletonErr("single() expected 0 or 1 items, got %d", len(target))
		}
		return Ready(target), nil
	}),
	"first": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		return Ready(Collection{target[0]}), nil
	}),
	"last": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		return Ready(Collection{target[len(target)-1]}), nil
	}),
	"tail": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		return Ready(target[1:]), nil
	}),
	"skip": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		n, err := intArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if n < 0 {
			n = 0
		}
		if n >= len(target) {
			return Ready[Collection](nil), nil
		}
		return Ready(target[n:]), nil
	}),
	"take": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		n, err := intArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if n <= 0 {
			return Ready[Collection](nil), nil
		}
		if n > len(target) {
			n = len(target)
		}
		return Ready(target[:n]), nil
	}),
	"intersect": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(intersectCollections(target, other)), nil
	}),
	"exclude": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(excludeCollection(target, other)), nil
	}),

	// --- combining ---
	"union": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(target.Union(other)), nil
	}),
	"combine": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		other, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(target.Combine(other)), nil
	}),

	// --- conversion ---
	"toBoolean":  fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToBoolean(true) })),
	"toInteger":  fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToInteger(true) })),
	"toLong":     fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToLong(true) })),
	"toDecimal":  fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToDecimal(true) })),
	"toString":   fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToString(true) })),
	"toDate":     fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToDate(true) })),
	"toTime":     fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToTime(true) })),
	"toDateTime": fixedArity(0, convertFn(func(e Element) (Element, bool, error) { return e.ToDateTime(true) })),
	"toQuantity": rangeArity(0, 1, toQuantityFn),
	"convertsToBoolean":  fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToBoolean(true); return ok, err })),
	"convertsToInteger":  fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToInteger(true); return ok, err })),
	"convertsToDecimal":  fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToDecimal(true); return ok, err })),
	"convertsToString":   fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToString(true); return ok, err })),
	"convertsToDate":     fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToDate(true); return ok, err })),
	"convertsToDateTime": fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToDateTime(true); return ok, err })),
	"convertsToTime":     fixedArity(0, convertsFn(func(e Element) (bool, error) { _, ok, err := e.ToTime(true); return ok, err })),
	"convertsToQuantity": rangeArity(0, 1, convertsToQuantityFn),

	// --- string manipulation ---
	"indexOf": fixedArity(1, stringIntFn(func(s string, args []string) (int, bool) { return strings.Index(s, args[0]), true })),
	"length": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Integer(len([]rune(string(s))))}), nil
	}),
	"upper": fixedArity(0, stringMapFn(strings.ToUpper)),
	"lower": fixedArity(0, stringMapFn(strings.ToLower)),
	"trim":  fixedArity(0, stringMapFn(strings.TrimSpace)),
	"startsWith": fixedArity(1, stringBoolFn(func(s string, args []string) bool { return strings.HasPrefix(s, args[0]) })),
	"endsWith":   fixedArity(1, stringBoolFn(func(s string, args []string) bool { return strings.HasSuffix(s, args[0]) })),
	"contains":   fixedArity(1, stringBoolFn(func(s string, args []string) bool { return strings.Contains(s, args[0]) })),
	"matches": fixedArity(1, stringBoolFnErr(func(s string, args []string) (bool, error) {
		re, err := regexp.Compile(args[0])
		if err != nil {
			return false, domainErr("invalid regex %q: %v", args[0], err)
		}
		return re.MatchString(s), nil
	})),
	"replace": fixedArity(2, stringStringFn(func(s string, args []string) string { return strings.ReplaceAll(s, args[0], args[1]) })),
	"replaceMatches": fixedArity(2, stringStringFnErr(func(s string, args []string) (string, error) {
		re, err := regexp.Compile(args[0])
		if err != nil {
			return "", domainErr("invalid regex %q: %v", args[0], err)
		}
		return re.ReplaceAllString(s, args[1]), nil
	})),
	"substring": rangeArity(1, 2, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		runes := []rune(string(s))
		start, err := intArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if start < 0 || start >= len(runes) {
			return Ready[Collection](nil), nil
		}
		end := len(runes)
		if len(params) == 2 {
			length, err := intArg(ctx, evaluate, target, params, 1)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if start+length < end {
				end = start + length
			}
		}
		return Ready(Collection{String(string(runes[start:end]))}), nil
	}),
	"split": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		sep, err := stringArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		var out Collection
		for _, part := range strings.Split(string(s), sep) {
			out = append(out, String(part))
		}
		return Ready(out), nil
	}),
	"join": rangeArity(0, 1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		sep := ""
		if len(params) == 1 {
			var err error
			sep, err = stringArg(ctx, evaluate, target, params, 0)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
		}
		parts := make([]string, 0, len(target))
		for _, item := range target {
			s, ok, err := item.ToString(false)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if ok {
				parts = append(parts, string(s))
			}
		}
		return Ready(Collection{String(strings.Join(parts, sep))}), nil
	}),
	"toChars": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		var out Collection
		for _, r := range string(s) {
			out = append(out, String(string(r)))
		}
		return Ready(out), nil
	}),
	"encode": fixedArity(1, stringStringFnErr(func(s string, args []string) (string, error) {
		switch args[0] {
		case "hex":
			return hex.EncodeToString([]byte(s)), nil
		case "base64":
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		case "urlbase64", "base64url":
			return base64.URLEncoding.EncodeToString([]byte(s)), nil
		default:
			return "", domainErr("encode(): unsupported format %q", args[0])
		}
	})),
	"decode": fixedArity(1, stringStringFnErr(func(s string, args []string) (string, error) {
		var decoded []byte
		var err error
		switch args[0] {
		case "hex":
			decoded, err = hex.DecodeString(s)
		case "base64":
			decoded, err = base64.StdEncoding.DecodeString(s)
		case "urlbase64", "base64url":
			decoded, err = base64.URLEncoding.DecodeString(s)
		default:
			return "", domainErr("decode(): unsupported format %q", args[0])
		}
		if err != nil {
			return "", domainErr("decode(): invalid %s string: %v", args[0], err)
		}
		return string(decoded), nil
	})),

	// --- math ---
	"abs":     fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Abs(d, r) })),
	"ceiling": fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Ceil(d, r) })),
	"floor":   fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Floor(d, r) })),
	"sqrt":    fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Sqrt(d, r) })),
	"exp":     fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Exp(d, r) })),
	"ln":      fixedArity(0, decimalUnaryFn(func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error) { return c.Ln(d, r) })),
	"log": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		baseColl, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		base, ok, err := Singleton[Decimal](baseColl)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if !ok {
			return Ready[Collection](nil), nil
		}
		apdc := apdContext(ctx)
		var lnX, lnBase, result apd.Decimal
		if _, err := apdc.Ln(&lnX, d.Value); err != nil {
			return MaybePending[Collection]{}, domainErr("log(): %v", err)
		}
		if _, err := apdc.Ln(&lnBase, base.Value); err != nil {
			return MaybePending[Collection]{}, domainErr("log(): %v", err)
		}
		if _, err := apdc.Quo(&result, &lnX, &lnBase); err != nil {
			return MaybePending[Collection]{}, domainErr("log(): %v", err)
		}
		return Ready(Collection{Decimal{Value: &result}}), nil
	}),
	"truncate": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		var integ, frac apd.Decimal
		d.Value.Modf(&integ, &frac)
		v, err := integ.Int64()
		if err != nil {
			return MaybePending[Collection]{}, domainErr("truncate(): value out of range: %v", err)
		}
		return Ready(Collection{Integer(v)}), nil
	}),
	"round": rangeArity(0, 1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		digits := 0
		if len(params) == 1 {
			digits, err = intArg(ctx, evaluate, target, params, 0)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
		}
		scaled := new(apd.Decimal)
		exp := apd.New(1, int32(digits))
		apdc := apdContext(ctx)
		if _, err := apdc.Mul(scaled, d.Value, exp); err != nil {
			return MaybePending[Collection]{}, domainErr("round(): %v", err)
		}
		rounded := new(apd.Decimal)
		if _, err := apdc.RoundToIntegralValue(rounded, scaled); err != nil {
			return MaybePending[Collection]{}, domainErr("round(): %v", err)
		}
		result := new(apd.Decimal)
		invExp := apd.New(1, -int32(digits))
		if _, err := apdc.Mul(result, rounded, invExp); err != nil {
			return MaybePending[Collection]{}, domainErr("round(): %v", err)
		}
		return Ready(Collection{Decimal{Value: result}}), nil
	}),
	"power": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		exp, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		e, ok, err := Singleton[Decimal](exp)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		result := new(apd.Decimal)
		if _, err := apdContext(ctx).Pow(result, d.Value, e.Value); err != nil {
			return MaybePending[Collection]{}, domainErr("power(): %v", err)
		}
		return Ready(Collection{Decimal{Value: result}}), nil
	}),
	"precision": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Integer(d.Precision())}), nil
	}),

	// --- tree navigation ---
	"children": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		var out Collection
		for _, item := range target {
			out = out.Combine(item.Children())
		}
		return Ready(out), nil
	}),
	"descendants": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		var out Collection
		frontier := target
		for len(frontier) > 0 {
			var next Collection
			for _, item := range frontier {
				next = next.Combine(item.Children())
			}
			out = out.Combine(next)
			frontier = next
		}
		return Ready(out), nil
	}),

	// --- utility ---
	"trace": rangeArity(1, 2, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		name, err := stringArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		logged := target
		if len(params) == 2 {
			logged, err = filterOrProject(ctx, evaluate, target, params[1])
			if err != nil {
				return MaybePending[Collection]{}, err
			}
		}
		if err := getTracer(ctx).Log(name, logged); err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(target), nil
	}),
	"iif": rangeArity(2, 3, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		cond, err := evalArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		c, ok, err := Singleton[Boolean](cond)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if ok && bool(c) {
			return evaluate(ctx, target, params[1], nil)
		}
		if len(params) == 3 {
			return evaluate(ctx, target, params[2], nil)
		}
		return Ready[Collection](nil), nil
	}),
	"not": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		b, ok, err := Singleton[Boolean](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Boolean(!bool(b))}), nil
	}),
	"defineVariable": rangeArity(1, 2, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		name, err := stringArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		value := target
		if len(params) == 2 {
			value, err = evalArg(ctx, evaluate, target, params, 1)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
		}
		if _, err := withDefinedVariable(ctx, name, value); err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(target), nil
	}),
	"hasValue": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return Ready(Collection{Boolean(false)}), nil
		}
		if hv, ok := item.(hasValuer); ok {
			return Ready(Collection{Boolean(hv.HasValue())}), nil
		}
		return Ready(Collection{Boolean(true)}), nil
	}),
	"extension": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		url, err := stringArg(ctx, evaluate, target, params, 0)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		var out Collection
		for _, item := range target {
			for _, ext := range item.Children("extension") {
				urlColl := ext.Children("url")
				u, ok, err := Singleton[String](urlColl)
				if err == nil && ok && string(u) == url {
					out = append(out, ext)
				}
			}
		}
		return Ready(out), nil
	}),
	"is": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		result, err := isType(ctx, item, ParseTypeSpecifier(exprToTypeName(params[0].tree)))
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{result}), nil
	}),
	"as": fixedArity(1, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		result, err := asType(ctx, item, ParseTypeSpecifier(exprToTypeName(params[0].tree)))
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(result), nil
	}),
	"type": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		var out Collection
		for _, item := range target {
			out = append(out, item.TypeInfo())
		}
		return Ready(out), nil
	}),

	// --- temporal ---
	"now": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{evalNow(ctx)}), nil
	}),
	"today": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{evalToday(ctx)}), nil
	}),
	"timeOfDay": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		return Ready(Collection{evalTimeOfDay(ctx)}), nil
	}),

	// --- aggregate ---
	"aggregate": rangeArity(1, 2, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		var total Collection
		sawPending := false
		if len(params) == 2 {
			mp, err := evaluate(ctx, target, params[1], nil)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if mp.Pending() {
				sawPending = true
			}
			t, err := Await(ctx, mp)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			total = t
		}
		for i, item := range target {
			mp, err := evaluate(ctx, Collection{item}, params[0], &FunctionScope{This: item, Index: i, Total: total})
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if mp.Pending() {
				sawPending = true
			}
			result, err := Await(ctx, mp)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			total = result
		}
		if sawPending || forcePending(ctx) {
			result := total
			return Pending(func(context.Context) (Collection, error) { return result, nil }), nil
		}
		return Ready(total), nil
	}),
	"sum": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		apdc := apdContext(ctx)
		total := apd.New(0, 0)
		for _, item := range target {
			d, ok, err := elementTo[Decimal](item, false)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if !ok {
				return MaybePending[Collection]{}, typeErr("sum(): %T is not numeric", item)
			}
			if _, err := apdc.Add(total, total, d.Value); err != nil {
				return MaybePending[Collection]{}, domainErr("sum(): %v", err)
			}
		}
		return Ready(Collection{Decimal{Value: total}}), nil
	}),
	"avg": fixedArity(0, func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		apdc := apdContext(ctx)
		total := apd.New(0, 0)
		for _, item := range target {
			d, ok, err := elementTo[Decimal](item, false)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if !ok {
				return MaybePending[Collection]{}, typeErr("avg(): %T is not numeric", item)
			}
			if _, err := apdc.Add(total, total, d.Value); err != nil {
				return MaybePending[Collection]{}, domainErr("avg(): %v", err)
			}
		}
		result := new(apd.Decimal)
		if _, err := apdc.Quo(result, total, apd.New(int64(len(target)), 0)); err != nil {
			return MaybePending[Collection]{}, domainErr("avg(): %v", err)
		}
		return Ready(Collection{Decimal{Value: result}}), nil
	}),
	"min": fixedArity(0, aggregateExtreme(false)),
	"max": fixedArity(0, aggregateExtreme(true)),
}

// allMacro implements all(criteria): a contagion macro that must decide
// $this/$index per item like where(), but folds to a single boolean and
// short-circuits on the first definite false once its branches resolve.
func allMacro(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
	branches := make([]MaybePending[Collection], len(target))
	anyPending := false
	for i, item := range target {
		mp, err := evalItemPredicate(ctx, evaluate, item, i, params[0])
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if mp.Pending() {
			anyPending = true
		}
		branches[i] = mp
	}
	resolve := func(ctx context.Context) (Collection, error) {
		for _, mp := range branches {
			result, err := Await(ctx, mp)
			if err != nil {
				return nil, err
			}
			b, ok, err := Singleton[Boolean](result)
			if err != nil {
				return nil, err
			}
			if !ok || !bool(b) {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	}
	if anyPending || forcePending(ctx) {
		return Pending(resolve), nil
	}
	result, err := resolve(ctx)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	return Ready(result), nil
}

// aggregateExtreme picks the item with the greatest (pickGreater) or least
// value of a target collection ordered by cmpElement.Cmp, skipping items
// whose comparison with the running best is undefined (empty ok).
func aggregateExtreme(pickGreater bool) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		if len(target) == 0 {
			return Ready[Collection](nil), nil
		}
		best := target[0]
		for _, item := range target[1:] {
			cmp, ok := item.(cmpElement)
			if !ok {
				return MaybePending[Collection]{}, typeErr("%T does not support ordering comparisons", item)
			}
			c, ok, err := cmp.Cmp(best)
			if err != nil {
				return MaybePending[Collection]{}, err
			}
			if !ok {
				continue
			}
			if (pickGreater && c > 0) || (!pickGreater && c < 0) {
				best = item
			}
		}
		return Ready(Collection{best}), nil
	}
}

// filterByPredicate implements where() (and exists(criteria) via
// mapPending): every item's predicate is evaluated up front without
// awaiting, so a predicate that reaches an async-only function marks the
// whole call pending without blocking the items evaluated before it.
func filterByPredicate(ctx context.Context, evaluate EvaluateFunc, target Collection, expr Expression) (MaybePending[Collection], error) {
	type branch struct {
		item Element
		mp   MaybePending[Collection]
	}
	branches := make([]branch, 0, len(target))
	anyPending := false
	for i, item := range target {
		mp, err := evalItemPredicate(ctx, evaluate, item, i, expr)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if mp.Pending() {
			anyPending = true
		}
		branches = append(branches, branch{item: item, mp: mp})
	}
	resolve := func(ctx context.Context) (Collection, error) {
		var out Collection
		for _, b := range branches {
			result, err := Await(ctx, b.mp)
			if err != nil {
				return nil, err
			}
			bl, ok, err := Singleton[Boolean](result)
			if err != nil {
				return nil, err
			}
			if ok && bool(bl) {
				out = append(out, b.item)
			}
		}
		return out, nil
	}
	if anyPending || forcePending(ctx) {
		return Pending(resolve), nil
	}
	result, err := resolve(ctx)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	return Ready(result), nil
}

// projectItems implements select(): same branch-collect-then-decide shape
// as filterByPredicate, but combines every branch's collection instead of
// filtering the source items by a boolean.
func projectItems(ctx context.Context, evaluate EvaluateFunc, target Collection, expr Expression) (MaybePending[Collection], error) {
	branches := make([]MaybePending[Collection], len(target))
	anyPending := false
	for i, item := range target {
		mp, err := evalItemPredicate(ctx, evaluate, item, i, expr)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		if mp.Pending() {
			anyPending = true
		}
		branches[i] = mp
	}
	resolve := func(ctx context.Context) (Collection, error) {
		var out Collection
		for _, mp := range branches {
			result, err := Await(ctx, mp)
			if err != nil {
				return nil, err
			}
			out = out.Combine(result)
		}
		return out, nil
	}
	if anyPending || forcePending(ctx) {
		return Pending(resolve), nil
	}
	result, err := resolve(ctx)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	return Ready(result), nil
}

// filterOrProject is trace()'s optional projection argument: there's no way
// for trace to propagate a pending value to its own caller (it always
// returns target unchanged), so it blocks like evalArg.
func filterOrProject(ctx context.Context, evaluate EvaluateFunc, target Collection, expr Expression) (Collection, error) {
	var out Collection
	for i, item := range target {
		result, err := evalItemBlocking(ctx, evaluate, item, i, expr)
		if err != nil {
			return nil, err
		}
		out = out.Combine(result)
	}
	return out, nil
}

func allSatisfy(pred func(Boolean) bool, vacuousTrue bool) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		for _, item := range target {
			b, ok, err := elementTo[Boolean](item, false)
			if err != nil || !ok {
				return MaybePending[Collection]{}, err
			}
			if !pred(b) {
				return Ready(Collection{Boolean(false)}), nil
			}
		}
		return Ready(Collection{Boolean(vacuousTrue || len(target) > 0)}), nil
	}
}

func anySatisfy(pred func(Boolean) bool) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		for _, item := range target {
			b, ok, err := elementTo[Boolean](item, false)
			if err != nil || !ok {
				continue
			}
			if pred(b) {
				return Ready(Collection{Boolean(true)}), nil
			}
		}
		return Ready(Collection{Boolean(false)}), nil
	}
}

func convertFn(convert func(Element) (Element, bool, error)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		v, ok, err := convert(item)
		if err != nil || !ok {
			return Ready[Collection](nil), nil
		}
		return Ready(Collection{v}), nil
	}
}

// toQuantityFn implements toQuantity([toUnit]): converts the singleton
// target to a Quantity, then, if a unit argument was given, re-expresses it
// in that unit. Crossing the calendar/UCUM boundary (e.g. 'month' to 's')
// is not a conversion failure - it returns Null, distinct from the plain
// empty collection any other conversion failure here produces.
func toQuantityFn(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
	item, ok, err := Singleton[Element](target)
	if err != nil || !ok {
		return MaybePending[Collection]{}, err
	}
	q, ok, err := item.ToQuantity(true)
	if err != nil || !ok {
		return Ready[Collection](nil), nil
	}
	if len(params) == 0 {
		return Ready(Collection{q}), nil
	}
	unit, err := stringArg(ctx, evaluate, target, params, 0)
	if err != nil {
		return MaybePending[Collection]{}, err
	}
	// convertQuantityToUnit expects both sides already run through
	// canonicalize() once, exactly like Add/Subtract/Equal call it - it
	// canonicalizes again internally, which is what actually lands a time
	// unit on the UCUM code convertQuantityToUnit's factor table is keyed
	// by.
	source := q.canonicalize()
	targetUnit := canonicalQuantityUnit(String(unit))
	if crossesCalendarUCUMBoundary(source.Unit, targetUnit) {
		return Ready(Collection{Null{}}), nil
	}
	converted, err := convertQuantityToUnit(source, targetUnit)
	if err != nil {
		return Ready[Collection](nil), nil
	}
	return Ready(Collection{Quantity{Value: converted.Value, Unit: String(unit)}}), nil
}

func convertsToQuantityFn(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
	item, ok, err := Singleton[Element](target)
	if err != nil || !ok {
		return MaybePending[Collection]{}, err
	}
	if _, ok, err := item.ToQuantity(true); err != nil || !ok {
		return Ready(Collection{Boolean(false)}), nil
	}
	if len(params) == 1 {
		if _, err := stringArg(ctx, evaluate, target, params, 0); err != nil {
			return Ready(Collection{Boolean(false)}), nil
		}
	}
	return Ready(Collection{Boolean(true)}), nil
}

func convertsFn(check func(Element) (bool, error)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		ok, err = check(item)
		if err != nil {
			return Ready(Collection{Boolean(false)}), nil
		}
		return Ready(Collection{Boolean(ok)}), nil
	}
}

func stringArgs(ctx context.Context, evaluate EvaluateFunc, target Collection, params []Expression) ([]string, error) {
	args := make([]string, len(params))
	for i := range params {
		s, err := stringArg(ctx, evaluate, target, params, i)
		if err != nil {
			return nil, err
		}
		args[i] = s
	}
	return args, nil
}

func stringMapFn(f func(string) string) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{String(f(string(s)))}), nil
	}
}

func stringBoolFn(f func(string, []string) bool) Function {
	return stringBoolFnErr(func(s string, args []string) (bool, error) { return f(s, args), nil })
}

func stringBoolFnErr(f func(string, []string) (bool, error)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		args, err := stringArgs(ctx, evaluate, target, params)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		result, err := f(string(s), args)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{Boolean(result)}), nil
	}
}

func stringIntFn(f func(string, []string) (int, bool)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		args, err := stringArgs(ctx, evaluate, target, params)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		v, ok := f(string(s), args)
		if !ok {
			return Ready[Collection](nil), nil
		}
		return Ready(Collection{Integer(v)}), nil
	}
}

func stringStringFn(f func(string, []string) string) Function {
	return stringStringFnErr(func(s string, args []string) (string, error) { return f(s, args), nil })
}

func stringStringFnErr(f func(string, []string) (string, error)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		s, ok, err := Singleton[String](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		args, err := stringArgs(ctx, evaluate, target, params)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		result, err := f(string(s), args)
		if err != nil {
			return MaybePending[Collection]{}, err
		}
		return Ready(Collection{String(result)}), nil
	}
}

func decimalUnaryFn(op func(c *apd.Context, d, r *apd.Decimal) (apd.Condition, error)) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (MaybePending[Collection], error) {
		item, ok, err := Singleton[Element](target)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		d, ok, err := item.ToDecimal(true)
		if err != nil || !ok {
			return MaybePending[Collection]{}, err
		}
		result := new(apd.Decimal)
		if _, err := op(apdContext(ctx), result, d.Value); err != nil {
			return MaybePending[Collection]{}, domainErr("math function failed: %v", err)
		}
		return Ready(Collection{Decimal{Value: result}}), nil
	}
}

func intArg(ctx context.Context, evaluate EvaluateFunc, target Collection, params []Expression, i int) (int, error) {
	coll, err := evalArg(ctx, evaluate, target, params, i)
	if err != nil {
		return 0, err
	}
	v, ok, err := Singleton[Integer](coll)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domainErr("expected an integer argument")
	}
	return int(v), nil
}

func stringArg(ctx context.Context, evaluate EvaluateFunc, target Collection, params []Expression, i int) (string, error) {
	coll, err := evalArg(ctx, evaluate, target, params, i)
	if err != nil {
		return "", err
	}
	v, ok, err := Singleton[String](coll)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domainErr("expected a string argument")
	}
	return string(v), nil
}
