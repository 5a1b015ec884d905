package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
)

// Element is any value that can live in a FHIRPath Collection: a primitive
// (Boolean, Integer, ...), a Quantity, a Date/Time/DateTime, a type-info
// value, or a model.ResourceNode wrapping a fragment of a FHIR document.
//
// Every conversion method returns (value, ok, err): ok is false when the
// conversion is simply not applicable (the caller should treat that as an
// empty result), while a non-nil err means the conversion is nonsensical
// for this pair of types and should surface to the caller.
type Element interface {
	// Children returns all child nodes with the given names, or every
	// child when no name is passed. Primitives return nil.
	Children(name ...string) Collection

	ToBoolean(explicit bool) (v Boolean, ok bool, err error)
	ToString(explicit bool) (v String, ok bool, err error)
	ToInteger(explicit bool) (v Integer, ok bool, err error)
	ToLong(explicit bool) (v Long, ok bool, err error)
	ToDecimal(explicit bool) (v Decimal, ok bool, err error)
	ToDate(explicit bool) (v Date, ok bool, err error)
	ToTime(explicit bool) (v Time, ok bool, err error)
	ToDateTime(explicit bool) (v DateTime, ok bool, err error)
	ToQuantity(explicit bool) (v Quantity, ok bool, err error)

	// Equal implements FHIRPath structural equality (=). ok is false when
	// the two operands are not comparable at all (as opposed to comparable
	// and unequal).
	Equal(other Element) (eq bool, ok bool)
	// Equivalent implements FHIRPath equivalence (~), which never returns
	// "not comparable" - two incomparable values are simply not equivalent.
	Equivalent(other Element) bool

	TypeInfo() TypeInfo

	json.Marshaler
	fmt.Stringer
}

// hasValuer is implemented by primitives that can carry extensions without
// carrying a value (FHIR's "null primitive with siblings" idiom).
type hasValuer interface {
	Element
	HasValue() bool
}

// cmpElement is implemented by ordered value kinds. Cmp may report ok=false
// (rather than an error) when the operation's outcome is legitimately the
// empty collection, e.g. comparing dates of non-overlapping precision.
type cmpElement interface {
	Element
	Cmp(other Element) (cmp int, ok bool, err error)
}

type multiplyElement interface {
	Element
	Multiply(ctx context.Context, other Element) (Element, error)
}

type divideElement interface {
	Element
	Divide(ctx context.Context, other Element) (Element, error)
}

type divElement interface {
	Element
	Div(ctx context.Context, other Element) (Element, error)
}

type modElement interface {
	Element
	Mod(ctx context.Context, other Element) (Element, error)
}

type addElement interface {
	Element
	Add(ctx context.Context, other Element) (Element, error)
}

type subtractElement interface {
	Element
	Subtract(ctx context.Context, other Element) (Element, error)
}

// defaultConversionError is embedded by every concrete Element so it only
// has to implement the conversions the FHIRPath conversion table actually
// grants it; everything else falls back to a descriptive error here.
type defaultConversionError[F any] struct{}

func (defaultConversionError[F]) ToBoolean(bool) (Boolean, bool, error) {
	return false, false, conversionError[F, Boolean]()
}
func (defaultConversionError[F]) ToString(bool) (String, bool, error) {
	return "", false, conversionError[F, String]()
}
func (defaultConversionError[F]) ToInteger(bool) (Integer, bool, error) {
	return 0, false, conversionError[F, Integer]()
}
func (defaultConversionError[F]) ToLong(bool) (Long, bool, error) {
	return 0, false, conversionError[F, Long]()
}
func (defaultConversionError[F]) ToDecimal(bool) (Decimal, bool, error) {
	return Decimal{}, false, conversionError[F, Decimal]()
}
func (defaultConversionError[F]) ToDate(bool) (Date, bool, error) {
	return Date{}, false, conversionError[F, Date]()
}
func (defaultConversionError[F]) ToTime(bool) (Time, bool, error) {
	return Time{}, false, conversionError[F, Time]()
}
func (defaultConversionError[F]) ToDateTime(bool) (DateTime, bool, error) {
	return DateTime{}, false, conversionError[F, DateTime]()
}
func (defaultConversionError[F]) ToQuantity(bool) (Quantity, bool, error) {
	return Quantity{}, false, conversionError[F, Quantity]()
}

func conversionError[F any, T Element]() error {
	var f F
	var t T
	return typeErr("value of type %T can not be converted to type %T", f, t)
}

func implicitConversionError[F Element, T Element](f F) error {
	var t T
	return typeErr("%T %v can not be implicitly converted to %T", f, f, t)
}

// Collection is the universal FHIRPath value: an ordered, non-deduplicated,
// flat sequence. Collections never nest - every operation that could
// produce nesting flattens immediately. A nil Collection and an empty,
// non-nil Collection are equivalent; both represent "no result".
type Collection []Element

// Singleton extracts exactly one element of type T from a collection,
// following the FHIRPath convention that most operations accept 0-or-1
// item collections in argument position: ok is false (no error) for an
// empty collection, and a SingletonError for 2+ items.
func Singleton[T Element](c Collection) (v T, ok bool, err error) {
	switch len(c) {
	case 0:
		return v, false, nil
	case 1:
		conv, convOK, convErr := elementTo[T](c[0], false)
		if convErr != nil {
			return v, false, convErr
		}
		return conv, convOK, nil
	default:
		return v, false, singletonErr("expected a single item, got %d", len(c))
	}
}

func elementTo[T Element](e Element, explicit bool) (v T, ok bool, err error) {
	var zero T
	switch any(zero).(type) {
	case Boolean:
		b, ok, err := e.ToBoolean(explicit)
		return any(b).(T), ok, err
	case String:
		s, ok, err := e.ToString(explicit)
		return any(s).(T), ok, err
	case Integer:
		i, ok, err := e.ToInteger(explicit)
		return any(i).(T), ok, err
	case Long:
		l, ok, err := e.ToLong(explicit)
		return any(l).(T), ok, err
	case Decimal:
		d, ok, err := e.ToDecimal(explicit)
		return any(d).(T), ok, err
	case Date:
		d, ok, err := e.ToDate(explicit)
		return any(d).(T), ok, err
	case Time:
		t, ok, err := e.ToTime(explicit)
		return any(t).(T), ok, err
	case DateTime:
		dt, ok, err := e.ToDateTime(explicit)
		return any(dt).(T), ok, err
	case Quantity:
		q, ok, err := e.ToQuantity(explicit)
		return any(q).(T), ok, err
	default:
		if conv, ok := e.(T); ok {
			return conv, true, nil
		}
		return v, false, typeErr("can not convert %T to %T", e, zero)
	}
}

func (c Collection) Equal(other Collection) (eq bool, ok bool) {
	if len(c) != len(other) {
		return false, true
	}
	for i := range c {
		itemEq, itemOK := c[i].Equal(other[i])
		if !itemOK {
			return false, false
		}
		if !itemEq {
			return false, true
		}
	}
	return true, true
}

func (c Collection) Equivalent(other Collection) bool {
	if len(c) != len(other) {
		return false
	}
	used := make([]bool, len(other))
	for _, item := range c {
		found := false
		for j, o := range other {
			if used[j] {
				continue
			}
			if item.Equivalent(o) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Union implements the `|` operator: concatenate then remove duplicates,
// using the adaptive distinctness strategy shared with distinct/isDistinct/intersect.
func (c Collection) Union(other Collection) Collection {
	return adaptiveDistinct(append(append(Collection{}, c...), other...))
}

// Combine concatenates without deduplicating.
func (c Collection) Combine(other Collection) Collection {
	return append(append(Collection{}, c...), other...)
}

func (c Collection) Contains(element Element) bool {
	for _, item := range c {
		if eq, ok := item.Equal(element); ok && eq {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	s := "["
	for i, e := range c {
		if i > 0 {
			s += ", "
		}
		s += e.String()
	}
	return s + "]"
}

func (c Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Element(c))
}

func binaryCollectionOp(
	ctx context.Context,
	c, other Collection,
	op string,
	do func(a, b Element) (Element, error),
) (Collection, error) {
	a, aOK, err := Singleton[Element](c)
	if err != nil {
		return nil, err
	}
	b, bOK, err := Singleton[Element](other)
	if err != nil {
		return nil, err
	}
	if !aOK || !bOK {
		return nil, nil
	}
	result, err := do(a, b)
	if err != nil {
		return nil, wrapErr(KindType, err, "%s", op)
	}
	if result == nil {
		return nil, nil
	}
	return Collection{result}, nil
}

func (c Collection) Multiply(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "multiply", func(a, b Element) (Element, error) {
		m, ok := a.(multiplyElement)
		if !ok {
			return nil, typeErr("%T does not support multiplication", a)
		}
		return m.Multiply(ctx, b)
	})
}

func (c Collection) Divide(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "divide", func(a, b Element) (Element, error) {
		m, ok := a.(divideElement)
		if !ok {
			return nil, typeErr("%T does not support division", a)
		}
		return m.Divide(ctx, b)
	})
}

func (c Collection) Div(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "div", func(a, b Element) (Element, error) {
		m, ok := a.(divElement)
		if !ok {
			return nil, typeErr("%T does not support integer division", a)
		}
		return m.Div(ctx, b)
	})
}

func (c Collection) Mod(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "mod", func(a, b Element) (Element, error) {
		m, ok := a.(modElement)
		if !ok {
			return nil, typeErr("%T does not support modulo", a)
		}
		return m.Mod(ctx, b)
	})
}

func (c Collection) Add(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "add", func(a, b Element) (Element, error) {
		m, ok := a.(addElement)
		if !ok {
			return nil, typeErr("%T does not support addition", a)
		}
		return m.Add(ctx, b)
	})
}

func (c Collection) Subtract(ctx context.Context, other Collection) (Collection, error) {
	return binaryCollectionOp(ctx, c, other, "subtract", func(a, b Element) (Element, error) {
		m, ok := a.(subtractElement)
		if !ok {
			return nil, typeErr("%T does not support subtraction", a)
		}
		return m.Subtract(ctx, b)
	})
}

// Concat implements the `&` string concatenation operator, which treats
// empty operands as the empty string rather than propagating emptiness.
func (c Collection) Concat(ctx context.Context, other Collection) (Collection, error) {
	a, aOK, err := Singleton[String](c)
	if err != nil {
		return nil, err
	}
	b, bOK, err := Singleton[String](other)
	if err != nil {
		return nil, err
	}
	if !aOK {
		a = ""
	}
	if !bOK {
		b = ""
	}
	return Collection{a + b}, nil
}
