package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Boolean is the FHIRPath System.Boolean primitive.
type Boolean bool

func (b Boolean) Children(name ...string) Collection { return nil }

func (b Boolean) ToBoolean(explicit bool) (Boolean, bool, error) { return b, true, nil }
func (b Boolean) ToString(explicit bool) (String, bool, error) {
	if explicit {
		return String(b.String()), true, nil
	}
	return "", false, implicitConversionError[Boolean, String](b)
}
func (b Boolean) ToInteger(explicit bool) (Integer, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[Boolean, Integer](b)
	}
	if b {
		return 1, true, nil
	}
	return 0, true, nil
}
func (b Boolean) ToLong(explicit bool) (Long, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[Boolean, Long](b)
	}
	if b {
		return 1, true, nil
	}
	return 0, true, nil
}
func (b Boolean) ToDecimal(explicit bool) (Decimal, bool, error) {
	if !explicit {
		return Decimal{}, false, implicitConversionError[Boolean, Decimal](b)
	}
	if b {
		return Decimal{Value: apd.New(1, 0)}, true, nil
	}
	return Decimal{Value: apd.New(0, 0)}, true, nil
}
func (b Boolean) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[Boolean, Date]() }
func (b Boolean) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[Boolean, Time]() }
func (b Boolean) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[Boolean, DateTime]() }
func (b Boolean) ToQuantity(explicit bool) (Quantity, bool, error) {
	if !explicit {
		return Quantity{}, false, conversionError[Boolean, Quantity]()
	}
	d, _, _ := b.ToDecimal(true)
	return Quantity{Value: d, Unit: "1"}, true, nil
}
func (b Boolean) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToBoolean(false)
	if err == nil && ok {
		return b == o, true
	}
	if isStringish(other) {
		return other.Equal(b)
	}
	return false, true
}
func (b Boolean) Equivalent(other Element) bool {
	eq, ok := b.Equal(other)
	return ok && eq
}
func (b Boolean) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Boolean", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (b Boolean) MarshalJSON() ([]byte, error) { return json.Marshal(bool(b)) }
func (b Boolean) String() string               { return strconv.FormatBool(bool(b)) }

// String is the FHIRPath System.String primitive.
type String string

func (s String) Children(name ...string) Collection { return nil }

var (
	trueStrings  = []string{"true", "t", "yes", "y", "1", "1.0"}
	falseStrings = []string{"false", "f", "no", "n", "0", "0.0"}
)

func (s String) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, implicitConversionError[String, Boolean](s)
	}
	lower := strings.ToLower(string(s))
	if slices.Contains(trueStrings, lower) {
		return true, true, nil
	}
	if slices.Contains(falseStrings, lower) {
		return false, true, nil
	}
	return false, false, nil
}
func (s String) ToString(bool) (String, bool, error) { return s, true, nil }
func (s String) ToInteger(explicit bool) (Integer, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[String, Integer](s)
	}
	v, err := strconv.ParseInt(string(s), 10, 32)
	if err != nil {
		return 0, false, nil
	}
	return Integer(v), true, nil
}
func (s String) ToLong(explicit bool) (Long, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[String, Long](s)
	}
	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return Long(v), true, nil
}
func (s String) ToDecimal(explicit bool) (Decimal, bool, error) {
	if !explicit {
		return Decimal{}, false, implicitConversionError[String, Decimal](s)
	}
	d, _, err := apd.NewFromString(string(s))
	if err != nil {
		return Decimal{}, false, nil
	}
	return Decimal{Value: d}, true, nil
}
func (s String) ToDate(explicit bool) (Date, bool, error) {
	if !explicit {
		return Date{}, false, implicitConversionError[String, Date](s)
	}
	d, err := ParseDate(string(s))
	if err != nil {
		return Date{}, false, nil
	}
	return d, true, nil
}
func (s String) ToTime(explicit bool) (Time, bool, error) {
	if !explicit {
		return Time{}, false, implicitConversionError[String, Time](s)
	}
	t, err := ParseTime(string(s))
	if err != nil {
		return Time{}, false, nil
	}
	return t, true, nil
}
func (s String) ToDateTime(explicit bool) (DateTime, bool, error) {
	if !explicit {
		return DateTime{}, false, implicitConversionError[String, DateTime](s)
	}
	dt, err := ParseDateTime(string(s))
	if err != nil {
		return DateTime{}, false, nil
	}
	return dt, true, nil
}
func (s String) ToQuantity(bool) (Quantity, bool, error) {
	q, err := ParseQuantity(string(s))
	if err != nil {
		return Quantity{}, false, nil
	}
	return q, true, nil
}
func (s String) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToString(false)
	if err == nil && ok {
		return s == o, true
	}
	return false, ok && err == nil
}

var whitespaceRegex = regexp.MustCompile(`[\t\r\n]`)

func (s String) Equivalent(other Element) bool {
	o, ok, err := other.ToString(false)
	if err != nil || !ok {
		return false
	}
	norm := func(v String) string {
		return whitespaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(string(v))), " ")
	}
	return norm(s) == norm(o)
}
func (s String) Cmp(other Element) (int, bool, error) {
	o, ok, err := other.ToString(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare String to %T", other)
	}
	return strings.Compare(string(s), string(o)), true, nil
}
func (s String) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToString(false)
	if err != nil {
		return nil, typeErr("can not add %T to String", other)
	}
	if !ok {
		return nil, nil
	}
	return s + o, nil
}
func (s String) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "String", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (s String) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }
func (s String) String() string               { return fmt.Sprintf("'%s'", string(s)) }

func isStringish(e Element) bool {
	_, ok := e.(String)
	return ok
}

// Integer is the FHIRPath System.Integer primitive (signed 32-bit).
type Integer int32

func (i Integer) Children(name ...string) Collection { return nil }
func (i Integer) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, implicitConversionError[Integer, Boolean](i)
	}
	switch i {
	case 0:
		return false, true, nil
	case 1:
		return true, true, nil
	default:
		return false, false, nil
	}
}
func (i Integer) ToString(bool) (String, bool, error) { return String(strconv.Itoa(int(i))), true, nil }
func (i Integer) ToInteger(bool) (Integer, bool, error) { return i, true, nil }
func (i Integer) ToLong(bool) (Long, bool, error)        { return Long(i), true, nil }
func (i Integer) ToDecimal(bool) (Decimal, bool, error) {
	return Decimal{Value: apd.New(int64(i), 0)}, true, nil
}
func (i Integer) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[Integer, Date]() }
func (i Integer) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[Integer, Time]() }
func (i Integer) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[Integer, DateTime]() }
func (i Integer) ToQuantity(bool) (Quantity, bool, error) {
	d, _, _ := i.ToDecimal(false)
	return Quantity{Value: d, Unit: "1"}, true, nil
}
func (i Integer) Equal(other Element) (bool, bool) {
	if l, ok := other.(Long); ok {
		return int64(i) == int64(l), true
	}
	o, ok, err := other.ToInteger(false)
	if err == nil && ok {
		return i == o, true
	}
	if canDelegateNumeric(other) {
		return other.Equal(i)
	}
	return false, true
}
func (i Integer) Equivalent(other Element) bool {
	eq, ok := i.Equal(other)
	return ok && eq
}
func (i Integer) Cmp(other Element) (int, bool, error) {
	if l, ok := other.(Long); ok {
		return compareInt64(int64(i), int64(l)), true, nil
	}
	o, ok, err := other.ToInteger(false)
	if err != nil || !ok {
		if canDelegateNumeric(other) {
			if c, ok := any(other).(cmpElement); ok {
				cmp, cok, cerr := c.Cmp(i)
				return -cmp, cok, cerr
			}
		}
		return 0, false, typeErr("can not compare Integer to %T", other)
	}
	return compareInt64(int64(i), int64(o)), true, nil
}
func (i Integer) Multiply(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "multiply")
}
func (i Integer) Divide(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "divide")
}
func (i Integer) Div(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "div")
}
func (i Integer) Mod(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "mod")
}
func (i Integer) Add(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "add")
}
func (i Integer) Subtract(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, i, other, "subtract")
}
func (i Integer) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Integer", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (i Integer) MarshalJSON() ([]byte, error) { return json.Marshal(int32(i)) }
func (i Integer) String() string               { return strconv.Itoa(int(i)) }

// Long is the FHIRPath System.Long primitive (signed 64-bit).
type Long int64

func (l Long) Children(name ...string) Collection { return nil }
func (l Long) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, implicitConversionError[Long, Boolean](l)
	}
	switch l {
	case 0:
		return false, true, nil
	case 1:
		return true, true, nil
	default:
		return false, false, nil
	}
}
func (l Long) ToString(bool) (String, bool, error) { return String(strconv.FormatInt(int64(l), 10)), true, nil }
func (l Long) ToInteger(explicit bool) (Integer, bool, error) {
	if l < -(1<<31) || l > (1<<31-1) {
		if !explicit {
			return 0, false, implicitConversionError[Long, Integer](l)
		}
		return 0, false, nil
	}
	return Integer(l), true, nil
}
func (l Long) ToLong(bool) (Long, bool, error) { return l, true, nil }
func (l Long) ToDecimal(bool) (Decimal, bool, error) {
	return Decimal{Value: apd.New(int64(l), 0)}, true, nil
}
func (l Long) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[Long, Date]() }
func (l Long) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[Long, Time]() }
func (l Long) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[Long, DateTime]() }
func (l Long) ToQuantity(bool) (Quantity, bool, error) {
	d, _, _ := l.ToDecimal(false)
	return Quantity{Value: d, Unit: "1"}, true, nil
}
func (l Long) Equal(other Element) (bool, bool) {
	if i, ok := other.(Integer); ok {
		return int64(l) == int64(i), true
	}
	o, ok, err := other.ToLong(false)
	if err == nil && ok {
		return l == o, true
	}
	if canDelegateNumeric(other) {
		return other.Equal(l)
	}
	return false, true
}
func (l Long) Equivalent(other Element) bool {
	eq, ok := l.Equal(other)
	return ok && eq
}
func (l Long) Cmp(other Element) (int, bool, error) {
	o, ok, err := other.ToLong(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare Long to %T", other)
	}
	return compareInt64(int64(l), int64(o)), true, nil
}
func (l Long) Multiply(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "multiply")
}
func (l Long) Divide(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "divide")
}
func (l Long) Div(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "div")
}
func (l Long) Mod(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "mod")
}
func (l Long) Add(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "add")
}
func (l Long) Subtract(ctx context.Context, other Element) (Element, error) {
	return numericDispatch(ctx, l, other, "subtract")
}
func (l Long) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Long", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (l Long) MarshalJSON() ([]byte, error) { return json.Marshal(int64(l)) }
func (l Long) String() string               { return strconv.FormatInt(int64(l), 10) }

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func canDelegateNumeric(e Element) bool {
	switch e.(type) {
	case Decimal, Quantity, String, Long:
		return true
	default:
		return false
	}
}

func canDelegateDecimal(e Element) bool {
	switch e.(type) {
	case Quantity, String, Long:
		return true
	default:
		return false
	}
}

func delegatesToDateTime(e Element) bool {
	_, ok := e.(DateTime)
	return ok
}

// numericDispatch promotes both operands to the widest numeric kind present
// (Integer < Long < Decimal < Quantity) and re-dispatches the arithmetic op,
// mirroring FHIRPath's polymorphic arithmetic promotion rules. Integer and
// Long operations are computed on exact decimals and narrowed back to the
// wider operand kind (empty when the result does not fit); divide (/)
// always yields a Decimal.
func numericDispatch(ctx context.Context, self Element, other Element, op string) (Element, error) {
	rank := func(e Element) int {
		switch e.(type) {
		case Integer:
			return 0
		case Long:
			return 1
		case Decimal:
			return 2
		case Quantity:
			return 3
		default:
			return -1
		}
	}
	otherRank := rank(other)
	if otherRank < 0 {
		return nil, typeErr("can not %s %T and %T", op, self, other)
	}
	promote := func(e Element, to int) (Element, error) {
		switch to {
		case 1:
			v, _, err := e.ToLong(true)
			return v, err
		case 2:
			v, _, err := e.ToDecimal(true)
			return v, err
		case 3:
			v, _, err := e.ToQuantity(true)
			return v, err
		default:
			return e, nil
		}
	}
	target := max(rank(self), otherRank)
	if target <= 1 {
		a, _, _ := self.ToDecimal(true)
		b, _, _ := other.ToDecimal(true)
		res, err := numericDispatch(ctx, a, b, op)
		d, isDecimal := res.(Decimal)
		if err != nil || op == "divide" || !isDecimal {
			return res, err
		}
		if i, ok, _ := d.ToInteger(true); ok && target == 0 {
			return i, nil
		} else if l, ok, _ := d.ToLong(true); ok && target == 1 {
			return l, nil
		}
		return nil, nil
	}
	promotedSelf, err := promote(self, target)
	if err != nil {
		return nil, err
	}
	promotedOther, err := promote(other, target)
	if err != nil {
		return nil, err
	}
	switch op {
	case "multiply":
		return promotedSelf.(multiplyElement).Multiply(ctx, promotedOther)
	case "divide":
		return promotedSelf.(divideElement).Divide(ctx, promotedOther)
	case "div":
		return promotedSelf.(divElement).Div(ctx, promotedOther)
	case "mod":
		return promotedSelf.(modElement).Mod(ctx, promotedOther)
	case "add":
		return promotedSelf.(addElement).Add(ctx, promotedOther)
	case "subtract":
		return promotedSelf.(subtractElement).Subtract(ctx, promotedOther)
	default:
		return nil, typeErr("unknown numeric operator %s", op)
	}
}
