package fhirpath

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/apd/v3"
)

type apdContextKey struct{}

// WithAPDContext overrides the decimal precision context used for Decimal
// arithmetic in an evaluation. The default keeps 34 significant digits
// (roughly Decimal128), comfortably exceeding the 18 fractional digits the
// FHIR spec requires decimal values to support.
func WithAPDContext(ctx context.Context, apdCtx *apd.Context) context.Context {
	return context.WithValue(ctx, apdContextKey{}, apdCtx)
}

const defaultDecimalPrecision uint32 = 34

var defaultAPDContext = apd.BaseContext.WithPrecision(defaultDecimalPrecision)

func apdContext(ctx context.Context) *apd.Context {
	if ctx != nil {
		if c, ok := ctx.Value(apdContextKey{}).(*apd.Context); ok && c != nil {
			return c
		}
	}
	return defaultAPDContext
}

// Decimal is the FHIRPath System.Decimal primitive, backed by
// github.com/cockroachdb/apd/v3 for arbitrary, exact-precision arithmetic.
type Decimal struct {
	Value *apd.Decimal
}

func (d Decimal) Children(name ...string) Collection { return nil }
func (d Decimal) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, implicitConversionError[Decimal, Boolean](d)
	}
	switch {
	case d.Value.Cmp(apd.New(1, 0)) == 0:
		return true, true, nil
	case d.Value.Cmp(apd.New(0, 0)) == 0:
		return false, true, nil
	default:
		return false, false, nil
	}
}
func (d Decimal) ToString(bool) (String, bool, error)   { return String(d.String()), true, nil }
func (d Decimal) ToDecimal(bool) (Decimal, bool, error) { return d, true, nil }
func (d Decimal) ToInteger(explicit bool) (Integer, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[Decimal, Integer](d)
	}
	var integral apd.Decimal
	_, _ = apdContext(nil).RoundToIntegralValue(&integral, d.Value)
	if !isIntegral(d.Value) {
		return 0, false, nil
	}
	i, err := d.Value.Int64()
	if err != nil || i < -(1<<31) || i > (1<<31-1) {
		return 0, false, nil
	}
	return Integer(i), true, nil
}
func (d Decimal) ToLong(explicit bool) (Long, bool, error) {
	if !explicit {
		return 0, false, implicitConversionError[Decimal, Long](d)
	}
	if !isIntegral(d.Value) {
		return 0, false, nil
	}
	i, err := d.Value.Int64()
	if err != nil {
		return 0, false, nil
	}
	return Long(i), true, nil
}
func (d Decimal) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[Decimal, Date]() }
func (d Decimal) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[Decimal, Time]() }
func (d Decimal) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[Decimal, DateTime]() }
func (d Decimal) ToQuantity(bool) (Quantity, bool, error) {
	return Quantity{Value: d, Unit: "1"}, true, nil
}

func isIntegral(d *apd.Decimal) bool {
	var integral apd.Decimal
	_, err := apd.BaseContext.WithPrecision(defaultDecimalPrecision).RoundToIntegralExact(&integral, d)
	return err == nil && integral.Cmp(d) == 0
}

// numericEqualStep erases floating-point noise: both operands are rounded to
// this step (eight fractional digits) before being compared for equality.
const numericEqualStep = "0.00000001"

func (d Decimal) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToDecimal(false)
	if err == nil && ok {
		return decimalStepEqual(d.Value, o.Value), true
	}
	if canDelegateDecimal(other) {
		return other.Equal(d)
	}
	return false, true
}

func decimalStepEqual(a, b *apd.Decimal) bool {
	step, _, _ := apd.NewFromString(numericEqualStep)
	var ra, rb apd.Decimal
	ctx := apd.BaseContext.WithPrecision(defaultDecimalPrecision)
	_, _ = ctx.Quo(&ra, a, step)
	_, _ = ctx.RoundToIntegralValue(&ra, &ra)
	_, _ = ctx.Quo(&rb, b, step)
	_, _ = ctx.RoundToIntegralValue(&rb, &rb)
	return ra.Cmp(&rb) == 0
}

func (d Decimal) Equivalent(other Element) bool {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		if canDelegateDecimal(other) {
			return other.Equivalent(d)
		}
		return false
	}
	prec := uint32(min(d.Value.NumDigits(), o.Value.NumDigits()))
	if prec == 0 {
		prec = 1
	}
	ctx := apd.BaseContext.WithPrecision(prec)
	var a, b apd.Decimal
	if _, err := ctx.Round(&a, d.Value); err != nil {
		return false
	}
	if _, err := ctx.Round(&b, o.Value); err != nil {
		return false
	}
	return a.Cmp(&b) == 0
}
func (d Decimal) Cmp(other Element) (int, bool, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare Decimal to %T", other)
	}
	return d.Value.Cmp(o.Value), true, nil
}
func (d Decimal) Multiply(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not multiply Decimal with %T", other)
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Mul(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Divide(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not divide Decimal with %T", other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Quo(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Div(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not div Decimal with %T", other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).QuoInteger(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Mod(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not mod Decimal with %T", other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Rem(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not add %T to Decimal", other)
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Add(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Subtract(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, typeErr("can not subtract %T from Decimal", other)
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Sub(&res, d.Value, o.Value); err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Precision() int {
	if d.Value.Exponent < 0 {
		return int(-d.Value.Exponent)
	}
	return 0
}
func (d Decimal) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Decimal", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (d Decimal) MarshalJSON() ([]byte, error) { return json.Marshal(d.Value) }
func (d Decimal) String() string               { return d.Value.Text('f') }
