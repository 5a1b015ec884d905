package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Calendar duration unit names, per the FHIRPath quantity literal grammar.
const (
	unitYear        = "year"
	unitYears       = "years"
	unitMonth       = "month"
	unitMonths      = "months"
	unitWeek        = "week"
	unitWeeks       = "weeks"
	unitDay         = "day"
	unitDays        = "days"
	unitHour        = "hour"
	unitHours       = "hours"
	unitMinute      = "minute"
	unitMinutes     = "minutes"
	unitSecond      = "second"
	unitSeconds     = "seconds"
	unitS           = "s"
	unitMillisecond = "millisecond"
	unitMilliseconds = "milliseconds"
	unitMs          = "ms"
)

func isTimeUnit(unit string) bool {
	switch unit {
	case unitYear, unitYears, unitMonth, unitMonths, unitWeek, unitWeeks,
		unitDay, unitDays, unitHour, unitHours, unitMinute, unitMinutes,
		unitSecond, unitSeconds, unitS, unitMillisecond, unitMilliseconds, unitMs:
		return true
	}
	return false
}

// normalizeTimeUnit maps every spelling of a calendar unit ("years", "a"
// UCUM annum literal excluded) to its FHIRPath calendar-duration keyword.
func normalizeTimeUnit(unit string) string {
	unit = strings.Trim(unit, "'")
	switch unit {
	case unitYear, unitYears:
		return unitYear
	case unitMonth, unitMonths:
		return unitMonth
	case unitWeek, unitWeeks, "wk":
		return unitWeek
	case unitDay, unitDays, "d":
		return unitDay
	case unitHour, unitHours, "h":
		return unitHour
	case unitMinute, unitMinutes, "min":
		return unitMinute
	case unitSecond, unitSeconds, unitS:
		return unitSecond
	case unitMillisecond, unitMilliseconds, unitMs:
		return unitMillisecond
	}
	return unit
}

// ucumEquivalents maps a canonical calendar unit keyword to the UCUM code
// with the same nominal duration ("definite" units, always exactly that
// many seconds - unlike years/months which are calendar-variable).
var ucumEquivalents = map[string]string{
	unitYear:        "a",
	unitMonth:       "mo",
	unitWeek:        "wk",
	unitDay:         "d",
	unitHour:        "h",
	unitMinute:      "min",
	unitSecond:      "s",
	unitMillisecond: "ms",
}

// ucumSecondsPerUnit gives the fixed conversion factor to seconds for every
// UCUM time code this engine understands. Years and months ("a", "mo")
// convert at their Julian average lengths; toQuantity checks
// crossesCalendarUCUMBoundary before converting between them and
// fixed-length units.
var ucumSecondsPerUnit = map[string]string{
	"a":   "31557600", // Julian year, 365.25 days - UCUM's definition of "a"
	"mo":  "2629800",  // 1/12 Julian year
	"wk":  "604800",
	"d":   "86400",
	"h":   "3600",
	"min": "60",
	"s":   "1",
	"ms":  "0.001",
}

// Quantity is the FHIRPath System.Quantity primitive: a numeric value with
// a UCUM code or calendar-duration unit string.
type Quantity struct {
	Value Decimal
	Unit  String
}

func (q Quantity) Children(name ...string) Collection { return nil }
func (q Quantity) ToBoolean(bool) (Boolean, bool, error)   { return false, false, conversionError[Quantity, Boolean]() }
func (q Quantity) ToString(bool) (String, bool, error)     { return String(q.String()), true, nil }
func (q Quantity) ToInteger(bool) (Integer, bool, error)   { return 0, false, conversionError[Quantity, Integer]() }
func (q Quantity) ToLong(bool) (Long, bool, error)         { return 0, false, conversionError[Quantity, Long]() }
func (q Quantity) ToDecimal(bool) (Decimal, bool, error)   { return Decimal{}, false, conversionError[Quantity, Decimal]() }
func (q Quantity) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[Quantity, Date]() }
func (q Quantity) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[Quantity, Time]() }
func (q Quantity) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[Quantity, DateTime]() }
func (q Quantity) ToQuantity(bool) (Quantity, bool, error) { return q, true, nil }

func (q Quantity) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToQuantity(false)
	if err == nil && ok {
		leftOrig, rightOrig := q.Unit, o.Unit
		left, right := q.canonicalize(), o.canonicalize()
		if calendarEqualityRestricted(leftOrig, rightOrig, left.Unit) {
			return false, false
		}
		converted, err := convertQuantityToUnit(right, left.Unit)
		if err != nil {
			return false, false
		}
		eq, ok := left.Value.Equal(converted.Value)
		return eq && ok, true
	}
	if isStringish(other) {
		return other.Equal(q)
	}
	return false, true
}
func (q Quantity) Equivalent(other Element) bool {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return false
	}
	left, right := q.canonicalize(), o.canonicalize()
	converted, err := convertQuantityToUnit(right, left.Unit)
	if err != nil {
		return false
	}
	return left.Value.Equivalent(converted.Value)
}
func (q Quantity) Cmp(other Element) (int, bool, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare Quantity to %T", other)
	}
	left, right := q.canonicalize(), o.canonicalize()
	converted, err := convertQuantityToUnit(right, left.Unit)
	if err != nil {
		return 0, false, domainErr("quantity units are not comparable, left: %v right: %v", left, right)
	}
	return left.Value.Cmp(converted.Value)
}
func (q Quantity) Multiply(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not multiply Quantity with %T", other)
	}
	left, right := q.canonicalize(), o.canonicalize()
	v, err := left.Value.Multiply(ctx, right.Value)
	if err != nil {
		return nil, err
	}
	return Quantity{Value: v.(Decimal), Unit: formatProductUnit(left.Unit, right.Unit)}, nil
}
func (q Quantity) Divide(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not divide Quantity with %T", other)
	}
	left, right := q.canonicalize(), o.canonicalize()
	v, err := left.Value.Divide(ctx, right.Value)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return Quantity{Value: v.(Decimal), Unit: formatDivisionUnit(left.Unit, right.Unit)}, nil
}
func (q Quantity) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not add Quantity and %T", other)
	}
	left, right := q.canonicalize(), o.canonicalize()
	if crossesCalendarUCUMBoundary(left.Unit, right.Unit) {
		return nil, domainErr("can not add incompatible calendar/UCUM time quantities")
	}
	converted, err := convertQuantityToUnit(right, left.Unit)
	if err != nil {
		return nil, domainErr("quantity units do not match, left: %v right: %v", left, right)
	}
	var sum apd.Decimal
	if _, err := apdContext(ctx).Add(&sum, left.Value.Value, converted.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{Value: Decimal{Value: &sum}, Unit: left.Unit}, nil
}
func (q Quantity) Subtract(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not subtract %T from Quantity", other)
	}
	left, right := q.canonicalize(), o.canonicalize()
	if crossesCalendarUCUMBoundary(left.Unit, right.Unit) {
		return nil, domainErr("can not subtract incompatible calendar/UCUM time quantities")
	}
	converted, err := convertQuantityToUnit(right, left.Unit)
	if err != nil {
		return nil, domainErr("quantity units do not match, left: %v right: %v", left, right)
	}
	var diff apd.Decimal
	if _, err := apdContext(ctx).Sub(&diff, left.Value.Value, converted.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{Value: Decimal{Value: &diff}, Unit: left.Unit}, nil
}

func (q Quantity) canonicalize() Quantity {
	q.Unit = canonicalQuantityUnit(q.Unit)
	return q
}

func canonicalQuantityUnit(unit String) String {
	if unit == "" {
		return "1"
	}
	trimmed := strings.Trim(string(unit), "'")
	if norm := normalizeTimeUnit(trimmed); norm != trimmed && isTimeUnit(norm) {
		return String(norm)
	}
	if ucum, ok := ucumEquivalents[trimmed]; ok {
		return String(ucum)
	}
	return String(trimmed)
}

func isCalendarLiteralUnit(unit String) bool {
	switch strings.ToLower(strings.Trim(string(unit), "'")) {
	case unitYear, unitYears, unitMonth, unitMonths, unitWeek, unitWeeks, unitDay, unitDays,
		unitHour, unitHours, unitMinute, unitMinutes, unitSecond, unitSeconds,
		unitMillisecond, unitMilliseconds:
		return true
	}
	return false
}

// isVariableLengthCalendarUnit reports whether a canonical unit denotes a
// calendar duration whose length in seconds is not fixed (year, month).
func isVariableLengthCalendarUnit(unit String) bool {
	switch string(unit) {
	case "a", "mo", unitYear, unitMonth:
		return true
	}
	return false
}

// calendarEqualityRestricted implements the FHIRPath "Quantity Equality"
// carve-out: a bare calendar literal (`1 year`) and its definite UCUM
// counterpart (`1 'a'`) are not comparable by strict equality when the
// unit denotes a variable-length duration.
func calendarEqualityRestricted(leftOriginal, rightOriginal, canonicalUnit String) bool {
	leftLiteral := isCalendarLiteralUnit(leftOriginal)
	rightLiteral := isCalendarLiteralUnit(rightOriginal)
	if leftLiteral == rightLiteral {
		return false
	}
	return isVariableLengthCalendarUnit(canonicalUnit)
}

func crossesCalendarUCUMBoundary(left, right String) bool {
	return isVariableLengthCalendarUnit(left) != isVariableLengthCalendarUnit(right) &&
		(isTimeUnit(string(left)) || isTimeUnit(string(right)) || left == "a" || left == "mo" || right == "a" || right == "mo")
}

func convertQuantityToUnit(q Quantity, unit String) (Quantity, error) {
	target := canonicalQuantityUnit(unit)
	q = q.canonicalize()
	if q.Unit == target {
		return q, nil
	}
	if q.Unit == "1" || target == "1" {
		return Quantity{}, domainErr("can not convert dimensionless quantity to unit %s", target)
	}
	fromSeconds, fromOK := ucumSecondsPerUnit[string(q.Unit)]
	toSeconds, toOK := ucumSecondsPerUnit[string(target)]
	if !fromOK || !toOK {
		return Quantity{}, domainErr("can not convert quantity from %s to %s", q.Unit, target)
	}
	fromFactor, _, err := apd.NewFromString(fromSeconds)
	if err != nil {
		return Quantity{}, err
	}
	toFactor, _, err := apd.NewFromString(toSeconds)
	if err != nil {
		return Quantity{}, err
	}
	ctx := apd.BaseContext.WithPrecision(defaultDecimalPrecision)
	var seconds, converted apd.Decimal
	if _, err := ctx.Mul(&seconds, q.Value.Value, fromFactor); err != nil {
		return Quantity{}, err
	}
	if _, err := ctx.Quo(&converted, &seconds, toFactor); err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: &converted}, Unit: target}, nil
}

func formatProductUnit(left, right String) String {
	switch {
	case left == "1":
		return right
	case right == "1":
		return left
	}
	return String(fmt.Sprintf("%s.%s", wrapUnitTerm(left), wrapUnitTerm(right)))
}

func formatDivisionUnit(numerator, denominator String) String {
	switch {
	case numerator == denominator:
		return "1"
	case denominator == "1":
		return numerator
	case numerator == "1":
		return String(fmt.Sprintf("1/%s", wrapUnitTerm(denominator)))
	}
	return String(fmt.Sprintf("%s/%s", wrapUnitTerm(numerator), wrapUnitTerm(denominator)))
}

func wrapUnitTerm(u String) string {
	s := string(u)
	if strings.ContainsAny(s, "./") {
		return "(" + s + ")"
	}
	return s
}

func (q Quantity) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Quantity", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (q Quantity) MarshalJSON() ([]byte, error) { return json.Marshal(q.String()) }
func (q Quantity) String() string {
	u := strings.TrimSpace(string(q.Unit))
	if u == "" || u == "1" {
		return q.Value.String()
	}
	if isCalendarLiteralUnit(q.Unit) {
		return fmt.Sprintf("%s %s", q.Value.String(), u)
	}
	return fmt.Sprintf("%s '%s'", q.Value.String(), u)
}

// ParseQuantity parses a FHIRPath quantity literal ("5 mg", "10 'mg'", "3").
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Quantity{}, domainErr("empty quantity literal")
	}
	fields := strings.SplitN(s, " ", 2)
	v, _, err := apd.NewFromString(fields[0])
	if err != nil {
		return Quantity{}, fmt.Errorf("can not parse quantity %q: %w", s, err)
	}
	unit := "1"
	if len(fields) == 2 {
		unit = strings.Trim(strings.TrimSpace(fields[1]), "'")
	}
	return Quantity{Value: Decimal{Value: v}, Unit: String(unit)}, nil
}
