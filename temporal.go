package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Go time format layouts for the FHIRPath date precisions (year, month,
// day) and time precisions (hour, minute, second, fraction).
const (
	dateFormatOnlyYear  = "2006"
	dateFormatUpToMonth = "2006-01"
	dateFormatFull      = "2006-01-02"

	timeFormatOnlyHour     = "15"
	timeFormatOnlyHourTZ   = "15Z07:00"
	timeFormatUpToMinute   = "15:04"
	timeFormatUpToMinuteTZ = "15:04Z07:00"
	timeFormatUpToSecond   = "15:04:05"
	timeFormatUpToSecondTZ = "15:04:05Z07:00"
	timeFormatFull         = "15:04:05.999999999"
	timeFormatFullTZ       = "15:04:05.999999999Z07:00"
)

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// DatePrecision is the granularity a Date literal was written at: FHIRPath
// dates can be truncated to a year or year-month, and comparisons between
// values of differing precision are only defined down to their common level.
type DatePrecision string

const (
	DatePrecisionYear  DatePrecision = "year"
	DatePrecisionMonth DatePrecision = "month"
	DatePrecisionFull  DatePrecision = "day"
)

var dateComparisonLevels = []DatePrecision{DatePrecisionYear, DatePrecisionMonth, DatePrecisionFull}

func datePrecisionOrder(p DatePrecision) int {
	switch p {
	case DatePrecisionYear:
		return 0
	case DatePrecisionMonth:
		return 1
	default:
		return 2
	}
}

func hasDatePrecisionLevel(current, level DatePrecision) bool {
	return datePrecisionOrder(current) >= datePrecisionOrder(level)
}

func compareDatesAtLevel(a, b time.Time, level DatePrecision) int {
	switch level {
	case DatePrecisionYear:
		return compareInts(a.Year(), b.Year())
	case DatePrecisionMonth:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		return compareInts(int(a.Month()), int(b.Month()))
	default:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(int(a.Month()), int(b.Month())); cmp != 0 {
			return cmp
		}
		return compareInts(a.Day(), b.Day())
	}
}

func datePrecisionToDateTimePrecision(p DatePrecision) DateTimePrecision {
	switch p {
	case DatePrecisionYear:
		return DateTimePrecisionYear
	case DatePrecisionMonth:
		return DateTimePrecisionMonth
	default:
		return DateTimePrecisionDay
	}
}

// Date is the FHIRPath System.Date primitive: a calendar date with a
// precision of year, year-month, or full date, no time-of-day component.
type Date struct {
	Value     time.Time
	Precision DatePrecision
}

func (d Date) Children(name ...string) Collection { return nil }
func (d Date) ToBoolean(bool) (Boolean, bool, error) { return false, false, conversionError[Date, Boolean]() }
func (d Date) ToString(bool) (String, bool, error)   { return String(d.String()), true, nil }
func (d Date) ToInteger(bool) (Integer, bool, error) { return 0, false, conversionError[Date, Integer]() }
func (d Date) ToLong(bool) (Long, bool, error)       { return 0, false, conversionError[Date, Long]() }
func (d Date) ToDecimal(bool) (Decimal, bool, error) { return Decimal{}, false, conversionError[Date, Decimal]() }
func (d Date) ToDate(bool) (Date, bool, error)       { return d, true, nil }
func (d Date) ToTime(bool) (Time, bool, error)       { return Time{}, false, conversionError[Date, Time]() }
func (d Date) ToDateTime(explicit bool) (DateTime, bool, error) {
	return DateTime{Value: d.Value, Precision: datePrecisionToDateTimePrecision(d.Precision)}, true, nil
}
func (d Date) ToQuantity(bool) (Quantity, bool, error) { return Quantity{}, false, conversionError[Date, Quantity]() }

func (d Date) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToDate(false)
	if err == nil && ok {
		cmp, cmpOK, err := d.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if delegatesToDateTime(other) || isStringish(other) {
		return other.Equal(d)
	}
	return false, true
}
func (d Date) Equivalent(other Element) bool {
	o, ok, err := other.ToDate(false)
	if err == nil && ok {
		cmp, cmpOK, err := d.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if delegatesToDateTime(other) || isStringish(other) {
		return other.Equivalent(d)
	}
	return false
}
func (d Date) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToDate(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare Date to %T", other)
	}
	for _, level := range dateComparisonLevels {
		leftHas := hasDatePrecisionLevel(d.Precision, level)
		rightHas := hasDatePrecisionLevel(o.Precision, level)
		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareDatesAtLevel(d.Value, o.Value, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		return 0, false, nil
	}
	return 0, true, nil
}

func datePrecisionDigits(p DatePrecision) int {
	switch p {
	case DatePrecisionYear:
		return 4
	case DatePrecisionMonth:
		return 6
	default:
		return 8
	}
}

// Add implements calendar-duration arithmetic on Date, clamping to the last
// valid day of the month when the result would overflow (e.g. Jan 31 + 1
// month lands on Feb 28/29, not Mar 3).
func (d Date) Add(ctx context.Context, other Element) (Element, error) {
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not add %T to Date", other)
	}
	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, domainErr("invalid time unit for Date arithmetic: %v", q.Unit)
	}
	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, domainErr("invalid quantity value for date arithmetic: %v", err)
	}

	var result time.Time
	switch unit {
	case unitYear:
		result = addCalendarMonths(d.Value, int(value)*12)
	case unitMonth:
		result = addCalendarMonths(d.Value, int(value))
	case unitWeek:
		result = d.Value.AddDate(0, 0, int(value)*7)
	case unitDay:
		result = d.Value.AddDate(0, 0, int(value))
	default:
		return nil, domainErr("invalid time unit for Date: %v", q.Unit)
	}
	return Date{Value: result, Precision: d.Precision}, nil
}

func (d Date) Subtract(ctx context.Context, other Element) (Element, error) {
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not subtract %T from Date", other)
	}
	neg := Quantity{Value: q.Value, Unit: q.Unit}
	var negValue apd.Decimal
	if _, err := apdContext(ctx).Neg(&negValue, q.Value.Value); err != nil {
		return nil, err
	}
	neg.Value = Decimal{Value: &negValue}
	return d.Add(ctx, neg)
}

// addCalendarMonths adds n months, clamping the day-of-month to the last
// valid day of the resulting month instead of overflowing into the next.
func addCalendarMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	totalMonths := int(month) - 1 + n
	newYear := year + totalMonths/12
	newMonth := totalMonths % 12
	if newMonth < 0 {
		newMonth += 12
		newYear--
	}
	firstOfMonth := time.Date(newYear, time.Month(newMonth+1), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(newYear, time.Month(newMonth+1), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func (d Date) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Date", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }
func (d Date) String() string {
	var ds string
	switch d.Precision {
	case DatePrecisionYear:
		ds = d.Value.Format(dateFormatOnlyYear)
	case DatePrecisionMonth:
		ds = d.Value.Format(dateFormatUpToMonth)
	default:
		ds = d.Value.Format(dateFormatFull)
	}
	return fmt.Sprintf("@%s", ds)
}

// ParseDate parses a FHIRPath date literal, with or without the leading "@".
func ParseDate(s string) (Date, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	if t, err := time.Parse(dateFormatFull, s); err == nil {
		return Date{Value: t, Precision: DatePrecisionFull}, nil
	}
	if t, err := time.Parse(dateFormatUpToMonth, s); err == nil {
		return Date{Value: t, Precision: DatePrecisionMonth}, nil
	}
	if t, err := time.Parse(dateFormatOnlyYear, s); err == nil {
		return Date{Value: t, Precision: DatePrecisionYear}, nil
	}
	return Date{}, domainErr("can not parse date %q", s)
}

// TimePrecision is the granularity a Time literal was written at.
type TimePrecision string

const (
	TimePrecisionHour        TimePrecision = "hour"
	TimePrecisionMinute      TimePrecision = "minute"
	TimePrecisionSecond      TimePrecision = "second"
	TimePrecisionMillisecond TimePrecision = "millisecond"
	TimePrecisionFull                      = TimePrecisionMillisecond
)

var timeComparisonLevels = []TimePrecision{TimePrecisionHour, TimePrecisionMinute, TimePrecisionSecond}

func timePrecisionOrder(p TimePrecision) int {
	switch p {
	case TimePrecisionHour:
		return 0
	case TimePrecisionMinute:
		return 1
	case TimePrecisionSecond:
		return 2
	default:
		return 3
	}
}

func hasTimePrecisionLevel(current, level TimePrecision) bool {
	return timePrecisionOrder(current) >= timePrecisionOrder(level)
}

func compareTimesAtLevel(a, b time.Time, level TimePrecision) int {
	switch level {
	case TimePrecisionHour:
		return compareInts(a.Hour(), b.Hour())
	case TimePrecisionMinute:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		return compareInts(a.Minute(), b.Minute())
	default:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Minute(), b.Minute()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Second(), b.Second()); cmp != 0 {
			return cmp
		}
		return compareInts(a.Nanosecond()/int(time.Millisecond), b.Nanosecond()/int(time.Millisecond))
	}
}

// Time is the FHIRPath System.Time primitive: a time-of-day with no date,
// stored on the zero date (0000-01-01) so arithmetic can reuse time.Time.
type Time struct {
	Value     time.Time
	Precision TimePrecision
}

func (t Time) Children(name ...string) Collection { return nil }
func (t Time) ToBoolean(bool) (Boolean, bool, error) { return false, false, conversionError[Time, Boolean]() }
func (t Time) ToString(bool) (String, bool, error)   { return String(t.String()), true, nil }
func (t Time) ToInteger(bool) (Integer, bool, error) { return 0, false, conversionError[Time, Integer]() }
func (t Time) ToLong(bool) (Long, bool, error)       { return 0, false, conversionError[Time, Long]() }
func (t Time) ToDecimal(bool) (Decimal, bool, error) { return Decimal{}, false, conversionError[Time, Decimal]() }
func (t Time) ToDate(bool) (Date, bool, error)       { return Date{}, false, conversionError[Time, Date]() }
func (t Time) ToTime(bool) (Time, bool, error)       { return t, true, nil }
func (t Time) ToDateTime(bool) (DateTime, bool, error) {
	return DateTime{}, false, conversionError[Time, DateTime]()
}
func (t Time) ToQuantity(bool) (Quantity, bool, error) { return Quantity{}, false, conversionError[Time, Quantity]() }

func (t Time) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := t.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if isStringish(other) {
		return other.Equal(t)
	}
	return false, true
}
func (t Time) Equivalent(other Element) bool {
	o, ok, err := other.ToTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := t.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if isStringish(other) {
		return other.Equivalent(t)
	}
	return false
}
func (t Time) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToTime(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare Time to %T", other)
	}
	right := o.Value.In(t.Value.Location())
	for _, level := range timeComparisonLevels {
		leftHas := hasTimePrecisionLevel(t.Precision, level)
		rightHas := hasTimePrecisionLevel(o.Precision, level)
		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareTimesAtLevel(t.Value, right, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		return 0, false, nil
	}
	return 0, true, nil
}

func (t Time) shiftBy(ctx context.Context, q Quantity, sign int64) (Element, error) {
	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, domainErr("invalid time unit: %v", q.Unit)
	}
	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, domainErr("invalid quantity value for time arithmetic: %v", err)
	}
	value *= sign

	var result time.Time
	switch unit {
	case unitHour:
		result = t.Value.Add(time.Duration(value) * time.Hour)
	case unitMinute:
		result = t.Value.Add(time.Duration(value) * time.Minute)
	case unitSecond:
		seconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, domainErr("invalid quantity value for time arithmetic: %v", err)
		}
		result = t.Value.Add(time.Duration(float64(sign) * seconds * float64(time.Second)))
	case unitMillisecond:
		millis, err := q.Value.Value.Float64()
		if err != nil {
			return nil, domainErr("invalid quantity value for time arithmetic: %v", err)
		}
		result = t.Value.Add(time.Duration(float64(sign) * millis * float64(time.Millisecond)))
	default:
		return nil, domainErr("invalid time unit for Time: %v", q.Unit)
	}

	year, month, day := result.Date()
	if year != 0 || month != 1 || day != 1 {
		hour, min, sec := result.Clock()
		nsec := result.Nanosecond()
		result = time.Date(0, 1, 1, hour, min, sec, nsec, result.Location())
	}
	return Time{Value: result, Precision: t.Precision}, nil
}

func (t Time) Add(ctx context.Context, other Element) (Element, error) {
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not add %T to Time", other)
	}
	return t.shiftBy(ctx, q, 1)
}
func (t Time) Subtract(ctx context.Context, other Element) (Element, error) {
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not subtract %T from Time", other)
	}
	return t.shiftBy(ctx, q, -1)
}

func (t Time) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Time", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (t Time) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }
func (t Time) String() string {
	var ts string
	switch t.Precision {
	case TimePrecisionHour:
		ts = t.Value.Format(timeFormatOnlyHour)
	case TimePrecisionMinute:
		ts = t.Value.Format(timeFormatUpToMinute)
	case TimePrecisionSecond:
		ts = t.Value.Format(timeFormatUpToSecond)
	default:
		ts = t.Value.Format(timeFormatFull)
	}
	return fmt.Sprintf("@T%s", ts)
}

// ParseTime parses a FHIRPath time literal, with or without the leading "@T".
func ParseTime(s string) (Time, error) {
	return parseTime(s, false)
}

func parseTime(s string, withTZ bool) (Time, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@T")
	s = strings.TrimPrefix(s, "T")
	if t, err := time.Parse(timeFormatFullTZ, s); err == nil && withTZ {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionMillisecond}, nil
	}
	if t, err := time.Parse(timeFormatFull, s); err == nil {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionMillisecond}, nil
	}
	if !strings.Contains(s, ".") {
		if t, err := time.Parse(timeFormatUpToSecondTZ, s); err == nil && withTZ {
			return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionSecond}, nil
		}
		if t, err := time.Parse(timeFormatUpToSecond, s); err == nil {
			return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionSecond}, nil
		}
	}
	if t, err := time.Parse(timeFormatUpToMinuteTZ, s); err == nil && withTZ {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionMinute}, nil
	}
	if t, err := time.Parse(timeFormatUpToMinute, s); err == nil {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionMinute}, nil
	}
	if t, err := time.Parse(timeFormatOnlyHourTZ, s); err == nil && withTZ {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionHour}, nil
	}
	if t, err := time.Parse(timeFormatOnlyHour, s); err == nil {
		return Time{Value: normalizeToEpochDate(t), Precision: TimePrecisionHour}, nil
	}
	return Time{}, domainErr("can not parse time %q", s)
}

func normalizeToEpochDate(t time.Time) time.Time {
	hour, min, sec := t.Clock()
	return time.Date(0, 1, 1, hour, min, sec, t.Nanosecond(), t.Location())
}

// DateTimePrecision is the granularity a DateTime literal was written at.
type DateTimePrecision string

const (
	DateTimePrecisionYear        DateTimePrecision = "year"
	DateTimePrecisionMonth       DateTimePrecision = "month"
	DateTimePrecisionDay         DateTimePrecision = "day"
	DateTimePrecisionHour        DateTimePrecision = "hour"
	DateTimePrecisionMinute      DateTimePrecision = "minute"
	DateTimePrecisionSecond      DateTimePrecision = "second"
	DateTimePrecisionMillisecond DateTimePrecision = "millisecond"
	DateTimePrecisionFull                          = DateTimePrecisionMillisecond
)

var dateTimeComparisonLevels = []DateTimePrecision{
	DateTimePrecisionYear, DateTimePrecisionMonth, DateTimePrecisionDay,
	DateTimePrecisionHour, DateTimePrecisionMinute, DateTimePrecisionSecond,
}

func dateTimePrecisionOrder(p DateTimePrecision) int {
	switch p {
	case DateTimePrecisionYear:
		return 0
	case DateTimePrecisionMonth:
		return 1
	case DateTimePrecisionDay:
		return 2
	case DateTimePrecisionHour:
		return 3
	case DateTimePrecisionMinute:
		return 4
	case DateTimePrecisionSecond:
		return 5
	default:
		return 6
	}
}

func hasDateTimePrecisionLevel(current, level DateTimePrecision) bool {
	return dateTimePrecisionOrder(current) >= dateTimePrecisionOrder(level)
}

func compareDateTimesAtLevel(a, b time.Time, level DateTimePrecision) int {
	switch level {
	case DateTimePrecisionYear:
		return compareInts(a.Year(), b.Year())
	case DateTimePrecisionMonth:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		return compareInts(int(a.Month()), int(b.Month()))
	case DateTimePrecisionDay:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(int(a.Month()), int(b.Month())); cmp != 0 {
			return cmp
		}
		return compareInts(a.Day(), b.Day())
	case DateTimePrecisionHour:
		if cmp := compareDateTimesAtLevel(a, b, DateTimePrecisionDay); cmp != 0 {
			return cmp
		}
		return compareInts(a.Hour(), b.Hour())
	case DateTimePrecisionMinute:
		if cmp := compareDateTimesAtLevel(a, b, DateTimePrecisionHour); cmp != 0 {
			return cmp
		}
		return compareInts(a.Minute(), b.Minute())
	default:
		if cmp := compareDateTimesAtLevel(a, b, DateTimePrecisionMinute); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Second(), b.Second()); cmp != 0 {
			return cmp
		}
		return compareInts(a.Nanosecond()/int(time.Millisecond), b.Nanosecond()/int(time.Millisecond))
	}
}

// DateTime is the FHIRPath System.DateTime primitive.
type DateTime struct {
	Value     time.Time
	Precision DateTimePrecision
}

func (dt DateTime) Children(name ...string) Collection { return nil }
func (dt DateTime) ToBoolean(bool) (Boolean, bool, error) {
	return false, false, conversionError[DateTime, Boolean]()
}
func (dt DateTime) ToString(bool) (String, bool, error) { return String(dt.String()), true, nil }
func (dt DateTime) ToInteger(bool) (Integer, bool, error) {
	return 0, false, conversionError[DateTime, Integer]()
}
func (dt DateTime) ToLong(bool) (Long, bool, error) { return 0, false, conversionError[DateTime, Long]() }
func (dt DateTime) ToDecimal(bool) (Decimal, bool, error) {
	return Decimal{}, false, conversionError[DateTime, Decimal]()
}
func (dt DateTime) ToDate(explicit bool) (Date, bool, error) {
	prec := DatePrecisionFull
	switch dt.Precision {
	case DateTimePrecisionYear:
		prec = DatePrecisionYear
	case DateTimePrecisionMonth:
		prec = DatePrecisionMonth
	}
	return Date{Value: dt.Value, Precision: prec}, true, nil
}
func (dt DateTime) ToTime(explicit bool) (Time, bool, error) {
	if !explicit {
		return Time{}, false, conversionError[DateTime, Time]()
	}
	hour, min, sec := dt.Value.Clock()
	prec := TimePrecisionMillisecond
	switch dt.Precision {
	case DateTimePrecisionYear, DateTimePrecisionMonth, DateTimePrecisionDay, DateTimePrecisionHour:
		prec = TimePrecisionHour
	case DateTimePrecisionMinute:
		prec = TimePrecisionMinute
	case DateTimePrecisionSecond:
		prec = TimePrecisionSecond
	}
	return Time{Value: time.Date(0, 1, 1, hour, min, sec, dt.Value.Nanosecond(), dt.Value.Location()), Precision: prec}, true, nil
}
func (dt DateTime) ToDateTime(bool) (DateTime, bool, error) { return dt, true, nil }
func (dt DateTime) ToQuantity(bool) (Quantity, bool, error) {
	return Quantity{}, false, conversionError[DateTime, Quantity]()
}

func (dt DateTime) Equal(other Element) (bool, bool) {
	o, ok, err := other.ToDateTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := dt.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if isStringish(other) {
		return other.Equal(dt)
	}
	return false, true
}
func (dt DateTime) Equivalent(other Element) bool {
	o, ok, err := other.ToDateTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := dt.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if isStringish(other) {
		return other.Equivalent(dt)
	}
	return false
}
func (dt DateTime) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToDateTime(false)
	if err != nil || !ok {
		return 0, false, typeErr("can not compare DateTime to %T", other)
	}
	right := o.Value.In(dt.Value.Location())
	for _, level := range dateTimeComparisonLevels {
		leftHas := hasDateTimePrecisionLevel(dt.Precision, level)
		rightHas := hasDateTimePrecisionLevel(o.Precision, level)
		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareDateTimesAtLevel(dt.Value, right, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		return 0, false, nil
	}
	return 0, true, nil
}

func (dt DateTime) shiftBy(ctx context.Context, q Quantity, sign int64) (Element, error) {
	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, domainErr("invalid time unit: %v", q.Unit)
	}
	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, domainErr("invalid quantity value for datetime arithmetic: %v", err)
	}
	value *= sign

	var result time.Time
	switch unit {
	case unitYear:
		result = addCalendarMonths(dt.Value, int(value)*12)
	case unitMonth:
		result = addCalendarMonths(dt.Value, int(value))
	case unitWeek:
		result = dt.Value.AddDate(0, 0, int(value)*7)
	case unitDay:
		result = dt.Value.AddDate(0, 0, int(value))
	case unitHour:
		result = dt.Value.Add(time.Duration(value) * time.Hour)
	case unitMinute:
		result = dt.Value.Add(time.Duration(value) * time.Minute)
	case unitSecond:
		seconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, domainErr("invalid quantity value for datetime arithmetic: %v", err)
		}
		result = dt.Value.Add(time.Duration(float64(sign) * seconds * float64(time.Second)))
	case unitMillisecond:
		millis, err := q.Value.Value.Float64()
		if err != nil {
			return nil, domainErr("invalid quantity value for datetime arithmetic: %v", err)
		}
		result = dt.Value.Add(time.Duration(float64(sign) * millis * float64(time.Millisecond)))
	default:
		return nil, domainErr("invalid time unit for DateTime: %v", q.Unit)
	}
	return DateTime{Value: result, Precision: dt.Precision}, nil
}

func (dt DateTime) Add(ctx context.Context, other Element) (Element, error) {
	if dt.Value.IsZero() && dt.Precision == "" {
		return nil, domainErr("cannot perform arithmetic on empty datetime")
	}
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not add %T to DateTime", other)
	}
	return dt.shiftBy(ctx, q, 1)
}
func (dt DateTime) Subtract(ctx context.Context, other Element) (Element, error) {
	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, typeErr("can not subtract %T from DateTime", other)
	}
	return dt.shiftBy(ctx, q, -1)
}

func (dt DateTime) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "DateTime", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (dt DateTime) MarshalJSON() ([]byte, error) { return json.Marshal(dt.String()) }
func (dt DateTime) String() string {
	var layout string
	switch dt.Precision {
	case DateTimePrecisionYear:
		layout = dateFormatOnlyYear
	case DateTimePrecisionMonth:
		layout = dateFormatUpToMonth
	case DateTimePrecisionDay:
		layout = dateFormatFull
	case DateTimePrecisionHour:
		return fmt.Sprintf("@%sT%s", dt.Value.Format(dateFormatFull), dt.Value.Format(timeFormatOnlyHourTZ))
	case DateTimePrecisionMinute:
		return fmt.Sprintf("@%sT%s", dt.Value.Format(dateFormatFull), dt.Value.Format(timeFormatUpToMinuteTZ))
	case DateTimePrecisionSecond:
		return fmt.Sprintf("@%sT%s", dt.Value.Format(dateFormatFull), dt.Value.Format(timeFormatUpToSecondTZ))
	default:
		return fmt.Sprintf("@%sT%s", dt.Value.Format(dateFormatFull), dt.Value.Format(timeFormatFullTZ))
	}
	return fmt.Sprintf("@%s", dt.Value.Format(layout))
}

// ParseDateTime parses a FHIRPath dateTime literal ("@2019-01-01T12:00:00Z").
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	parts := strings.SplitN(s, "T", 2)
	date, err := ParseDate(parts[0])
	if err != nil {
		return DateTime{}, err
	}
	if len(parts) == 1 || parts[1] == "" {
		return DateTime{Value: date.Value, Precision: datePrecisionToDateTimePrecision(date.Precision)}, nil
	}
	withTZ := strings.ContainsAny(parts[1], "Zz") || strings.LastIndexAny(parts[1], "+-") > 0
	tm, err := parseTime(parts[1], withTZ)
	if err != nil {
		return DateTime{}, err
	}
	combined := time.Date(
		date.Value.Year(), date.Value.Month(), date.Value.Day(),
		tm.Value.Hour(), tm.Value.Minute(), tm.Value.Second(), tm.Value.Nanosecond(),
		tm.Value.Location(),
	)
	return DateTime{Value: combined, Precision: timePrecisionToDateTimePrecision(tm.Precision)}, nil
}

func timePrecisionToDateTimePrecision(p TimePrecision) DateTimePrecision {
	switch p {
	case TimePrecisionHour:
		return DateTimePrecisionHour
	case TimePrecisionMinute:
		return DateTimePrecisionMinute
	case TimePrecisionSecond:
		return DateTimePrecisionSecond
	default:
		return DateTimePrecisionMillisecond
	}
}

type nowKey struct{}

// WithNow pins the "now" instant an evaluation observes for today()/now()/
// timeOfDay(), so a single top-level Evaluate call sees one consistent
// instant no matter how many times those functions are invoked within it.
func WithNow(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, nowKey{}, now)
}

func contextNow(ctx context.Context) time.Time {
	if now, ok := ctx.Value(nowKey{}).(time.Time); ok {
		return now
	}
	return time.Now()
}

func evalNow(ctx context.Context) DateTime {
	return DateTime{Value: contextNow(ctx), Precision: DateTimePrecisionMillisecond}
}

func evalToday(ctx context.Context) Date {
	return Date{Value: contextNow(ctx), Precision: DatePrecisionFull}
}

func evalTimeOfDay(ctx context.Context) Time {
	now := contextNow(ctx)
	hour, min, sec := now.Clock()
	return Time{Value: time.Date(0, 1, 1, hour, min, sec, now.Nanosecond(), now.Location()), Precision: TimePrecisionMillisecond}
}
