package settlement

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The window a settlement covers
// =============================================================================

// DateLayout is the wire format for period boundaries.
const DateLayout = "2006-01-02"

// Period is an inclusive [Start, End] window of calendar days, in UTC.
//
// Examples:
//   - Weekly Mon..Sun: 2025-01-06 .. 2025-01-12
//   - Custom Thu..Wed: 2025-01-09 .. 2025-01-15
type Period struct {
	Start time.Time
	End   time.Time
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Truncate drops the time-of-day part, keeping the calendar day in UTC.
func Truncate(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

// NewPeriod validates and normalizes a period.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: Truncate(start), End: Truncate(end)}
	if p.End.Before(p.Start) {
		return Period{}, &ValidationError{Field: "period", Message: "end before start"}
	}
	return p, nil
}

// ParsePeriod parses YYYY-MM-DD boundaries.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return Period{}, &ValidationError{Field: "periodStart", Message: fmt.Sprintf("invalid date %q", start)}
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return Period{}, &ValidationError{Field: "periodEnd", Message: fmt.Sprintf("invalid date %q", end)}
	}
	return NewPeriod(s, e)
}

// Contains reports whether t falls on a day inside the period.
// Loads delivered at 23:59 on the last day are included.
func (p Period) Contains(t time.Time) bool {
	d := Truncate(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Overlaps reports whether the two periods share at least one day.
func (p Period) Overlaps(other Period) bool {
	return !p.Start.After(other.End) && !other.Start.After(p.End)
}

// EndExclusive is the first instant after the period, for range queries.
func (p Period) EndExclusive() time.Time { return p.End.AddDate(0, 0, 1) }

// Days returns the number of days in the period.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// Key identifies the period in locks and logs.
func (p Period) Key() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

func (p Period) String() string { return "[" + p.Key() + "]" }

// =============================================================================
// PAY PERIOD CONFIG - Resolves the default period for a company
// =============================================================================

// PayPeriodConfig is a company's weekly pay-period shape.
type PayPeriodConfig struct {
	StartDay time.Weekday
	EndDay   time.Weekday
}

// DefaultPayPeriod is Monday through Sunday.
var DefaultPayPeriod = PayPeriodConfig{StartDay: time.Monday, EndDay: time.Sunday}

// Validate rejects configs that can't describe a week.
func (c PayPeriodConfig) Validate() error {
	if c.StartDay < time.Sunday || c.StartDay > time.Saturday ||
		c.EndDay < time.Sunday || c.EndDay > time.Saturday {
		return &ValidationError{Field: "payPeriod", Message: "weekday out of range"}
	}
	if c.StartDay == c.EndDay {
		return &ValidationError{Field: "payPeriod", Message: "start and end weekday must differ"}
	}
	return nil
}

// LastCompleted returns the most recent period whose end day is strictly
// before now's calendar day.
func (c PayPeriodConfig) LastCompleted(now time.Time) (Period, error) {
	if err := c.Validate(); err != nil {
		return Period{}, err
	}
	today := Truncate(now)
	back := (int(today.Weekday()) - int(c.EndDay) + 7) % 7
	if back == 0 {
		back = 7
	}
	end := today.AddDate(0, 0, -back)
	length := (int(c.EndDay) - int(c.StartDay) + 7) % 7
	return Period{Start: end.AddDate(0, 0, -length), End: end}, nil
}

// Containing returns the period that contains t.
func (c PayPeriodConfig) Containing(t time.Time) (Period, error) {
	if err := c.Validate(); err != nil {
		return Period{}, err
	}
	day := Truncate(t)
	back := (int(day.Weekday()) - int(c.StartDay) + 7) % 7
	start := day.AddDate(0, 0, -back)
	length := (int(c.EndDay) - int(c.StartDay) + 7) % 7
	return Period{Start: start, End: start.AddDate(0, 0, length)}, nil
}
