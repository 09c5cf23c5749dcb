package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// DATE - Day-granularity calendar date (every allotment is keyed by one)
// =============================================================================

// Date is a calendar day without a time-of-day component. It is comparable,
// so it can key maps, and orders naturally by (Year, Month, Day).
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	// Round-trip through time.Date so out-of-range components normalize
	// (e.g., Feb 30 becomes Mar 2) instead of producing unreachable keys.
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf truncates a timestamp to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

func Today() Date { return DateOf(time.Now()) }

// Comparison
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d Date) After(other Date) bool { return other.Before(d) }
func (d Date) Equal(other Date) bool { return d == other }
func (d Date) IsZero() bool          { return d == Date{} }

// Arithmetic
func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

// Time returns the midnight-UTC instant for this day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

func (d Date) String() string { return d.Time().Format("2006-01-02") }

// dateLayouts are the formats import rows arrive in: ISO, iCal DATE values,
// and the US slash forms the legacy roster exports use.
var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
}

// ParseDate parses an import-row date string. The error carries the raw
// value so it can be surfaced per row.
func ParseDate(s string) (Date, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("unparseable date %q", s)
}

// stampLayouts cover submission timestamps: RFC3339, iCal DATE-TIME, and the
// space-separated form. A bare date falls back to midnight so ordering by
// submission time still works on date-only sources.
var stampLayouts = []string{
	time.RFC3339,
	"20060102T150405Z",
	"2006-01-02 15:04:05",
}

// ParseStamp parses a submission timestamp string.
func ParseStamp(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	if d, err := ParseDate(v); err == nil {
		return d.Time(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// SortDates orders dates ascending in place and returns the slice.
func SortDates(dates []Date) []Date {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
