// Package isoweek resolves ISO-8601 weeks into calendar date ranges.
package isoweek

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod indicates a year/week pair that does not exist.
var ErrInvalidPeriod = errors.New("isoweek: invalid period")

const (
	minYear = 1900
	maxYear = 9999
)

// Range is an inclusive Monday..Sunday date span. Both bounds are midnight in UTC.
type Range struct {
	Year  int       `json:"year"`
	Week  int       `json:"week"`
	Start time.Time `json:"date_start"`
	End   time.Time `json:"date_end"`
}

// ResolveWeek returns the ISO week number and ISO year of the calendar date t,
// read in t's own location.
func ResolveWeek(t time.Time) (week, year int) {
	year, week = t.ISOWeek()
	return week, year
}

// WeeksInYear reports 52 or 53. December 28th always falls in the last ISO week.
func WeeksInYear(year int) int {
	_, week := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return week
}

// Validate checks that week exists in the given ISO year.
func Validate(year, week int) error {
	if year < minYear || year > maxYear {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidPeriod, year)
	}
	if week < 1 || week > 53 {
		return fmt.Errorf("%w: week %d outside 1-53", ErrInvalidPeriod, week)
	}
	if last := WeeksInYear(year); week > last {
		return fmt.Errorf("%w: %d has only %d ISO weeks", ErrInvalidPeriod, year, last)
	}
	return nil
}

// WeekRange maps an ISO year and week back to its Monday..Sunday span.
func WeekRange(year, week int) (Range, error) {
	if err := Validate(year, week); err != nil {
		return Range{}, err
	}
	// January 4th is always inside week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	start := jan4.AddDate(0, 0, -offset+(week-1)*7)
	return Range{Year: year, Week: week, Start: start, End: start.AddDate(0, 0, 6)}, nil
}

// Current resolves the ISO week containing now, observed in loc.
func Current(now time.Time, loc *time.Location) Range {
	if loc == nil {
		loc = time.UTC
	}
	week, year := ResolveWeek(now.In(loc))
	r, _ := WeekRange(year, week)
	return r
}

// Previous returns the week immediately before r.
func (r Range) Previous() Range {
	week, year := ResolveWeek(r.Start.AddDate(0, 0, -1))
	prev, _ := WeekRange(year, week)
	return prev
}

// Contains reports whether the calendar date of t lies inside the range.
func (r Range) Contains(t time.Time) bool {
	d := Date(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// String renders the range as 2025-W07.
func (r Range) String() string {
	return fmt.Sprintf("%04d-W%02d", r.Year, r.Week)
}

// Date truncates t to its calendar date, expressed as midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
