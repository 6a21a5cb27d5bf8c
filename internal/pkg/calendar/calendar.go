// Package calendar provides timezone-aware calendar days.
//
// Calendar days are represented as time.Time values at midnight UTC, which is
// also how PostgreSQL DATE columns scan through pgx.
package calendar

import "time"

// Calendar resolves "now" and "today" in a fixed location.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// New creates a Calendar using the wall clock.
func New(loc *time.Location) *Calendar {
	return NewWithClock(loc, time.Now)
}

// NewWithClock creates a Calendar with a custom clock.
func NewWithClock(loc *time.Location, now func() time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, now: now}
}

// Now returns the current instant.
func (c *Calendar) Now() time.Time {
	return c.now()
}

// Today returns the current calendar day in the configured location.
func (c *Calendar) Today() time.Time {
	return Day(c.now().In(c.loc))
}

// Location returns the configured location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Day truncates t to its calendar day, keeping t's own year/month/day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// WeekStart returns the Monday of day's week.
func WeekStart(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return Day(day).AddDate(0, 0, -offset)
}
