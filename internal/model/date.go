package model

import (
	"fmt"
	"time"
)

// Date is a civil calendar date without time-of-day or zone. It is
// comparable and safe to use inside map keys.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate validates y/m/d and returns the date. Impossible dates such as
// 31 February are rejected instead of being normalized into the next month.
func NewDate(year int, month time.Month, day int) (Date, error) {
	if month < time.January || month > time.December {
		return Date{}, fmt.Errorf("invalid month %d", month)
	}
	if day < 1 || day > daysIn(year, month) {
		return Date{}, fmt.Errorf("invalid day %d for %04d-%02d", day, year, month)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return d.At(loc, 0, 0)
}

// At returns d at hour:minute in loc.
func (d Date) At(loc *time.Location, hour, minute int) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// String formats as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Display formats as DD/MM/YYYY, the format used in mails.
func (d Date) Display() string {
	return fmt.Sprintf("%02d/%02d/%04d", d.Day, int(d.Month), d.Year)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
