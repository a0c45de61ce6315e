package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DayTime is a wall-clock time of day, independent of date and zone.
type DayTime struct {
	Hour   int
	Minute int
}

var dayTimePattern = regexp.MustCompile(`^([0-9]{1,2}):([0-9]{2})$`)

// ParseDayTime parses "HH:MM". The whole string must match; trailing
// characters are a parse error, not ignored.
func ParseDayTime(s string) (DayTime, error) {
	m := dayTimePattern.FindStringSubmatch(s)
	if m == nil {
		return DayTime{}, fmt.Errorf("invalid time of day %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return DayTime{}, fmt.Errorf("time of day %q out of range", s)
	}
	return DayTime{Hour: hour, Minute: minute}, nil
}

// String formats the time of day as "HH:MM".
func (t DayTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the minute of day, 0..1439.
func (t DayTime) Minutes() int {
	return t.Hour*60 + t.Minute
}

// At anchors the time of day onto the given instant's date and location.
func (t DayTime) At(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, ref.Location())
}

// Date is a civil date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates an instant to its civil date.
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String formats the date as "YYYY-MM-DD".
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Midnight returns the start of the day in the given location.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Before reports whether d is an earlier date than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// DaysBetween returns the number of whole civil days from d up to other.
// Negative when other is earlier.
func DaysBetween(d, other Date) int {
	a := d.Midnight(time.UTC)
	b := other.Midnight(time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}
