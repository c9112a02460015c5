package timing

import (
	"slices"
	"time"
)

// Moment is the calendar breakdown of an instant in one timezone.
type Moment struct {
	Year    int
	Month   int // 1..12
	Day     int // 1..31
	RevDay  int // -1 = last day of month, -2 = second to last, ...
	Weekday int // 0 = Sunday
	Hour    int
	Minute  int
}

// Breakdown resolves t in loc.
func Breakdown(t time.Time, loc *time.Location) Moment {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	return Moment{
		Year:    y,
		Month:   int(m),
		Day:     d,
		RevDay:  d - daysIn(y, m) - 1,
		Weekday: int(lt.Weekday()),
		Hour:    lt.Hour(),
		Minute:  lt.Minute(),
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// matchCalendar ANDs every present field of a schedule rule.
func (r Rule) matchCalendar(m Moment) bool {
	if !anyOf(r.Minutes, m.Minute) || !anyOf(r.Hours, m.Hour) {
		return false
	}
	if !anyOf(r.Weekdays, m.Weekday) || !anyOf(r.Months, m.Month) || !anyOf(r.Years, m.Year) {
		return false
	}
	if len(r.Days) > 0 && !slices.Contains(r.Days, m.Day) && !slices.Contains(r.Days, m.RevDay) {
		return false
	}
	return true
}

func anyOf(set []int, v int) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

// MinuteFloor returns the unix second of the minute containing t.
func MinuteFloor(t time.Time) int64 {
	s := t.Unix()
	r := s % 60
	if r < 0 {
		r += 60
	}
	return s - r
}
