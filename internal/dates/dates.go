// Package dates holds the small date helpers used when shaping
// calendar payloads for Brazilian users.
package dates

import "time"

// FormatBR renders a date in DD/MM/YYYY.
func FormatBR(t time.Time) string {
	return t.Format("02/01/2006")
}

// FormatDateTimeBR renders a date and time in DD/MM/YYYY HH:MM.
func FormatDateTimeBR(t time.Time) string {
	return t.Format("02/01/2006 15:04")
}

// ToISOString renders t in RFC 3339 UTC, the format the Calendar API
// expects for time bounds.
func ToISOString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// AddDays returns t shifted by the given number of days.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// IsToday reports whether t falls on the current local day.
func IsToday(t time.Time) bool {
	now := time.Now()
	return t.Year() == now.Year() && t.YearDay() == now.YearDay()
}

// IsFuture reports whether t is after the current instant.
func IsFuture(t time.Time) bool {
	return t.After(time.Now())
}

// DaysDifference returns the absolute whole-day difference between two
// instants.
func DaysDifference(a, b time.Time) int {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return int(d / (24 * time.Hour))
}
