package matches

import (
	"fmt"
	"strings"
	"time"
)

// Match is one sporting event as published by the remote matches document.
type Match struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Begin       string `json:"begin"`
	AllDay      bool   `json:"all_day"`
}

// Layouts accepted for the begin field, tried in order.
// Layouts without a zone are interpreted in the configured location.
var beginLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseBegin parses an ISO-8601 timestamp or date string.
// Values carrying an offset keep it; the others are read in loc.
func ParseBegin(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty begin value")
	}

	for _, layout := range beginLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised begin value %q", value)
}

// Window derives the start and end instants of the calendar event for this match.
//
// All-day matches start and end at local midnight of their date: calendar sinks
// create all-day events from a date only. Timed matches last for duration.
func (m Match) Window(loc *time.Location, duration time.Duration) (start, end time.Time, err error) {
	if loc == nil {
		loc = time.Local
	}

	begin, err := ParseBegin(m.Begin, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("match %s: %w", m.UID, err)
	}

	if m.AllDay {
		// Use the date as written in the source, not as seen from loc.
		date := time.Date(begin.Year(), begin.Month(), begin.Day(), 0, 0, 0, 0, loc)
		return date, date, nil
	}

	return begin, begin.Add(duration), nil
}
