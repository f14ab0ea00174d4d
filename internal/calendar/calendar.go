package calendar

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCalendarNotFound is returned when a configured calendar identifier does not resolve.
var ErrCalendarNotFound = errors.New("calendar not found")

// DateLayout is the layout of all-day event dates.
const DateLayout = "2006-01-02"

// Event is a calendar event as seen by the synchronizer.
// For all-day events End is the last day of the event, not the day after.
type Event struct {
	// ID identifies the event within its calendar (Google event id, CalDAV href, iCalendar UID).
	ID          string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Guests      []string
	// Tags holds opaque values written with SetTag.
	Tags map[string]string
}

// Tag returns the value stored under key, or "" when the event carries no such tag.
// Keys match regardless of case and of '_' or '-' separators, since iCalendar
// sinks store them as upper-case property names.
func (e *Event) Tag(key string) string {
	if e == nil || e.Tags == nil {
		return ""
	}
	if value, ok := e.Tags[key]; ok {
		return value
	}
	want := canonicalTagKey(key)
	for k, value := range e.Tags {
		if canonicalTagKey(k) == want {
			return value
		}
	}
	return ""
}

func canonicalTagKey(key string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
}

// SetTagValue records a tag on the in-memory event.
func (e *Event) SetTagValue(key, value string) {
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	e.Tags[key] = value
}

// CreateOptions are the auxiliary fields of a newly created event.
type CreateOptions struct {
	Description string
	Location    string
	Guests      []string
	SendInvites bool
}

// GuestList returns the guests as a comma-joined list.
func (o CreateOptions) GuestList() string {
	return strings.Join(o.Guests, ",")
}

// Calendar is a single calendar in a calendar service.
// Google Calendar, CalDAV and ICS file calendars implement this interface.
type Calendar interface {
	// ID returns the identifier the calendar was resolved from.
	ID() string
	// Events returns the events overlapping [timeMin, timeMax).
	Events(ctx context.Context, timeMin, timeMax time.Time) ([]*Event, error)
	// CreateEvent creates a timed event.
	CreateEvent(ctx context.Context, title string, start, end time.Time, opts CreateOptions) (*Event, error)
	// CreateAllDayEvent creates an all-day event on date.
	CreateAllDayEvent(ctx context.Context, title string, date time.Time, opts CreateOptions) (*Event, error)
	// SetTag stores an opaque string on the event under key.
	SetTag(ctx context.Context, event *Event, key, value string) error
}

// Provider resolves calendar identifiers to calendars.
type Provider interface {
	Calendar(ctx context.Context, id string) (Calendar, error)
}

// TagProperty maps a tag key to the iCalendar extension property used to store it,
// e.g. "internal_uid" becomes "X-INTERNAL-UID".
func TagProperty(key string) string {
	return "X-" + strings.ToUpper(strings.ReplaceAll(key, "_", "-"))
}

// TagKey is the inverse of TagProperty. ok is false for non-extension properties.
func TagKey(property string) (key string, ok bool) {
	if !strings.HasPrefix(property, "X-") || len(property) == 2 {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(property[2:], "-", "_")), true
}

// Overlaps reports whether the event intersects [timeMin, timeMax).
// All-day events cover their whole last day.
func Overlaps(ev *Event, timeMin, timeMax time.Time) bool {
	end := ev.End
	if ev.AllDay {
		end = end.AddDate(0, 0, 1)
	}
	if end.Before(ev.Start) {
		end = ev.Start
	}
	if !ev.Start.Before(timeMax) {
		return false
	}
	if ev.Start.Equal(end) {
		return !ev.Start.Before(timeMin)
	}
	return end.After(timeMin)
}
