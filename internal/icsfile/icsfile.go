// Package icsfile keeps a calendar in a local iCalendar (.ics) file, suitable for
// publishing as a subscription feed.
package icsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/beekhof/match-sync/internal/calendar"
)

const productID = "-//match-sync//EN"

// Provider resolves calendar identifiers as file paths.
type Provider struct {
	mu    sync.Mutex
	files map[string]*File
}

// NewProvider creates a Provider.
func NewProvider() *Provider {
	return &Provider{files: make(map[string]*File)}
}

// Calendar returns the calendar stored at path. The file itself may not exist yet,
// but its directory must.
func (p *Provider) Calendar(ctx context.Context, path string) (calendar.Calendar, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", calendar.ErrCalendarNotFound)
	}

	info, err := os.Stat(filepath.Dir(path))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory of %s does not exist", calendar.ErrCalendarNotFound, path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.files[path]; ok {
		return f, nil
	}
	f := &File{path: path}
	p.files[path] = f
	return f, nil
}

// File is a calendar backed by a single .ics file.
// Each mutation rewrites the whole file.
type File struct {
	mu   sync.Mutex
	path string
}

func (f *File) ID() string {
	return f.path
}

func (f *File) Events(ctx context.Context, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cal, err := f.load()
	if err != nil {
		return nil, err
	}

	var events []*calendar.Event
	for _, vevent := range cal.Events() {
		ev, err := toEvent(vevent)
		if err != nil {
			continue
		}
		if calendar.Overlaps(ev, timeMin, timeMax) {
			events = append(events, ev)
		}
	}

	return events, nil
}

func (f *File) CreateEvent(ctx context.Context, title string, start, end time.Time, opts calendar.CreateOptions) (*calendar.Event, error) {
	return f.create(func(vevent *ics.VEvent) {
		vevent.SetStartAt(start)
		vevent.SetEndAt(end)
	}, title, opts)
}

func (f *File) CreateAllDayEvent(ctx context.Context, title string, date time.Time, opts calendar.CreateOptions) (*calendar.Event, error) {
	return f.create(func(vevent *ics.VEvent) {
		// DTEND is exclusive for all-day events.
		vevent.SetAllDayStartAt(date)
		vevent.SetAllDayEndAt(date.AddDate(0, 0, 1))
	}, title, opts)
}

func (f *File) SetTag(ctx context.Context, event *calendar.Event, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cal, err := f.load()
	if err != nil {
		return err
	}

	for _, vevent := range cal.Events() {
		if vevent.Id() != event.ID {
			continue
		}
		vevent.SetProperty(ics.ComponentProperty(calendar.TagProperty(key)), value)
		vevent.SetModifiedAt(time.Now().UTC())
		if err := f.save(cal); err != nil {
			return err
		}
		event.SetTagValue(key, value)
		return nil
	}

	return fmt.Errorf("event %s not found in %s", event.ID, f.path)
}

func (f *File) create(setTimes func(*ics.VEvent), title string, opts calendar.CreateOptions) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cal, err := f.load()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	vevent := cal.AddEvent(uuid.NewString() + "@match-sync")
	vevent.SetDtStampTime(now)
	vevent.SetCreatedTime(now)
	vevent.SetSummary(title)
	if opts.Description != "" {
		vevent.SetDescription(opts.Description)
	}
	if opts.Location != "" {
		vevent.SetLocation(opts.Location)
	}
	for _, guest := range opts.Guests {
		vevent.AddAttendee(guest, ics.WithRSVP(opts.SendInvites))
	}
	setTimes(vevent)

	if err := f.save(cal); err != nil {
		return nil, err
	}

	return toEvent(vevent)
}

func (f *File) load() (*ics.Calendar, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		cal := ics.NewCalendar()
		cal.SetProductId(productID)
		cal.SetMethod(ics.MethodPublish)
		return cal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar file: %w", err)
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar file %s: %w", f.path, err)
	}
	return cal, nil
}

// save writes the calendar next to the target and renames it into place.
func (f *File) save(cal *ics.Calendar) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".matchsync-*.ics")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(cal.Serialize()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write calendar file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write calendar file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set calendar file mode: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace calendar file: %w", err)
	}
	return nil
}

func toEvent(vevent *ics.VEvent) (*calendar.Event, error) {
	ev := &calendar.Event{
		ID:          vevent.Id(),
		Title:       propValue(vevent, ics.ComponentPropertySummary),
		Description: propValue(vevent, ics.ComponentPropertyDescription),
		Location:    propValue(vevent, ics.ComponentPropertyLocation),
	}

	dtstart := vevent.GetProperty(ics.ComponentPropertyDtStart)
	if dtstart == nil {
		return nil, fmt.Errorf("event %s has no DTSTART", ev.ID)
	}
	ev.AllDay = isDate(dtstart)

	var err error
	if ev.AllDay {
		if ev.Start, err = vevent.GetAllDayStartAt(); err != nil {
			return nil, err
		}
		ev.End = ev.Start
		if end, err := vevent.GetAllDayEndAt(); err == nil && end.After(ev.Start) {
			ev.End = end.AddDate(0, 0, -1)
		}
	} else {
		if ev.Start, err = vevent.GetStartAt(); err != nil {
			return nil, err
		}
		ev.End = ev.Start
		if end, err := vevent.GetEndAt(); err == nil {
			ev.End = end
		}
	}

	for _, attendee := range vevent.Attendees() {
		ev.Guests = append(ev.Guests, attendee.Email())
	}

	for _, prop := range vevent.Properties {
		if key, ok := calendar.TagKey(strings.ToUpper(prop.IANAToken)); ok {
			ev.SetTagValue(key, prop.Value)
		}
	}

	return ev, nil
}

func propValue(vevent *ics.VEvent, name ics.ComponentProperty) string {
	if prop := vevent.GetProperty(name); prop != nil {
		return prop.Value
	}
	return ""
}

func isDate(prop *ics.IANAProperty) bool {
	if values, ok := prop.ICalParameters["VALUE"]; ok && len(values) > 0 && strings.EqualFold(values[0], "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}
