package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleClient is a wrapper around the Google Calendar API service.
type GoogleClient struct {
	service *calendar.Service
}

// NewGoogleClient creates a new Google Calendar API client using the provided HTTP client.
func NewGoogleClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*GoogleClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &GoogleClient{service: service}, nil
}

// Calendar resolves a calendar id such as "xyz@group.calendar.google.com".
func (c *GoogleClient) Calendar(ctx context.Context, id string) (Calendar, error) {
	cal, err := c.service.Calendars.Get(id).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrCalendarNotFound, id)
		}
		return nil, fmt.Errorf("Google: failed to get calendar %s: %w", id, err)
	}

	loc := time.UTC
	if cal.TimeZone != "" {
		if l, err := time.LoadLocation(cal.TimeZone); err == nil {
			loc = l
		} else {
			log.Printf("Warning: unknown time zone %q on calendar %s, using UTC", cal.TimeZone, id)
		}
	}

	return &googleCalendar{service: c.service, id: id, loc: loc}, nil
}

type googleCalendar struct {
	service *calendar.Service
	id      string
	loc     *time.Location
}

func (g *googleCalendar) ID() string {
	return g.id
}

// Events lists events overlapping the window.
// Important: Sets SingleEvents = true to expand recurring events.
func (g *googleCalendar) Events(ctx context.Context, timeMin, timeMax time.Time) ([]*Event, error) {
	var events []*Event

	err := g.service.Events.List(g.id).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true). // Expand recurring events
		MaxResults(250).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, err := g.fromGoogleEvent(item)
				if err != nil {
					log.Printf("Warning: skipping event %s: %v", item.Id, err)
					continue
				}
				events = append(events, ev)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return events, nil
}

func (g *googleCalendar) CreateEvent(ctx context.Context, title string, start, end time.Time, opts CreateOptions) (*Event, error) {
	event := newGoogleEvent(title, opts)
	event.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)}
	event.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)}

	return g.insert(ctx, event, opts)
}

func (g *googleCalendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, opts CreateOptions) (*Event, error) {
	event := newGoogleEvent(title, opts)
	// The API end date is exclusive.
	event.Start = &calendar.EventDateTime{Date: date.Format(DateLayout)}
	event.End = &calendar.EventDateTime{Date: date.AddDate(0, 0, 1).Format(DateLayout)}

	return g.insert(ctx, event, opts)
}

// SetTag stores the value in the event's private extended properties.
func (g *googleCalendar) SetTag(ctx context.Context, event *Event, key, value string) error {
	patch := &calendar.Event{
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{key: value},
		},
	}

	_, err := g.service.Events.Patch(g.id, event.ID, patch).
		Context(ctx).
		SendUpdates("none"). // Tagging is invisible to guests
		Do()
	if err != nil {
		return fmt.Errorf("failed to tag event %s: %w", event.ID, err)
	}

	event.SetTagValue(key, value)
	return nil
}

func (g *googleCalendar) insert(ctx context.Context, event *calendar.Event, opts CreateOptions) (*Event, error) {
	sendUpdates := "none"
	if opts.SendInvites {
		sendUpdates = "all"
	}

	created, err := g.service.Events.Insert(g.id, event).
		Context(ctx).
		SendUpdates(sendUpdates).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	return g.fromGoogleEvent(created)
}

func newGoogleEvent(title string, opts CreateOptions) *calendar.Event {
	event := &calendar.Event{
		Summary:     title,
		Description: opts.Description,
		Location:    opts.Location,
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
	}
	for _, guest := range opts.Guests {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: guest})
	}
	return event
}

func (g *googleCalendar) fromGoogleEvent(item *calendar.Event) (*Event, error) {
	if item.Start == nil || item.End == nil {
		return nil, fmt.Errorf("event has no start or end")
	}

	ev := &Event{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}

	var err error
	if item.Start.Date != "" {
		ev.AllDay = true
		if ev.Start, err = time.ParseInLocation(DateLayout, item.Start.Date, g.loc); err != nil {
			return nil, fmt.Errorf("parse start date: %w", err)
		}
		end, err := time.ParseInLocation(DateLayout, item.End.Date, g.loc)
		if err != nil {
			return nil, fmt.Errorf("parse end date: %w", err)
		}
		ev.End = end.AddDate(0, 0, -1)
	} else {
		if ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
			return nil, fmt.Errorf("parse start time: %w", err)
		}
		if ev.End, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
			return nil, fmt.Errorf("parse end time: %w", err)
		}
	}

	for _, attendee := range item.Attendees {
		ev.Guests = append(ev.Guests, attendee.Email)
	}

	if item.ExtendedProperties != nil {
		for key, value := range item.ExtendedProperties.Private {
			ev.SetTagValue(key, value)
		}
	}

	return ev, nil
}
