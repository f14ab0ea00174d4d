package calendar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const productID = "-//match-sync//EN"

// CalDAVClient is a client for CalDAV servers such as Apple Calendar/iCloud.
type CalDAVClient struct {
	httpClient *http.Client
	username   string
	password   string
	base       *url.URL
}

// NewCalDAVClient creates a new CalDAV client.
// serverURL should be the CalDAV server URL (e.g., "https://caldav.icloud.com" for iCloud);
// for iCloud the password should be an app-specific password.
func NewCalDAVClient(serverURL, username, password string, httpClient *http.Client) (*CalDAVClient, error) {
	base, err := url.Parse(serverURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid CalDAV server URL %q", serverURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &CalDAVClient{
		httpClient: httpClient,
		username:   username,
		password:   password,
		base:       base,
	}, nil
}

// resolve turns a collection or resource path (or absolute URL) into an absolute URL.
func (c *CalDAVClient) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid CalDAV path %q: %w", ref, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

// do makes an authenticated request to the CalDAV server.
func (c *CalDAVClient) do(ctx context.Context, method, ref string, body io.Reader, header http.Header) (*http.Response, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	return c.httpClient.Do(req)
}

// Calendar resolves a calendar collection path, e.g. "/123456789/calendars/volleyball/".
func (c *CalDAVClient) Calendar(ctx context.Context, id string) (Calendar, error) {
	path := id
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	propfindBody := `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

	resp, err := c.do(ctx, "PROPFIND", path, strings.NewReader(propfindBody), http.Header{
		"Content-Type": {"application/xml; charset=utf-8"},
		"Depth":        {"0"},
	})
	if err != nil {
		return nil, fmt.Errorf("CalDAV: failed to look up calendar %s: %w", id, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
		return &caldavCalendar{client: c, id: id, path: path}, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCalendarNotFound, id)
	default:
		return nil, fmt.Errorf("CalDAV: failed to look up calendar %s: HTTP %d", id, resp.StatusCode)
	}
}

type caldavCalendar struct {
	client *CalDAVClient
	id     string
	path   string
}

func (c *caldavCalendar) ID() string {
	return c.id
}

// Events runs a calendar-query REPORT restricted to the window.
func (c *caldavCalendar) Events(ctx context.Context, timeMin, timeMax time.Time) ([]*Event, error) {
	queryBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, timeMin.UTC().Format("20060102T150405Z"), timeMax.UTC().Format("20060102T150405Z"))

	resp, err := c.client.do(ctx, "REPORT", c.path, strings.NewReader(queryBody), http.Header{
		"Content-Type": {"application/xml; charset=utf-8"},
		"Depth":        {"1"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("failed to query calendar: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resources, err := parseMultistatus(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	var events []*Event
	for _, res := range resources {
		cal, err := ical.NewDecoder(strings.NewReader(res.data)).Decode()
		if err != nil {
			log.Printf("Warning: failed to parse iCalendar data at %s: %v", res.href, err)
			continue
		}

		ev, err := eventFromICal(cal)
		if err != nil {
			log.Printf("Warning: failed to convert event at %s: %v", res.href, err)
			continue
		}
		ev.ID = res.href
		events = append(events, ev)
	}

	return events, nil
}

func (c *caldavCalendar) CreateEvent(ctx context.Context, title string, start, end time.Time, opts CreateOptions) (*Event, error) {
	vevent := newVEvent(title, opts)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())

	ev, err := c.put(ctx, vevent)
	if err != nil {
		return nil, err
	}
	ev.Start, ev.End = start, end
	return ev, nil
}

func (c *caldavCalendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, opts CreateOptions) (*Event, error) {
	vevent := newVEvent(title, opts)

	// DTEND is exclusive for VALUE=DATE.
	dtstart := ical.NewProp(ical.PropDateTimeStart)
	dtstart.SetDate(date)
	vevent.Props.Set(dtstart)
	dtend := ical.NewProp(ical.PropDateTimeEnd)
	dtend.SetDate(date.AddDate(0, 0, 1))
	vevent.Props.Set(dtend)

	ev, err := c.put(ctx, vevent)
	if err != nil {
		return nil, err
	}
	ev.AllDay = true
	ev.Start, ev.End = date, date
	return ev, nil
}

// SetTag rewrites the event resource with the tag as an X- property.
func (c *caldavCalendar) SetTag(ctx context.Context, event *Event, key, value string) error {
	resp, err := c.client.do(ctx, http.MethodGet, event.ID, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to get event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get event %s: HTTP %d", event.ID, resp.StatusCode)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return fmt.Errorf("failed to parse iCalendar: %w", err)
	}

	vevent := findVEvent(cal)
	if vevent == nil {
		return fmt.Errorf("no VEVENT found in %s", event.ID)
	}
	vevent.Props.SetText(TagProperty(key), value)

	header := http.Header{"Content-Type": {"text/calendar; charset=utf-8"}}
	if etag := resp.Header.Get("ETag"); etag != "" {
		header.Set("If-Match", etag)
	}
	if err := c.write(ctx, event.ID, cal, header); err != nil {
		return fmt.Errorf("failed to tag event %s: %w", event.ID, err)
	}

	event.SetTagValue(key, value)
	return nil
}

// put stores a new event resource named after its UID.
func (c *caldavCalendar) put(ctx context.Context, vevent *ical.Component) (*Event, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, vevent)

	uid := vevent.Props.Get(ical.PropUID).Value
	href := c.path + uid + ".ics"

	if err := c.write(ctx, href, cal, http.Header{
		"Content-Type":  {"text/calendar; charset=utf-8"},
		"If-None-Match": {"*"},
	}); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	ev, err := eventFromICal(cal)
	if err != nil {
		return nil, err
	}
	ev.ID = href
	return ev, nil
}

func (c *caldavCalendar) write(ctx context.Context, href string, cal *ical.Calendar, header http.Header) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode iCalendar: %w", err)
	}

	resp, err := c.client.do(ctx, http.MethodPut, href, &buf, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}

func newVEvent(title string, opts CreateOptions) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uuid.NewString())
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetText(ical.PropSummary, title)
	if opts.Description != "" {
		vevent.Props.SetText(ical.PropDescription, opts.Description)
	}
	if opts.Location != "" {
		vevent.Props.SetText(ical.PropLocation, opts.Location)
	}

	// The server sends invitations (scheduling) for ATTENDEE properties.
	for _, guest := range opts.Guests {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.Value = "mailto:" + guest
		attendee.Params.Set("ROLE", "REQ-PARTICIPANT")
		if opts.SendInvites {
			attendee.Params.Set("RSVP", "TRUE")
		} else {
			attendee.Params.Set("SCHEDULE-AGENT", "CLIENT")
		}
		vevent.Props.Add(attendee)
	}

	return vevent
}

func findVEvent(cal *ical.Calendar) *ical.Component {
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp
		}
	}
	return nil
}

// eventFromICal converts the first VEVENT of an iCalendar object.
func eventFromICal(cal *ical.Calendar) (*Event, error) {
	vevent := findVEvent(cal)
	if vevent == nil {
		return nil, fmt.Errorf("no VEVENT found in calendar")
	}

	ev := &Event{
		Title:       propText(vevent, ical.PropSummary),
		Description: propText(vevent, ical.PropDescription),
		Location:    propText(vevent, ical.PropLocation),
	}

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("event has no DTSTART")
	}
	start, err := dtstart.DateTime(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.Start = start
	ev.AllDay = dtstart.ValueType() == ical.ValueDate

	ev.End = start
	if dtend := vevent.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if end, err := dtend.DateTime(time.UTC); err == nil {
			ev.End = end
			if ev.AllDay && end.After(start) {
				ev.End = end.AddDate(0, 0, -1)
			}
		}
	}

	for _, attendee := range vevent.Props.Values(ical.PropAttendee) {
		ev.Guests = append(ev.Guests, strings.TrimPrefix(strings.ToLower(attendee.Value), "mailto:"))
	}

	for name, props := range vevent.Props {
		if len(props) == 0 {
			continue
		}
		if key, ok := TagKey(name); ok {
			ev.SetTagValue(key, propText(vevent, name))
		}
	}

	return ev, nil
}

// propText returns the unescaped text of the first property called name.
func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	if text, err := prop.Text(); err == nil {
		return text
	}
	return prop.Value
}

type davResource struct {
	href string
	data string
}

// parseMultistatus extracts href and calendar-data from a CalDAV REPORT response.
func parseMultistatus(body []byte) ([]davResource, error) {
	type Prop struct {
		CalendarData string `xml:"calendar-data"`
	}

	type Response struct {
		Href string `xml:"href"`
		Prop Prop   `xml:"propstat>prop"`
	}

	type Multistatus struct {
		XMLName   xml.Name   `xml:"multistatus"`
		Responses []Response `xml:"response"`
	}

	var multistatus Multistatus
	if err := xml.Unmarshal(body, &multistatus); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	var resources []davResource
	for _, resp := range multistatus.Responses {
		if strings.TrimSpace(resp.Prop.CalendarData) == "" {
			continue
		}
		resources = append(resources, davResource{
			href: strings.TrimSpace(resp.Href),
			data: resp.Prop.CalendarData,
		})
	}

	return resources, nil
}
