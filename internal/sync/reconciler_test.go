package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/match-sync/internal/calendar"
	"github.com/beekhof/match-sync/internal/config"
	"github.com/beekhof/match-sync/internal/icsfile"
	"github.com/beekhof/match-sync/internal/matches"
)

var testNow = time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)

// fakeSource returns a fixed list of matches.
type fakeSource struct {
	list  []matches.Match
	err   error
	calls int
}

func (s *fakeSource) Fetch(ctx context.Context) ([]matches.Match, error) {
	s.calls++
	return s.list, s.err
}

// fakeCalendar is an in-memory calendar.
type fakeCalendar struct {
	mu        gosync.Mutex
	events    []*calendar.Event
	nextID    int
	invites   []bool
	listErr   error
	tagErr    error
	createErr map[string]error
}

func (c *fakeCalendar) ID() string { return "club@group.calendar.google.com" }

func (c *fakeCalendar) Events(ctx context.Context, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []*calendar.Event
	for _, ev := range c.events {
		if calendar.Overlaps(ev, timeMin, timeMax) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *fakeCalendar) add(title string, start, end time.Time, allDay bool, opts calendar.CreateOptions) (*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.createErr[title]; err != nil {
		return nil, err
	}
	c.nextID++
	ev := &calendar.Event{
		ID:          fmt.Sprintf("ev-%d", c.nextID),
		Title:       title,
		Description: opts.Description,
		Location:    opts.Location,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Guests:      append([]string(nil), opts.Guests...),
	}
	c.events = append(c.events, ev)
	c.invites = append(c.invites, opts.SendInvites)
	return ev, nil
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, title string, start, end time.Time, opts calendar.CreateOptions) (*calendar.Event, error) {
	return c.add(title, start, end, false, opts)
}

func (c *fakeCalendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, opts calendar.CreateOptions) (*calendar.Event, error) {
	return c.add(title, date, date, true, opts)
}

func (c *fakeCalendar) SetTag(ctx context.Context, event *calendar.Event, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tagErr != nil {
		return c.tagErr
	}
	event.SetTagValue(key, value)
	return nil
}

func (c *fakeCalendar) byTag(key string) map[string]*calendar.Event {
	out := map[string]*calendar.Event{}
	for _, ev := range c.events {
		if uid := ev.Tag(key); uid != "" {
			out[uid] = ev
		}
	}
	return out
}

type fakeProvider struct {
	cal   *fakeCalendar
	err   error
	calls int
}

func (p *fakeProvider) Calendar(ctx context.Context, id string) (calendar.Calendar, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.cal, nil
}

func testConfig() *config.Config {
	return &config.Config{
		CalendarID:    "club@group.calendar.google.com",
		Attendees:     []string{"a@example.com", "b@example.com"},
		Timezone:      "UTC",
		WindowDays:    365,
		EventDuration: config.Duration{Duration: 2 * time.Hour},
		TagKey:        "internal_uid",
	}
}

func newTestReconciler(source MatchSource, provider calendar.Provider, metrics *Metrics) *Reconciler {
	r := NewReconciler(source, provider, testConfig(), metrics, true)
	r.now = func() time.Time { return testNow }
	return r
}

func TestRun_CreatesMissingEventsOnce(t *testing.T) {
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "C.V. Bunyola vs Rafal Vell", Description: "Jornada 1", Location: "Pav. Juan Pericas Riera", Begin: "2025-06-01T18:00:00+02:00"},
		{UID: "m2", Name: "Tournament", Begin: "2025-06-08", AllDay: true},
	}}
	cal := &fakeCalendar{}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 2, Created: 2}, result)

	events := cal.byTag("internal_uid")
	require.Len(t, events, 2)

	timed := events["m1"]
	assert.Equal(t, "C.V. Bunyola vs Rafal Vell", timed.Title)
	assert.Equal(t, "Jornada 1", timed.Description)
	assert.Equal(t, "Pav. Juan Pericas Riera", timed.Location)
	assert.Equal(t, "2025-06-01T18:00:00+02:00", timed.Start.Format(time.RFC3339))
	assert.Equal(t, "2025-06-01T20:00:00+02:00", timed.End.Format(time.RFC3339))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, timed.Guests)

	allDay := events["m2"]
	assert.True(t, allDay.AllDay)
	assert.Equal(t, time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC), allDay.Start)
	assert.True(t, allDay.Start.Equal(allDay.End))

	assert.Equal(t, []bool{true, true}, cal.invites)

	// Second run finds both events by tag.
	result, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 2, Existing: 2}, result)
	assert.Len(t, cal.events, 2)
}

func TestRun_SkipsPastMatches(t *testing.T) {
	source := &fakeSource{list: []matches.Match{
		{UID: "past", Name: "Last month", Begin: "2025-04-15T18:00:00Z"},
		{UID: "today-all-day", Name: "Today all day", Begin: "2025-05-15", AllDay: true},
		{UID: "in-progress", Name: "Started an hour ago", Begin: "2025-05-15T11:00:00Z"},
		{UID: "just-ended", Name: "Ended at noon", Begin: "2025-05-15T09:59:00Z"},
	}}
	cal := &fakeCalendar{}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Stale)
	assert.Equal(t, 1, result.Created)

	events := cal.byTag("internal_uid")
	assert.Contains(t, events, "in-progress")
	assert.Len(t, events, 1)
}

func TestRun_DoesNotUpdateExistingEvents(t *testing.T) {
	existing := &calendar.Event{
		ID:    "ev-old",
		Title: "Old title",
		Start: time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
		Tags:  map[string]string{"internal_uid": "m1"},
	}
	cal := &fakeCalendar{events: []*calendar.Event{existing}}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "New title", Begin: "2025-06-02T18:00:00Z"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Existing)
	assert.Zero(t, result.Created)

	require.Len(t, cal.events, 1)
	assert.Equal(t, "Old title", cal.events[0].Title)
	assert.Equal(t, 16, cal.events[0].Start.Hour())
}

func TestRun_IgnoresUntaggedEvents(t *testing.T) {
	cal := &fakeCalendar{events: []*calendar.Event{{
		ID:    "manual",
		Title: "C.V. Bunyola vs Rafal Vell",
		Start: time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
	}}}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "C.V. Bunyola vs Rafal Vell", Begin: "2025-06-01T16:00:00Z"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Len(t, cal.events, 2)
}

func TestRun_FetchFailureLeavesCalendarUntouched(t *testing.T) {
	source := &fakeSource{err: &matches.FetchError{URL: "https://example.com", Err: errors.New("connection refused")}}
	provider := &fakeProvider{cal: &fakeCalendar{}}
	r := newTestReconciler(source, provider, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{}, result)
	assert.Zero(t, provider.calls)
}

func TestRun_EmptyListLeavesCalendarUntouched(t *testing.T) {
	source := &fakeSource{}
	provider := &fakeProvider{cal: &fakeCalendar{}}
	r := newTestReconciler(source, provider, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{}, result)
	assert.Zero(t, provider.calls)
}

func TestRun_CalendarNotFound(t *testing.T) {
	source := &fakeSource{list: []matches.Match{{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"}}}
	provider := &fakeProvider{err: fmt.Errorf("%w: club", calendar.ErrCalendarNotFound)}
	r := newTestReconciler(source, provider, nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrCalendarNotFound))
}

func TestRun_ListFailureAborts(t *testing.T) {
	cal := &fakeCalendar{listErr: errors.New("backend unavailable")}
	source := &fakeSource{list: []matches.Match{{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"}}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, cal.events)
}

func TestRun_ContinuesAfterCreateFailure(t *testing.T) {
	createErr := errors.New("quota exceeded")
	cal := &fakeCalendar{createErr: map[string]error{"Broken": createErr}}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "Broken", Begin: "2025-06-01T16:00:00Z"},
		{UID: "m2", Name: "Fine", Begin: "2025-06-02T16:00:00Z"},
		{UID: "m3", Name: "Bad date", Begin: "next saturday"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, createErr))
	assert.Contains(t, err.Error(), "m3")
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, cal.byTag("internal_uid"), "m2")
}

func TestRun_TagFailureCountsAsFailed(t *testing.T) {
	cal := &fakeCalendar{tagErr: errors.New("patch rejected")}
	source := &fakeSource{list: []matches.Match{{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"}}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Created)
}

func TestRun_DuplicateUIDCreatedOnce(t *testing.T) {
	cal := &fakeCalendar{}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"},
		{UID: "m1", Name: "Match (repeated)", Begin: "2025-06-01T16:00:00Z"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Existing)
	assert.Len(t, cal.events, 1)
}

func TestRun_Metrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	cal := &fakeCalendar{}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"},
		{UID: "old", Name: "Old", Begin: "2025-01-01T16:00:00Z"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, metrics)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.matches.WithLabelValues(actionCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.matches.WithLabelValues(actionExisting)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.matches.WithLabelValues(actionStale)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.runs.WithLabelValues(statusOK)))
	assert.Equal(t, float64(testNow.Unix()), testutil.ToFloat64(metrics.lastRun))

	source.err = &matches.FetchError{URL: "https://example.com", Err: errors.New("timeout")}
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(statusFetchError)))
}

func TestRun_ConcurrentRunsDoNotDuplicate(t *testing.T) {
	cal := &fakeCalendar{}
	source := &fakeSource{list: []matches.Match{{UID: "m1", Name: "Match", Begin: "2025-06-01T16:00:00Z"}}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	var wg gosync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Run(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, cal.events, 1)
}

func TestRun_HTTPSourceIntoICSFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"uid": "m1", "name": "C.V. Bunyola vs Rafal Vell", "description": "Jornada 1", "location": "Pav. Juan Pericas Riera", "begin": "2025-06-01T18:00:00+02:00", "all_day": false},
			{"uid": "m2", "name": "Tournament", "begin": "2025-06-08", "all_day": true},
			{"uid": "m0", "name": "Already played", "begin": "2025-03-01T18:00:00+01:00", "all_day": false}
		]`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.CalendarID = filepath.Join(t.TempDir(), "club.ics")

	r := NewReconciler(matches.NewFetcher(server.URL, server.Client()), icsfile.NewProvider(), cfg, nil, false)
	r.now = func() time.Time { return testNow }

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 3, Created: 2, Stale: 1}, result)

	// A fresh provider reads the file from disk, as the next scheduled run would.
	r = NewReconciler(matches.NewFetcher(server.URL, server.Client()), icsfile.NewProvider(), cfg, nil, false)
	r.now = func() time.Time { return testNow }

	result, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 3, Existing: 2, Stale: 1}, result)
}

func TestRun_CamelCaseTagKeyWithICSFile(t *testing.T) {
	cfg := testConfig()
	cfg.TagKey = "matchUid"
	cfg.CalendarID = filepath.Join(t.TempDir(), "club.ics")
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "C.V. Bunyola vs Rafal Vell", Begin: "2025-06-01T18:00:00+02:00"},
	}}

	want := []*Result{
		{Fetched: 1, Created: 1},
		{Fetched: 1, Existing: 1},
		{Fetched: 1, Existing: 1},
	}
	for i, expected := range want {
		r := NewReconciler(source, icsfile.NewProvider(), cfg, nil, false)
		r.now = func() time.Time { return testNow }

		result, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expected, result, "run %d", i+1)
	}

	cal, err := icsfile.NewProvider().Calendar(context.Background(), cfg.CalendarID)
	require.NoError(t, err)
	events, err := cal.Events(context.Background(), testNow, testNow.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].Tag("matchUid"))
}

func TestRun_MatchBeyondWindowCreatedOnce(t *testing.T) {
	cal := &fakeCalendar{}
	source := &fakeSource{list: []matches.Match{
		{UID: "far", Name: "Next season opener", Begin: testNow.AddDate(0, 0, 400).Format(time.RFC3339)},
		{UID: "far-all-day", Name: "Next season tournament", Begin: testNow.AddDate(0, 0, 420).Format(calendar.DateLayout), AllDay: true},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 2, Created: 2}, result)

	for i := 0; i < 2; i++ {
		result, err = r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &Result{Fetched: 2, Existing: 2}, result)
	}
	assert.Len(t, cal.events, 2)
}

func TestRun_ShortWindowStillFindsLaterEvents(t *testing.T) {
	cal := &fakeCalendar{}
	source := &fakeSource{list: []matches.Match{
		{UID: "m1", Name: "Next week", Begin: "2025-05-22T18:00:00Z"},
	}}
	r := newTestReconciler(source, &fakeProvider{cal: cal}, nil)
	r.config.WindowDays = 1

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Existing)
	assert.Zero(t, result.Created)
	assert.Len(t, cal.events, 1)
}
