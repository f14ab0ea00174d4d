package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/beekhof/match-sync/internal/calendar"
	"github.com/beekhof/match-sync/internal/config"
	"github.com/beekhof/match-sync/internal/matches"
)

// MatchSource provides the desired list of matches.
type MatchSource interface {
	Fetch(ctx context.Context) ([]matches.Match, error)
}

// Result summarises one reconciliation run.
type Result struct {
	Fetched  int
	Created  int
	Existing int
	Stale    int
	Failed   int
}

// Reconciler creates one calendar event per upcoming match, never twice.
//
// Events are recognised across runs by a tag holding the match uid. Events that
// already carry a uid are left untouched, even when the match has changed since.
type Reconciler struct {
	source   MatchSource
	provider calendar.Provider
	config   *config.Config
	metrics  *Metrics
	verbose  bool

	now func() time.Time

	// Serialises runs so two runs never build their indexes concurrently.
	mu gosync.Mutex
}

// NewReconciler creates a new Reconciler. metrics may be nil.
func NewReconciler(source MatchSource, provider calendar.Provider, cfg *config.Config, metrics *Metrics, verbose bool) *Reconciler {
	return &Reconciler{
		source:   source,
		provider: provider,
		config:   cfg,
		metrics:  metrics,
		verbose:  verbose,
		now:      time.Now,
	}
}

func (r *Reconciler) debugf(format string, args ...any) {
	if r.verbose {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Run performs one synchronization pass.
//
// A failing match source is logged and treated as an empty list; the calendar is
// then left alone and Run returns no error. An unresolvable calendar aborts the run
// before any event is read or written. Failures on individual matches do not stop
// the run; they are joined into the returned error.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &Result{}
	now := r.now()

	log.Println("Starting sync...")

	list, err := r.source.Fetch(ctx)
	if err != nil {
		log.Printf("Error fetching matches: %v", err)
		r.metrics.run(statusFetchError, float64(r.now().Unix()))
		return result, nil
	}
	if len(list) == 0 {
		log.Println("No matches found.")
		r.metrics.run(statusNoMatches, float64(r.now().Unix()))
		return result, nil
	}
	result.Fetched = len(list)

	cal, err := r.provider.Calendar(ctx, r.config.CalendarID)
	if err != nil {
		status := statusError
		if errors.Is(err, calendar.ErrCalendarNotFound) {
			status = statusCalendarNotFound
		}
		r.metrics.run(status, float64(r.now().Unix()))
		return result, fmt.Errorf("failed to resolve calendar %s: %w", r.config.CalendarID, err)
	}

	log.Printf("Found %d matches in source.", len(list))

	var errs []error
	planned := make([]plannedMatch, 0, len(list))
	windowEnd := now.AddDate(0, 0, r.config.WindowDays)
	for _, m := range list {
		start, end, err := m.Window(r.config.Location(), r.config.EventDuration.Duration)
		if err != nil {
			log.Printf("Warning: skipping match %s (%s): %v", m.UID, m.Name, err)
			errs = append(errs, err)
			result.Failed++
			r.metrics.match(actionFailed)
			continue
		}

		if end.Before(now) {
			r.debugf("skipping past match %s (%s, ended %s)", m.UID, m.Name, end.Format(time.RFC3339))
			result.Stale++
			r.metrics.match(actionStale)
			continue
		}

		// Events of matches beyond the window must be listed too, or they would be created again.
		if reach := start.AddDate(0, 0, 1); !reach.Before(windowEnd) {
			windowEnd = reach
		}
		planned = append(planned, plannedMatch{match: m, start: start, end: end})
	}

	existing, err := cal.Events(ctx, now, windowEnd)
	if err != nil {
		r.metrics.run(statusError, float64(r.now().Unix()))
		return result, fmt.Errorf("failed to list existing events: %w", err)
	}

	index := indexByTag(existing, r.config.TagKey)
	log.Printf("Retrieved %d existing events (%d tagged) between %s and %s",
		len(existing), len(index), now.Format(calendar.DateLayout), windowEnd.Format(calendar.DateLayout))

	for _, p := range planned {
		m := p.match
		if ev, ok := index[m.UID]; ok {
			log.Printf("Skipping existing: %s", m.Name)
			r.debugf("match %s already present as event %s", m.UID, ev.ID)
			result.Existing++
			r.metrics.match(actionExisting)
			continue
		}

		log.Printf("Creating: %s", m.Name)
		ev, err := r.create(ctx, cal, m, p.start, p.end)
		if err != nil {
			log.Printf("Warning: %v", err)
			errs = append(errs, err)
			result.Failed++
			r.metrics.match(actionFailed)
			continue
		}

		// A uid repeated later in the same list must not produce a second event.
		index[m.UID] = ev
		result.Created++
		r.metrics.match(actionCreated)
	}

	log.Printf("Sync complete: %d created, %d existing, %d past, %d failed",
		result.Created, result.Existing, result.Stale, result.Failed)

	if len(errs) > 0 {
		r.metrics.run(statusError, float64(r.now().Unix()))
		return result, fmt.Errorf("%d of %d matches failed: %w", len(errs), len(list), errors.Join(errs...))
	}

	r.metrics.run(statusOK, float64(r.now().Unix()))
	return result, nil
}

// plannedMatch is an upcoming match with its resolved event window.
type plannedMatch struct {
	match      matches.Match
	start, end time.Time
}

// create adds the event for m and tags it with the match uid.
func (r *Reconciler) create(ctx context.Context, cal calendar.Calendar, m matches.Match, start, end time.Time) (*calendar.Event, error) {
	opts := calendar.CreateOptions{
		Description: m.Description,
		Location:    m.Location,
		Guests:      r.config.Attendees,
		SendInvites: true,
	}

	var ev *calendar.Event
	var err error
	if m.AllDay {
		ev, err = cal.CreateAllDayEvent(ctx, m.Name, start, opts)
	} else {
		ev, err = cal.CreateEvent(ctx, m.Name, start, end, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create event for match %s (%s): %w", m.UID, m.Name, err)
	}

	if err := cal.SetTag(ctx, ev, r.config.TagKey, m.UID); err != nil {
		// The event exists but will not be recognised next run.
		return nil, fmt.Errorf("created event %s for match %s but failed to tag it: %w", ev.ID, m.UID, err)
	}

	return ev, nil
}

// indexByTag maps tag values to events. Events without the tag are ignored.
func indexByTag(events []*calendar.Event, key string) map[string]*calendar.Event {
	index := make(map[string]*calendar.Event, len(events))
	for _, ev := range events {
		uid := ev.Tag(key)
		if uid == "" {
			continue
		}
		if prev, ok := index[uid]; ok {
			log.Printf("Warning: events %s and %s share %s=%s", prev.ID, ev.ID, key, uid)
			continue
		}
		index[uid] = ev
	}
	return index
}
