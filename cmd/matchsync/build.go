package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beekhof/match-sync/internal/auth"
	"github.com/beekhof/match-sync/internal/calendar"
	"github.com/beekhof/match-sync/internal/config"
	"github.com/beekhof/match-sync/internal/icsfile"
	"github.com/beekhof/match-sync/internal/matches"
	"github.com/beekhof/match-sync/internal/sync"
)

// loadConfig loads configuration (precedence: flags > env vars > config file > defaults).
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configFile, opts.calendarID, opts.matchesURL, opts.googleCredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newProvider creates the calendar provider for the configured sink.
// interactive allows the OAuth browser flow when no Google token is stored yet.
func newProvider(ctx context.Context, cfg *config.Config, interactive bool) (calendar.Provider, error) {
	switch cfg.Sink {
	case config.SinkGoogle:
		oauthConfig, err := auth.NewOAuthConfig(cfg.GoogleCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}

		httpClient, err := auth.GetAuthenticatedClient(ctx, oauthConfig, auth.NewFileTokenStore(cfg.TokenPath), interactive)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}

		client, err := calendar.NewGoogleClient(ctx, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create calendar client: %w", err)
		}
		return client, nil

	case config.SinkCalDAV:
		client, err := calendar.NewCalDAVClient(cfg.ServerURL, cfg.Username, cfg.Password, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
		}
		return client, nil

	case config.SinkICS:
		return icsfile.NewProvider(), nil
	}

	return nil, fmt.Errorf("unsupported sink %q", cfg.Sink)
}

// newSource creates the match source for the configured source type.
func newSource(cfg *config.Config) sync.MatchSource {
	client := &http.Client{Timeout: cfg.FetchTimeout.Duration}
	if cfg.Source == config.SourceVoleibolib {
		return matches.NewScraper(cfg.MatchesURL, client, matches.ScraperOptions{
			Team:         cfg.Team,
			Venues:       cfg.Venues,
			UnknownVenue: cfg.UnknownVenue,
		})
	}
	return matches.NewFetcher(cfg.MatchesURL, client)
}

// buildReconciler wires the match source, calendar provider and metrics together.
func buildReconciler(ctx context.Context, cfg *config.Config, opts *rootOptions, reg prometheus.Registerer, interactive bool) (*sync.Reconciler, error) {
	provider, err := newProvider(ctx, cfg, interactive)
	if err != nil {
		return nil, err
	}

	source := newSource(cfg)

	if opts.verbose {
		log.Printf("DEBUG: source=%s sink=%s calendar=%s timezone=%s window=%dd duration=%s tag=%s",
			cfg.Source, cfg.Sink, cfg.CalendarID, cfg.Location(), cfg.WindowDays, cfg.EventDuration, cfg.TagKey)
	}

	return sync.NewReconciler(source, provider, cfg, sync.NewMetrics(reg), opts.verbose), nil
}

// isTerminal reports whether stdin is attached to a terminal.
func isTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
