package main

import (
	"log"

	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile            string
	calendarID            string
	matchesURL            string
	googleCredentialsPath string
	verbose               bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "matchsync",
		Short: "Creates calendar events for upcoming matches",
		Long: `matchsync reads a list of matches from a JSON document and creates one
calendar event per upcoming match, inviting the configured attendees.

Each created event is tagged with the match uid, so running the tool again only
creates events for matches that are new. Existing events are never modified and
nothing is ever deleted.

Supported calendars:
  - google  Google Calendar (OAuth 2.0, you'll be prompted on first run)
  - caldav  CalDAV servers such as iCloud (app-specific password)
  - ics     A local .ics file, e.g. for publishing as a subscription feed

CONFIGURATION PRECEDENCE (highest to lowest):
  1. Command-line flags
  2. Environment variables (CALENDAR_ID, MATCHES_URL, ATTENDEES,
     GOOGLE_CREDENTIALS_PATH, TOKEN_PATH, MATCHSYNC_TIMEZONE, CALDAV_PASSWORD)
  3. Config file (--config, JSON or YAML)
  4. Defaults

Running without a subcommand performs a single sync.`,
		Example: `  # Run a single sync
  matchsync --config /etc/matchsync/config.yaml

  # Sync every morning at 06:00 and expose metrics
  matchsync schedule --config /etc/matchsync/config.yaml

  # Override the match source for one run
  MATCHES_URL=https://example.com/matches.json matchsync sync --config config.json`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		},
	}
	cmd.SetVersionTemplate(`{{printf "matchsync version %s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to JSON or YAML config file")
	flags.StringVar(&opts.calendarID, "calendar-id", "", "Calendar to write to (overrides config file and CALENDAR_ID env var)")
	flags.StringVar(&opts.matchesURL, "matches-url", "", "URL of the match list (overrides config file and MATCHES_URL env var)")
	flags.StringVar(&opts.googleCredentialsPath, "google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose output (show DEBUG logs)")

	syncCmd := newSyncCmd(opts)
	// A bare invocation runs one sync.
	cmd.RunE = syncCmd.RunE

	cmd.AddCommand(syncCmd)
	cmd.AddCommand(newScheduleCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
