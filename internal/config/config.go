package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink types.
const (
	SinkGoogle = "google"
	SinkCalDAV = "caldav"
	SinkICS    = "ics"
)

// Match source types.
const (
	SourceJSON       = "json"
	SourceVoleibolib = "voleibolib"
)

// Defaults applied by LoadConfig.
const (
	DefaultWindowDays    = 365
	DefaultEventDuration = 2 * time.Hour
	DefaultTagKey        = "internal_uid"
	DefaultFetchTimeout  = 15 * time.Second
	DefaultSchedule      = "0 6 * * *"
)

var tagKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Duration is a time.Duration written as a Go duration string ("2h", "90m").
type Duration struct {
	time.Duration
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"2h\": %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds the configuration for the match sync tool.
type Config struct {
	CalendarID string   `json:"calendar_id" yaml:"calendar_id"`
	MatchesURL string   `json:"matches_url" yaml:"matches_url"`
	Attendees  []string `json:"attendees,omitempty" yaml:"attendees,omitempty"`
	Timezone   string   `json:"timezone,omitempty" yaml:"timezone,omitempty"` // IANA name, defaults to the local zone

	Sink string `json:"sink,omitempty" yaml:"sink,omitempty"` // "google", "caldav" or "ics"

	// Source is "json" (a match list document) or "voleibolib" (the federation's calendar page).
	Source       string            `json:"source,omitempty" yaml:"source,omitempty"`
	Team         string            `json:"team,omitempty" yaml:"team,omitempty"`                   // voleibolib: rows to keep
	Venues       map[string]string `json:"venues,omitempty" yaml:"venues,omitempty"`               // voleibolib: home team -> venue
	UnknownVenue string            `json:"unknown_venue,omitempty" yaml:"unknown_venue,omitempty"` // voleibolib: location when no venue matches

	// Google Calendar
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" yaml:"google_credentials_path,omitempty"`
	TokenPath             string `json:"token_path,omitempty" yaml:"token_path,omitempty"`

	// CalDAV (e.g. "https://caldav.icloud.com" with an app-specific password)
	ServerURL string `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`

	WindowDays    int      `json:"window_days,omitempty" yaml:"window_days,omitempty"`
	EventDuration Duration `json:"event_duration,omitempty" yaml:"event_duration,omitempty"`
	TagKey        string   `json:"tag_key,omitempty" yaml:"tag_key,omitempty"`
	FetchTimeout  Duration `json:"fetch_timeout,omitempty" yaml:"fetch_timeout,omitempty"`

	Schedule    string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`

	location *time.Location
}

// Location returns the timezone used to interpret zone-less match times.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// LoadConfigFromFile loads configuration from a JSON or YAML file.
// Files ending in .yaml or .yml are read as YAML.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing.
func LoadConfig(configFile string, calendarIDFlag, matchesURLFlag, googleCredentialsPathFlag string) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if calendarID := os.Getenv("CALENDAR_ID"); calendarID != "" {
		config.CalendarID = calendarID
	}
	if matchesURL := os.Getenv("MATCHES_URL"); matchesURL != "" {
		config.MatchesURL = matchesURL
	}
	if attendees := os.Getenv("ATTENDEES"); attendees != "" {
		config.Attendees = splitList(attendees)
	}
	if googleCredentialsPath := os.Getenv("GOOGLE_CREDENTIALS_PATH"); googleCredentialsPath != "" {
		config.GoogleCredentialsPath = googleCredentialsPath
	}
	if tokenPath := os.Getenv("TOKEN_PATH"); tokenPath != "" {
		config.TokenPath = tokenPath
	}
	if timezone := os.Getenv("MATCHSYNC_TIMEZONE"); timezone != "" {
		config.Timezone = timezone
	}
	// Keeps the app-specific password out of the config file
	if password := os.Getenv("CALDAV_PASSWORD"); password != "" {
		config.Password = password
	}

	// Step 3: Override with command-line flags (highest priority)
	if calendarIDFlag != "" {
		config.CalendarID = calendarIDFlag
	}
	if matchesURLFlag != "" {
		config.MatchesURL = matchesURLFlag
	}
	if googleCredentialsPathFlag != "" {
		config.GoogleCredentialsPath = googleCredentialsPathFlag
	}

	// Step 4: Apply defaults and validate required fields
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() error {
	if c.Sink == "" {
		c.Sink = SinkGoogle
	}
	c.Sink = strings.ToLower(c.Sink)

	if c.Source == "" {
		c.Source = SourceJSON
	}
	c.Source = strings.ToLower(c.Source)

	if c.WindowDays == 0 {
		c.WindowDays = DefaultWindowDays
	}
	if c.EventDuration.Duration == 0 {
		c.EventDuration.Duration = DefaultEventDuration
	}
	if c.TagKey == "" {
		c.TagKey = DefaultTagKey
	}
	if c.FetchTimeout.Duration == 0 {
		c.FetchTimeout.Duration = DefaultFetchTimeout
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}

	c.location = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
		c.location = loc
	}

	attendees := c.Attendees[:0]
	for _, a := range c.Attendees {
		if a = strings.TrimSpace(a); a != "" {
			attendees = append(attendees, a)
		}
	}
	c.Attendees = attendees

	return nil
}

func (c *Config) validate() error {
	if c.CalendarID == "" {
		return fmt.Errorf("calendar_id must be provided via --calendar-id flag, CALENDAR_ID environment variable, or config file")
	}
	if c.MatchesURL == "" {
		return fmt.Errorf("matches_url must be provided via --matches-url flag, MATCHES_URL environment variable, or config file")
	}

	for i, a := range c.Attendees {
		if !strings.Contains(a, "@") {
			return fmt.Errorf("attendees[%d]: %q is not an email address", i, a)
		}
	}

	if c.WindowDays < 0 {
		return fmt.Errorf("window_days must not be negative, got %d", c.WindowDays)
	}
	if c.EventDuration.Duration < 0 {
		return fmt.Errorf("event_duration must not be negative, got %s", c.EventDuration)
	}
	if c.FetchTimeout.Duration < 0 {
		return fmt.Errorf("fetch_timeout must not be negative, got %s", c.FetchTimeout)
	}

	// CalDAV and ICS sinks store the tag as an X- property name.
	if !tagKeyPattern.MatchString(c.TagKey) {
		return fmt.Errorf("tag_key must contain only letters, digits, '_' or '-', got '%s'", c.TagKey)
	}

	switch c.Source {
	case SourceJSON:
	case SourceVoleibolib:
		if strings.TrimSpace(c.Team) == "" {
			return fmt.Errorf("team must be provided for the voleibolib source")
		}
	default:
		return fmt.Errorf("source must be 'json' or 'voleibolib', got '%s'", c.Source)
	}

	switch c.Sink {
	case SinkGoogle:
		if c.GoogleCredentialsPath == "" {
			return fmt.Errorf("google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
		}
		if c.TokenPath == "" {
			return fmt.Errorf("token_path must be provided via TOKEN_PATH environment variable or config file")
		}
	case SinkCalDAV:
		if c.ServerURL == "" {
			return fmt.Errorf("server_url must be provided for the caldav sink")
		}
		if c.Username == "" {
			return fmt.Errorf("username must be provided for the caldav sink")
		}
		if c.Password == "" {
			return fmt.Errorf("password must be provided for the caldav sink via CALDAV_PASSWORD environment variable or config file")
		}
	case SinkICS:
		// calendar_id is the output file path
	default:
		return fmt.Errorf("sink must be 'google', 'caldav' or 'ics', got '%s'", c.Sink)
	}

	return nil
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
