// Package config loads settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"obfuscal/internal/google"
	"obfuscal/internal/icloud"
	"obfuscal/internal/models"
	"obfuscal/internal/obfuscate"
	"obfuscal/internal/syncer"
)

// Config is the full application configuration. Values come from an optional
// YAML file and are overridden by environment variables.
type Config struct {
	ICloud    ICloudConfig    `yaml:"icloud"`
	Google    GoogleConfig    `yaml:"google"`
	Calendars CalendarsConfig `yaml:"calendars"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`

	// PushgatewayURL enables run metrics when set.
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// ICloudConfig holds the CalDAV source credentials.
type ICloudConfig struct {
	Username string `yaml:"username"`
	// Password is an app-specific password, never the account password.
	Password string `yaml:"app_specific_password"`
	URL      string `yaml:"caldav_url"`
	Timezone string `yaml:"timezone"`
}

// GoogleConfig holds the destination calendar and OAuth client.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CalendarID   string `yaml:"calendar_id"`
	TokenFile    string `yaml:"token_file"`
}

// CalendarsConfig lists per-calendar policy and the placeholder text.
type CalendarsConfig struct {
	Skip                   []string `yaml:"skip"`
	AllowFullDay           []string `yaml:"allow_full_day_events"`
	PlaceholderTitle       string   `yaml:"placeholder_title"`
	PlaceholderDescription string   `yaml:"placeholder_description"`
}

// SyncConfig tunes the publisher.
type SyncConfig struct {
	OrphanPolicy      string        `yaml:"orphan_policy"`
	RescheduleChanged bool          `yaml:"reschedule_changed"`
	Horizon           time.Duration `yaml:"horizon"`
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ICloud: ICloudConfig{URL: icloud.DefaultEndpoint},
		Google: GoogleConfig{TokenFile: google.DefaultTokenFile},
		Calendars: CalendarsConfig{
			PlaceholderTitle: obfuscate.DefaultTitle,
		},
		Sync: SyncConfig{
			OrphanPolicy:  string(syncer.OrphanDelete),
			Horizon:       icloud.DefaultHorizon,
			Concurrency:   1,
			MaxAttempts:   3,
			RetryInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path, if any, on top of the defaults and then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("ICLOUD_USERNAME", &c.ICloud.Username)
	str("ICLOUD_APP_SPECIFIC_PASSWORD", &c.ICloud.Password)
	str("ICLOUD_CALDAV_URL", &c.ICloud.URL)
	str("SOURCE_TIMEZONE", &c.ICloud.Timezone)
	str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	str("GOOGLE_CALENDAR_ID", &c.Google.CalendarID)
	str("GOOGLE_TOKEN_FILE", &c.Google.TokenFile)
	list("CALENDARS_TO_SKIP", &c.Calendars.Skip)
	list("CALENDARS_ALLOW_FULL_DAY_EVENTS", &c.Calendars.AllowFullDay)
	str("PLACEHOLDER_TITLE", &c.Calendars.PlaceholderTitle)
	str("PLACEHOLDER_DESCRIPTION", &c.Calendars.PlaceholderDescription)
	str("ORPHAN_POLICY", &c.Sync.OrphanPolicy)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("PUSHGATEWAY_URL", &c.PushgatewayURL)

	var errs []error
	if v, ok := lookup("RESCHEDULE_CHANGED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RESCHEDULE_CHANGED: %w", err))
		}
		c.Sync.RescheduleChanged = b
	}
	for key, dst := range map[string]*time.Duration{
		"SYNC_HORIZON":        &c.Sync.Horizon,
		"SYNC_RETRY_INTERVAL": &c.Sync.RetryInterval,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*int{
		"SYNC_CONCURRENCY":  &c.Sync.Concurrency,
		"SYNC_MAX_ATTEMPTS": &c.Sync.MaxAttempts,
	} {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
			*dst = n
		}
	}
	return errors.Join(errs...)
}

// Validate reports every missing or invalid setting needed by the sync command.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key, value string
	}{
		{"ICLOUD_USERNAME", c.ICloud.Username},
		{"ICLOUD_APP_SPECIFIC_PASSWORD", c.ICloud.Password},
		{"GOOGLE_CLIENT_ID", c.Google.ClientID},
		{"GOOGLE_CLIENT_SECRET", c.Google.ClientSecret},
		{"GOOGLE_CALENDAR_ID", c.Google.CalendarID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is not set", r.key))
		}
	}

	if _, err := syncer.ParseOrphanPolicy(c.Sync.OrphanPolicy); err != nil {
		errs = append(errs, fmt.Errorf("ORPHAN_POLICY: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("SOURCE_TIMEZONE: %w", err))
	}
	if c.Sync.Horizon <= 0 {
		errs = append(errs, errors.New("SYNC_HORIZON must be positive"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("SYNC_CONCURRENCY must be at least 1"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("SYNC_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Sync.RetryInterval <= 0 {
		errs = append(errs, errors.New("SYNC_RETRY_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the zone used for floating source times. Empty means the
// local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.ICloud.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ICloud.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.ICloud.Timezone, err)
	}
	return loc, nil
}

// Policies builds the per-calendar policy table.
func (c *Config) Policies() models.PolicyTable {
	return models.NewPolicyTable(c.Calendars.Skip, c.Calendars.AllowFullDay)
}

// Placeholder returns the text written in place of real event content.
func (c *Config) Placeholder() obfuscate.Placeholder {
	return obfuscate.Placeholder{
		Title:       c.Calendars.PlaceholderTitle,
		Description: c.Calendars.PlaceholderDescription,
	}
}

// PublishOptions maps the sync settings onto the publisher.
func (c *Config) PublishOptions(dryRun bool) syncer.PublishOptions {
	return syncer.PublishOptions{
		OrphanPolicy:  syncer.OrphanPolicy(c.Sync.OrphanPolicy),
		Reschedule:    c.Sync.RescheduleChanged,
		DryRun:        dryRun,
		Concurrency:   c.Sync.Concurrency,
		MaxAttempts:   c.Sync.MaxAttempts,
		RetryInterval: c.Sync.RetryInterval,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration accepts Go durations plus a "d" suffix for whole days.
func parseDuration(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}
