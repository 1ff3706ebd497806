package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GoogleConfig holds Google Calendar OAuth client settings.
type GoogleConfig struct {
	// ClientID / ClientSecret identify the OAuth application.
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`

	// RedirectURL is where Google sends the user after consent.
	RedirectURL string `yaml:"redirect_url" json:"redirect_url"`

	// CalendarID is the calendar to poll; "primary" by default.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// TokenPath is where the OAuth token JSON is persisted.
	TokenPath string `yaml:"token_path" json:"token_path"`
}

// TwilioConfig holds outbound SMS settings.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid" json:"account_sid"`
	AuthToken  string `yaml:"auth_token" json:"auth_token"`
	FromNumber string `yaml:"from_number" json:"from_number"`
	// ToNumber is the single destination all reminders are sent to.
	ToNumber string `yaml:"to_number" json:"to_number"`
}

// OpenAIConfig holds optional LLM settings for inbound intent parsing.
// When APIKey is empty, keyword heuristics are used instead.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`
	Model  string `yaml:"model" json:"model"`
}

// ICSConfig describes a single read-only ICS subscription source, usable
// instead of (or alongside) Google Calendar as the event source.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// ReminderConfig describes one entry of the reminder schedule.
type ReminderConfig struct {
	// Kind is a short stable name for the offset, e.g. "2h", "10m".
	// It is the key used in the dedup state file, so renaming a kind
	// effectively forgets what was already sent under the old name.
	Kind string `yaml:"kind" json:"kind"`

	// Before is how long before the event start the reminder fires,
	// as a Go duration string (e.g. "2h", "10m").
	Before string `yaml:"before" json:"before"`

	// Template is the message body with a single %s placeholder for
	// the event title.
	Template string `yaml:"template" json:"template"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API surface.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and webhook.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA default timezone applied to events that do
	// not declare one (e.g. "America/New_York").
	Timezone string `yaml:"timezone" json:"timezone"`

	// PollCron is a cron-style schedule string for the reminder poll.
	// Every minute by default.
	PollCron string `yaml:"poll" json:"poll"`

	// StatePath is where the reminder dedup state snapshot is persisted.
	StatePath string `yaml:"state_path" json:"state_path"`

	// Reminders is the ordered reminder schedule.
	Reminders []ReminderConfig `yaml:"reminders" json:"reminders"`

	Google GoogleConfig `yaml:"google" json:"google"`
	Twilio TwilioConfig `yaml:"twilio" json:"twilio"`
	OpenAI OpenAIConfig `yaml:"openai" json:"openai"`

	// ICS is an optional list of subscribed ICS feeds. When non-empty
	// and Google credentials are absent, events come from these feeds.
	ICS []ICSConfig `yaml:"ics,omitempty" json:"ics,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health and the Twilio webhook.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8000",
		Timezone:  "UTC",
		PollCron:  "* * * * *",
		StatePath: "data/reminder_state.json",
		Reminders: defaultReminders(),
		Google: GoogleConfig{
			RedirectURL: "http://localhost:8000/oauth/google/callback",
			CalendarID:  "primary",
			TokenPath:   "data/google_token.json",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
	}
}

func defaultReminders() []ReminderConfig {
	return []ReminderConfig{
		{Kind: "2h", Before: "2h", Template: "⏰ Heads up! '%s' starts in ~2 hours."},
		{Kind: "10m", Before: "10m", Template: "🚀 Almost go time! '%s' kicks off in 10 minutes."},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8000"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.PollCron == "" {
		c.PollCron = "* * * * *"
	}
	if c.StatePath == "" {
		c.StatePath = "data/reminder_state.json"
	}
	if len(c.Reminders) == 0 {
		c.Reminders = defaultReminders()
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = "http://localhost:8000/oauth/google/callback"
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Google.TokenPath == "" {
		c.Google.TokenPath = "data/google_token.json"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file, so the file can be committed without credentials.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"GOOGLE_CLIENT_ID", &c.Google.ClientID},
		{"GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret},
		{"TWILIO_ACCOUNT_SID", &c.Twilio.AccountSID},
		{"TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken},
		{"TWILIO_FROM_NUMBER", &c.Twilio.FromNumber},
		{"USER_PHONE_NUMBER", &c.Twilio.ToNumber},
		{"OPENAI_API_KEY", &c.OpenAI.APIKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports configuration problems that would prevent the reminder
// pipeline from running at all. Missing Twilio credentials are an error;
// a calendar source must be configured either via Google or ICS.
func (c *Config) Validate() error {
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		return errors.New("twilio credentials are not configured")
	}
	if c.Twilio.FromNumber == "" || c.Twilio.ToNumber == "" {
		return errors.New("twilio from/to numbers are not configured")
	}
	if c.Google.ClientID == "" && len(c.ICS) == 0 {
		return errors.New("no calendar source configured (google or ics)")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	for _, r := range c.Reminders {
		if r.Kind == "" {
			return errors.New("reminder kind must not be empty")
		}
		if _, err := time.ParseDuration(r.Before); err != nil {
			return fmt.Errorf("reminder %q: invalid offset %q: %w", r.Kind, r.Before, err)
		}
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: create parent directory if needed, write
//     a default config with 0600 perms, and return the default config.
//   - If the file exists: read YAML, unmarshal, normalize defaults and
//     apply environment overrides for secrets.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create a default config file for the user to edit.
			cfg := DefaultConfig()
			cfg.applyEnvOverrides()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// The write is atomic (temp file + rename in the same directory) and the
// final file is 0600 since it may contain credentials.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calnudge-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
