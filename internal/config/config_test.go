package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, "127.0.0.1:8000", cfg.Listen)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "* * * * *", cfg.PollCron)
	assert.Equal(t, "primary", cfg.Google.CalendarID)
	require.Len(t, cfg.Reminders, 2)
	assert.Equal(t, "2h", cfg.Reminders[0].Kind)
	assert.Equal(t, "10m", cfg.Reminders[1].Kind)
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: America/New_York\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "127.0.0.1:8000", cfg.Listen)
	assert.Equal(t, "data/reminder_state.json", cfg.StatePath)
	assert.NotEmpty(t, cfg.Reminders)
}

func TestEnvOverridesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("twilio:\n  auth_token: from-file\n"), 0o600))

	t.Setenv("TWILIO_AUTH_TOKEN", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Twilio.AuthToken)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing twilio credentials")

	cfg.Twilio = TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "tok",
		FromNumber: "+15550001",
		ToNumber:   "+15550002",
	}
	assert.Error(t, cfg.Validate(), "no calendar source configured")

	cfg.Google.ClientID = "client-id"
	assert.NoError(t, cfg.Validate())

	cfg.Timezone = "Not/AZone"
	assert.Error(t, cfg.Validate())

	cfg.Timezone = "UTC"
	cfg.Reminders = []ReminderConfig{{Kind: "2h", Before: "bogus"}}
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Berlin"
	cfg.ICS = []ICSConfig{{ID: "team", URL: "https://example.com/team.ics"}}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loaded.Timezone)
	require.Len(t, loaded.ICS, 1)
	assert.Equal(t, "team", loaded.ICS[0].ID)
}
