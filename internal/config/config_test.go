package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, filepath.Join("data", "dispatch.db"), cfg.DatabasePath)
	assert.Equal(t, "data", cfg.WhatsApp.DataDir)
	assert.Equal(t, "972", cfg.CountryCode)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 50, cfg.Dispatch.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.PendingLiveness)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Scheduler.Lateness)
	assert.Equal(t, uint32(5), cfg.Guard.BreakerFailures)
	assert.Equal(t, "sql", cfg.Quota.Backend)
	assert.True(t, cfg.WhatsApp.Enabled)
	assert.False(t, cfg.SNS.Enabled)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jerusalem", loc.String())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DISPATCH_WORKERS", "12")
	t.Setenv("DISPATCH_PROVIDER_TIMEOUT", "3s")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("QUOTA_BACKEND", "redis")
	t.Setenv("SNS_ENABLED", "true")
	t.Setenv("HTTP_API_TOKEN", "secret")
	t.Setenv("DATA_DIR", "/var/lib/dispatch")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Dispatch.Workers)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.ProviderTimeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "redis", cfg.Quota.Backend)
	assert.True(t, cfg.SNS.Enabled)
	assert.Equal(t, "secret", cfg.HTTP.APIToken)
	assert.Equal(t, filepath.Join("/var/lib/dispatch", "dispatch.db"), cfg.DatabasePath)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DISPATCH_BATCH_SIZE=7\nVOICE_CALLER_ID=+97231234567\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DISPATCH_BATCH_SIZE")
		os.Unsetenv("VOICE_CALLER_ID")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Dispatch.BatchSize)
	assert.Equal(t, "+97231234567", cfg.Voice.CallerID)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"workers", "DISPATCH_WORKERS", "0"},
		{"backend", "QUOTA_BACKEND", "memcached"},
		{"timezone", "TIMEZONE", "Mars/Olympus"},
		{"plans", "QUOTA_PLANS", "basic:fax=10"},
		{"default plan", "QUOTA_DEFAULT_PLAN", "gold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestParsePlans(t *testing.T) {
	plans, err := parsePlans("basic: whatsapp=100, sms=-1 ; trial:sms=0")
	require.NoError(t, err)

	assert.Equal(t, map[string]map[models.Channel]int{
		"basic": {models.ChannelWhatsApp: 100, models.ChannelSMS: -1},
		"trial": {models.ChannelSMS: 0},
	}, plans)

	for _, bad := range []string{"", "basic", "basic:sms", "basic:sms=-2", "basic:sms=many", ":sms=1"} {
		_, err := parsePlans(bad)
		assert.Error(t, err, bad)
	}
}
