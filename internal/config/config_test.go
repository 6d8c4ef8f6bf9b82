package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                   "8375",
		Env:                    "development",
		AITimeoutSeconds:       15,
		SendTimeoutSeconds:     10,
		AttachmentMaxSizeMB:    10,
		AttachmentAllowedTypes: "image/*,application/pdf",
		BlobBackend:            "memory",
		LedgerDriver:           "memory",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"missing port", func(c *Config) { c.Port = "" }, true},
		{"zero ai timeout", func(c *Config) { c.AITimeoutSeconds = 0 }, true},
		{"zero send timeout", func(c *Config) { c.SendTimeoutSeconds = 0 }, true},
		{"negative ack delay", func(c *Config) { c.EmergencyAckDelayMS = -1 }, true},
		{"zero attachment size", func(c *Config) { c.AttachmentMaxSizeMB = 0 }, true},
		{"empty allowed types", func(c *Config) { c.AttachmentAllowedTypes = " , " }, true},
		{"local blob needs dir", func(c *Config) { c.BlobBackend = "local"; c.BlobLocalDir = "" }, true},
		{"local blob with dir", func(c *Config) { c.BlobBackend = "local"; c.BlobLocalDir = "/tmp/x" }, false},
		{"s3 blob needs bucket", func(c *Config) { c.BlobBackend = "s3" }, true},
		{"unknown blob backend", func(c *Config) { c.BlobBackend = "ftp" }, true},
		{"sqlite ledger needs dsn", func(c *Config) { c.LedgerDriver = "sqlite" }, true},
		{"sqlite ledger with dsn", func(c *Config) { c.LedgerDriver = "sqlite"; c.LedgerDSN = "file::memory:" }, false},
		{"unknown ledger", func(c *Config) { c.LedgerDriver = "mongo" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	c := validConfig()
	c.SendAckDelayMS = 300
	c.EmergencyAckDelayMS = 1000
	c.SessionIdleTimeoutMn = 30

	assert.Equal(t, 15*time.Second, c.AITimeout())
	assert.Equal(t, 300*time.Millisecond, c.SendAckDelay())
	assert.Equal(t, time.Second, c.EmergencyAckDelay())
	assert.Equal(t, 30*time.Minute, c.SessionIdleTimeout())
	assert.Equal(t, int64(10<<20), c.AttachmentMaxBytes())
}

func TestConfig_AllowedAttachmentTypes(t *testing.T) {
	c := &Config{AttachmentAllowedTypes: " Image/* ,application/pdf,, text/plain "}
	assert.Equal(t, []string{"image/*", "application/pdf", "text/plain"}, c.AllowedAttachmentTypes())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("AI_TIMEOUT_SECONDS")
	defer os.Unsetenv("BLOB_BACKEND")
	defer viper.Reset()

	os.Setenv("APP_ENV", "test")
	os.Setenv("AI_TIMEOUT_SECONDS", "3")
	os.Setenv("BLOB_BACKEND", "  MEMORY ")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, c.AITimeoutSeconds)
	assert.Equal(t, "memory", c.BlobBackend)
	assert.Equal(t, 10, c.AttachmentMaxSizeMB)
	assert.Equal(t, "en", c.AIDefaultLanguage)
}
