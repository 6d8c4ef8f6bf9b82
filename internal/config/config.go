// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	AICompletionURL      string `mapstructure:"AI_COMPLETION_URL"`
	AIAPIKey             string `mapstructure:"AI_API_KEY"`
	AIModel              string `mapstructure:"AI_MODEL"`
	AITimeoutSeconds     int    `mapstructure:"AI_TIMEOUT_SECONDS"`
	AIDefaultLanguage    string `mapstructure:"AI_DEFAULT_LANGUAGE"`
	AISimulatedLatencyMS int    `mapstructure:"AI_SIMULATED_LATENCY_MS"`

	SendAckDelayMS       int `mapstructure:"SEND_ACK_DELAY_MS"`
	SendTimeoutSeconds   int `mapstructure:"SEND_TIMEOUT_SECONDS"`
	EmergencyAckDelayMS  int `mapstructure:"EMERGENCY_ACK_DELAY_MS"`
	SendRateLimitPerMin  int `mapstructure:"SEND_RATE_LIMIT_PER_MINUTE"`
	SessionIdleTimeoutMn int `mapstructure:"SESSION_IDLE_TIMEOUT_MINUTES"`

	AttachmentMaxSizeMB    int    `mapstructure:"ATTACHMENT_MAX_SIZE_MB"`
	AttachmentAllowedTypes string `mapstructure:"ATTACHMENT_ALLOWED_TYPES"`
	BlobBackend            string `mapstructure:"BLOB_BACKEND"`
	BlobLocalDir           string `mapstructure:"BLOB_LOCAL_DIR"`
	S3Bucket               string `mapstructure:"S3_BUCKET"`
	S3Region               string `mapstructure:"S3_REGION"`
	S3Endpoint             string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey            string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey            string `mapstructure:"S3_SECRET_KEY"`
	S3UsePathStyle         bool   `mapstructure:"S3_USE_PATH_STYLE"`
	S3PresignMinutes       int    `mapstructure:"S3_PRESIGN_MINUTES"`

	LedgerDriver  string `mapstructure:"LEDGER_DRIVER"`
	LedgerDSN     string `mapstructure:"LEDGER_DSN"`
	SeedRoomsFile string `mapstructure:"SEED_ROOMS_FILE"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	TracingOTLPEndpoint string  `mapstructure:"TRACING_OTLP_ENDPOINT"`
	TracingSampleRatio  float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional; defaults and env cover a bare checkout.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.BlobBackend = strings.ToLower(strings.TrimSpace(config.BlobBackend))
	config.LedgerDriver = strings.ToLower(strings.TrimSpace(config.LedgerDriver))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")

	viper.SetDefault("AI_COMPLETION_URL", "")
	viper.SetDefault("AI_API_KEY", "")
	viper.SetDefault("AI_MODEL", "gpt-4o-mini")
	viper.SetDefault("AI_TIMEOUT_SECONDS", 15)
	viper.SetDefault("AI_DEFAULT_LANGUAGE", "en")
	viper.SetDefault("AI_SIMULATED_LATENCY_MS", 1500)

	viper.SetDefault("SEND_ACK_DELAY_MS", 300)
	viper.SetDefault("SEND_TIMEOUT_SECONDS", 10)
	viper.SetDefault("EMERGENCY_ACK_DELAY_MS", 1000)
	viper.SetDefault("SEND_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("SESSION_IDLE_TIMEOUT_MINUTES", 30)

	viper.SetDefault("ATTACHMENT_MAX_SIZE_MB", 10)
	viper.SetDefault("ATTACHMENT_ALLOWED_TYPES", "image/*,application/pdf,audio/*,video/*,text/plain")
	viper.SetDefault("BLOB_BACKEND", "memory")
	viper.SetDefault("BLOB_LOCAL_DIR", "uploads/attachments")
	viper.SetDefault("S3_BUCKET", "")
	viper.SetDefault("S3_REGION", "us-east-1")
	viper.SetDefault("S3_ENDPOINT", "")
	viper.SetDefault("S3_ACCESS_KEY", "")
	viper.SetDefault("S3_SECRET_KEY", "")
	viper.SetDefault("S3_USE_PATH_STYLE", false)
	viper.SetDefault("S3_PRESIGN_MINUTES", 60)

	viper.SetDefault("LEDGER_DRIVER", "memory")
	viper.SetDefault("LEDGER_DSN", "")
	viper.SetDefault("SEED_ROOMS_FILE", "")

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("TRACING_OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

// Validate ensures that required configuration values are present and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.AITimeoutSeconds <= 0 {
		return errors.New("AI_TIMEOUT_SECONDS must be positive")
	}
	if c.SendTimeoutSeconds <= 0 {
		return errors.New("SEND_TIMEOUT_SECONDS must be positive")
	}
	if c.SendAckDelayMS < 0 || c.EmergencyAckDelayMS < 0 || c.AISimulatedLatencyMS < 0 {
		return errors.New("delays must not be negative")
	}
	if c.AttachmentMaxSizeMB <= 0 {
		return errors.New("ATTACHMENT_MAX_SIZE_MB must be positive")
	}
	if len(c.AllowedAttachmentTypes()) == 0 {
		return errors.New("ATTACHMENT_ALLOWED_TYPES must list at least one type")
	}

	switch c.BlobBackend {
	case "", "memory":
	case "local":
		if c.BlobLocalDir == "" {
			return errors.New("BLOB_LOCAL_DIR is required for the local blob backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 blob backend")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	switch c.LedgerDriver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.LedgerDSN == "" {
			return fmt.Errorf("LEDGER_DSN is required for the %s ledger", c.LedgerDriver)
		}
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}

	if c.IsProduction() {
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
		if c.AICompletionURL == "" {
			log.Println("WARNING: AI_COMPLETION_URL is empty in production; the simulated assistant will answer.")
		}
		if c.RedisURL == "" {
			log.Println("WARNING: REDIS_URL is empty in production; notifications and rate limiting are disabled.")
		}
	}

	return nil
}

// IsProduction reports whether the app runs with a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// AllowedAttachmentTypes splits ATTACHMENT_ALLOWED_TYPES into trimmed patterns.
func (c *Config) AllowedAttachmentTypes() []string {
	var out []string
	for _, p := range strings.Split(c.AttachmentAllowedTypes, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AttachmentMaxBytes is the per-file upload limit in bytes.
func (c *Config) AttachmentMaxBytes() int64 {
	return int64(c.AttachmentMaxSizeMB) << 20
}

// AITimeout bounds one completion call.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutSeconds) * time.Second
}

// AISimulatedLatency is the delay of the built-in completer.
func (c *Config) AISimulatedLatency() time.Duration {
	return time.Duration(c.AISimulatedLatencyMS) * time.Millisecond
}

// SendAckDelay is the simulated outbound acknowledgement latency.
func (c *Config) SendAckDelay() time.Duration {
	return time.Duration(c.SendAckDelayMS) * time.Millisecond
}

// SendTimeout bounds the sending state of a message.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// EmergencyAckDelay is the simulated triage latency before the acknowledgement.
func (c *Config) EmergencyAckDelay() time.Duration {
	return time.Duration(c.EmergencyAckDelayMS) * time.Millisecond
}

// SessionIdleTimeout is how long an untouched session survives.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMn) * time.Minute
}

// S3PresignTTL is the lifetime of presigned attachment URLs.
func (c *Config) S3PresignTTL() time.Duration {
	return time.Duration(c.S3PresignMinutes) * time.Minute
}
