package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the speech recognition client and gateway
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"0"` // Gateway request body cap, 0 disables
	TempDir        string `envconfig:"GATEWAY_TEMP_DIR" default:""`  // Where uploads are spooled; system default when empty

	// SaluteSpeech credentials and endpoints
	AuthKey   string `envconfig:"SALUTE_AUTH_KEY" required:"true"` // Base64 client credentials for Basic auth
	SessionID string `envconfig:"SALUTE_SESSION_ID" default:""`    // RqUID for token requests; generated when empty
	Scope     string `envconfig:"SALUTE_SCOPE" default:"SALUTE_SPEECH_PERS"`
	TokenURL  string `envconfig:"SALUTE_TOKEN_URL" default:"https://ngw.devices.sberbank.ru:9443/api/v2/oauth"`
	BaseURL   string `envconfig:"SALUTE_BASE_URL" default:"https://smartspeech.sber.ru/rest/v1"`
	Model     string `envconfig:"SALUTE_MODEL" default:"general"`

	// Transport configuration
	CACertFile  string `envconfig:"SALUTE_CA_CERT_FILE" default:""`    // Extra PEM root CA appended to the system pool
	HTTPTimeout int    `envconfig:"SALUTE_HTTP_TIMEOUT" default:"120"` // seconds to wait for response headers, 0 disables

	// Recognition polling configuration
	MaxWait         int     `envconfig:"RECOGNITION_MAX_WAIT" default:"300"` // seconds; also the token expiry margin
	PollInterval    int     `envconfig:"POLL_INTERVAL" default:"1000"`       // milliseconds
	PollMultiplier  float64 `envconfig:"POLL_MULTIPLIER" default:"1.0"`      // 1.0 keeps the delay fixed
	PollMaxInterval int     `envconfig:"POLL_MAX_INTERVAL" default:"10000"`  // milliseconds

	// Audio metadata fallback for containers without a readable header
	FallbackSampleRate int `envconfig:"AUDIO_FALLBACK_SAMPLE_RATE" default:"0"` // 0 disables the fallback
	FallbackChannels   int `envconfig:"AUDIO_FALLBACK_CHANNELS" default:"1"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field values that envconfig cannot express
func (c *Config) Validate() error {
	if c.AuthKey == "" {
		return fmt.Errorf("SALUTE_AUTH_KEY is required")
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("RECOGNITION_MAX_WAIT must be positive, got %d", c.MaxWait)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %d", c.PollInterval)
	}
	if c.PollMultiplier < 1.0 {
		return fmt.Errorf("POLL_MULTIPLIER must be at least 1.0, got %g", c.PollMultiplier)
	}
	if c.FallbackSampleRate < 0 || c.FallbackChannels < 0 {
		return fmt.Errorf("audio fallback values must not be negative")
	}
	return nil
}

// MaxWaitDuration returns the polling ceiling as a time.Duration
func (c *Config) MaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWait) * time.Second
}

// PollIntervalDuration returns the base polling delay as a time.Duration
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// PollMaxIntervalDuration returns the cap for a growing polling delay
func (c *Config) PollMaxIntervalDuration() time.Duration {
	return time.Duration(c.PollMaxInterval) * time.Millisecond
}

// HTTPTimeoutDuration returns how long a request waits for response headers
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
