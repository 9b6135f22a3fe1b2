package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the status API configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	StorageBaseURL   string
	StorageDir       string
	NotifyChannel    string
	DefaultLocale    string
	GeoIPDBPath      string
	AllowedOrigins   []string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	RateLimitBurst   int
	StreamPing       time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		StorageDir:       os.Getenv("STORAGE_DIR"),
		NotifyChannel:    getEnv("JOB_NOTIFY_CHANNEL", "job_events"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 30),
		StreamPing:       getEnvDuration("STREAM_PING_INTERVAL", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// TrackerConfig configures the jobwatch client.
type TrackerConfig struct {
	AppEnv              string
	StatusBaseURL       string
	StreamURL           string
	PollInterval        time.Duration
	PollConcurrency     int
	BatchTimeout        time.Duration
	QueueBudget         time.Duration
	ProcessingBudget    time.Duration
	StatusRatePerSecond float64
	StreamDialWait      time.Duration
}

// LoadTrackerConfig loads and validates the client-side configuration.
func LoadTrackerConfig() (*TrackerConfig, error) {
	cfg := TrackerConfigFromEnv()
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TrackerConfigFromEnv reads the client-side configuration without
// validating it, so command-line flags can be applied before Finalize.
func TrackerConfigFromEnv() *TrackerConfig {
	return &TrackerConfig{
		AppEnv:              getEnv("APP_ENV", "development"),
		StatusBaseURL:       os.Getenv("STATUS_BASE_URL"),
		StreamURL:           os.Getenv("STREAM_URL"),
		PollInterval:        time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)),
		PollConcurrency:     getEnvInt("POLL_CONCURRENCY", 8),
		BatchTimeout:        time.Second * time.Duration(getEnvInt("BATCH_TIMEOUT_SECONDS", 180)),
		QueueBudget:         time.Millisecond * time.Duration(getEnvInt("QUEUE_BUDGET_MS", 5000)),
		ProcessingBudget:    time.Millisecond * time.Duration(getEnvInt("PROCESSING_BUDGET_MS", 45000)),
		StatusRatePerSecond: getEnvFloat("STATUS_RATE_PER_SECOND", 20),
		StreamDialWait:      getEnvDuration("STREAM_DIAL_WAIT", 2*time.Second),
	}
}

// Finalize requires a status base URL and derives STREAM_URL from it when
// unset.
func (c *TrackerConfig) Finalize() error {
	c.StatusBaseURL = strings.TrimRight(strings.TrimSpace(c.StatusBaseURL), "/")
	if c.StatusBaseURL == "" {
		return fmt.Errorf("STATUS_BASE_URL is required")
	}
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL(c.StatusBaseURL)
	}
	return nil
}

// DefaultStreamURL derives the websocket endpoint from the status base URL.
func DefaultStreamURL(statusBaseURL string) string {
	base := strings.TrimRight(statusBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/jobs/stream"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("750ms", "2s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
