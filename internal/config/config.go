// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StorageType string

const (
	StorageSQLite StorageType = "sqlite"
	StorageMemory StorageType = "memory"
	StorageOff    StorageType = "off"
)

// Detection route families.
const (
	DetectInfer           = "infer"
	DetectDetectAnomalies = "detect-anomalies"
)

// Features are the optional surfaces derived from the config.
type Features struct {
	Dashboard bool
	API       bool
	Events    bool
	Metrics   bool
	Storage   bool
	Analysis  bool
}

type Config struct {
	ListenAddr string
	LogLevel   string
	EnvFile    string

	BackendURL          string
	DetectEndpoint      string
	PreferLLM           bool
	BackendTimeout      time.Duration // 0 = none
	BackendMaxBodyBytes int64
	HealthTimeout       time.Duration

	ExplanationTimeout    time.Duration
	ExplanationRatePerSec float64

	DisplayTimezone string

	OllamaEnabled     bool
	OllamaURL         string
	OllamaModel       string
	OllamaTemperature float64
	OllamaPullMissing bool
	OllamaPullRetries int
	OllamaPullDelay   time.Duration

	AnalysisContextWindow int
	AnalysisTimeout       time.Duration

	Storage        StorageType
	StoragePath    string
	StorageMaxRows int

	DashboardEnabled bool
	MetricsEnabled   bool
	EventsEnabled    bool
	EventBuffer      int

	CORSAllowOrigin string
}

// Features reports which surfaces are on. The JSON API is always served.
func (c *Config) Features() Features {
	return Features{
		Dashboard: c.DashboardEnabled,
		API:       true,
		Events:    c.EventsEnabled,
		Metrics:   c.MetricsEnabled,
		Storage:   c.Storage != StorageOff,
		Analysis:  c.OllamaEnabled,
	}
}

// Load reads the optional env file, then the environment, and validates the
// result. Variables already set in the environment win over the file.
func Load() (Config, error) {
	envFile := getEnvString("ENV_FILE", ".env")
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr: getEnvString("LISTEN_ADDR", ":8090"),
		LogLevel:   getEnvString("LOG_LEVEL", "info"),
		EnvFile:    envFile,

		BackendURL:          getEnvString("BACKEND_URL", "http://127.0.0.1:8000"),
		DetectEndpoint:      getEnvString("DETECT_ENDPOINT", DetectInfer),
		PreferLLM:           getEnvBool("PREFER_LLM", true),
		BackendTimeout:      getEnvDuration("BACKEND_TIMEOUT", 0),
		BackendMaxBodyBytes: getEnvInt64("BACKEND_MAX_BODY_BYTES", 32*1024*1024),
		HealthTimeout:       getEnvDuration("HEALTH_TIMEOUT", 5*time.Second),

		ExplanationTimeout:    getEnvDuration("EXPLANATION_TIMEOUT", 20*time.Second),
		ExplanationRatePerSec: getEnvFloat("EXPLANATION_RATE_PER_SEC", 2),

		DisplayTimezone: getEnvString("DISPLAY_TIMEZONE", "Local"),

		OllamaEnabled:     getEnvBool("OLLAMA_ENABLED", false),
		OllamaURL:         getEnvString("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       getEnvString("OLLAMA_MODEL", "mistral"),
		OllamaTemperature: getEnvFloat("OLLAMA_TEMPERATURE", 0.3),
		OllamaPullMissing: getEnvBool("OLLAMA_PULL_MISSING", true),
		OllamaPullRetries: getEnvInt("OLLAMA_PULL_RETRIES", 3),
		OllamaPullDelay:   getEnvDuration("OLLAMA_PULL_DELAY", 5*time.Second),

		AnalysisContextWindow: getEnvInt("ANALYSIS_CONTEXT_WINDOW", 5),
		AnalysisTimeout:       getEnvDuration("ANALYSIS_TIMEOUT", 60*time.Second),

		Storage:        StorageType(getEnvString("STORAGE", string(StorageMemory))),
		StoragePath:    getEnvString("STORAGE_PATH", "data/anomaly-lens.sqlite"),
		StorageMaxRows: getEnvInt("STORAGE_MAX_ROWS", 1000),

		DashboardEnabled: getEnvBool("DASHBOARD_ENABLED", true),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		EventsEnabled:    getEnvBool("EVENTS_ENABLED", true),
		EventBuffer:      getEnvInt("EVENT_BUFFER", 100),

		CORSAllowOrigin: getEnvString("CORS_ALLOW_ORIGIN", "*"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile loads path into the environment if it exists. An empty path
// disables the file.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if err := validateURL("BACKEND_URL", c.BackendURL); err != nil {
		return err
	}

	switch c.DetectEndpoint {
	case DetectInfer, DetectDetectAnomalies:
	default:
		return fmt.Errorf("invalid DETECT_ENDPOINT: %q (must be infer|detect-anomalies)", c.DetectEndpoint)
	}

	if c.BackendTimeout < 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be >= 0")
	}
	if c.BackendMaxBodyBytes < 1024 {
		return fmt.Errorf("BACKEND_MAX_BODY_BYTES must be >= 1024")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUT must be > 0")
	}

	if c.ExplanationTimeout <= 0 {
		return fmt.Errorf("EXPLANATION_TIMEOUT must be > 0")
	}
	if c.ExplanationRatePerSec < 0 {
		return fmt.Errorf("EXPLANATION_RATE_PER_SEC must be >= 0")
	}

	if _, err := c.DisplayLocation(); err != nil {
		return err
	}

	if c.OllamaEnabled {
		if err := validateURL("OLLAMA_URL", c.OllamaURL); err != nil {
			return err
		}
		if strings.TrimSpace(c.OllamaModel) == "" {
			return fmt.Errorf("OLLAMA_MODEL must not be empty")
		}
	}
	if c.OllamaTemperature < 0 || c.OllamaTemperature > 2 {
		return fmt.Errorf("OLLAMA_TEMPERATURE must be in [0, 2]")
	}
	if c.OllamaPullRetries < 1 {
		return fmt.Errorf("OLLAMA_PULL_RETRIES must be >= 1")
	}
	if c.OllamaPullDelay < 0 {
		return fmt.Errorf("OLLAMA_PULL_DELAY must be >= 0")
	}
	if c.AnalysisContextWindow < 0 {
		return fmt.Errorf("ANALYSIS_CONTEXT_WINDOW must be >= 0")
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be > 0")
	}

	switch c.Storage {
	case StorageSQLite, StorageMemory, StorageOff:
	default:
		return fmt.Errorf("invalid STORAGE: %q (must be sqlite|memory|off)", c.Storage)
	}
	if c.StorageMaxRows < 10 {
		return fmt.Errorf("STORAGE_MAX_ROWS must be >= 10")
	}
	if c.Storage == StorageSQLite && c.StoragePath == "" {
		return fmt.Errorf("STORAGE_PATH must be set for STORAGE=sqlite")
	}

	if c.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER must be >= 1")
	}

	return nil
}

// DisplayLocation resolves DISPLAY_TIMEZONE.
func (c Config) DisplayLocation() (*time.Location, error) {
	switch c.DisplayTimezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPLAY_TIMEZONE: %w", err)
	}
	return loc, nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: %q (must be an absolute URL)", name, raw)
	}
	return nil
}

// Helper functions for parsing environment variables

func getEnvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
