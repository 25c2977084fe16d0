// Package config loads the worker configuration: environment variables
// first, command-line flags as overrides. There are no config files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is everything the sync worker needs at startup.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	LogFormat   string // "json" or "text"

	// Provider selects the identity-provider client: "google" or "mock".
	Provider           string
	GoogleRatePerSec   float64
	GoogleBurst        int

	// Resource monitor.
	SampleInterval time.Duration
	WarnCPU        float64
	MaxCPU         float64
	WarnMemory     float64
	MaxMemory      float64
	MaxConcurrency int

	// Adaptive batch processor.
	BatchBase      int
	BatchMin       int
	BatchMax       int
	BatchBaseDelay time.Duration

	// Circuit breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerWindow    time.Duration

	// Notifications. Empty URLs disable the corresponding sender.
	WebhookURL string
	EmailURL   string
	NotifyKey  string
}

// Load reads the environment, then lets flags override. It exits the
// process on malformed flag input, matching flag.ExitOnError.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		Provider:         getenv("IDP_PROVIDER", "mock"),
		GoogleRatePerSec: getenvFloat("GOOGLE_RATE_PER_SEC", 5),
		GoogleBurst:      getenvInt("GOOGLE_RATE_BURST", 10),
		SampleInterval:   getenvDuration("MONITOR_INTERVAL", 5*time.Second),
		WarnCPU:          getenvFloat("MONITOR_WARN_CPU", 70),
		MaxCPU:           getenvFloat("MONITOR_MAX_CPU", 80),
		WarnMemory:       getenvFloat("MONITOR_WARN_MEMORY", 70),
		MaxMemory:        getenvFloat("MONITOR_MAX_MEMORY", 85),
		MaxConcurrency:   getenvInt("MAX_CONCURRENCY", 4),
		BatchBase:        getenvInt("BATCH_BASE", 50),
		BatchMin:         getenvInt("BATCH_MIN", 10),
		BatchMax:         getenvInt("BATCH_MAX", 200),
		BatchBaseDelay:   getenvDuration("BATCH_BASE_DELAY", 100*time.Millisecond),
		BreakerThreshold: getenvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerWindow:    getenvDuration("BREAKER_WINDOW", 2*time.Minute),
		WebhookURL:       getenv("NOTIFY_WEBHOOK_URL", ""),
		EmailURL:         getenv("NOTIFY_EMAIL_URL", ""),
		NotifyKey:        getenv("NOTIFY_API_KEY", ""),
	}

	fs := flag.NewFlagSet("syncworker", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string (empty runs the in-memory store)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	fs.StringVar(&cfg.Provider, "provider", cfg.Provider, "identity provider: google or mock")
	fs.DurationVar(&cfg.SampleInterval, "monitor-interval", cfg.SampleInterval, "resource sampling interval")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Provider != "mock" && c.Provider != "google" {
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.WarnCPU >= c.MaxCPU || c.WarnMemory >= c.MaxMemory {
		return fmt.Errorf("config: warning thresholds must sit below max thresholds")
	}
	if c.BatchMin < 1 || c.BatchBase < c.BatchMin || c.BatchMax < c.BatchBase {
		return fmt.Errorf("config: batch sizes must satisfy 1 <= min <= base <= max")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
