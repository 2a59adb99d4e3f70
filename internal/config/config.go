// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string. Empty selects the in-memory store,
	// which is for local development only.
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Worker identity and tuning
	WorkerID           string
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerRunTimeout   time.Duration

	// Controller background loops
	ScheduleInterval  time.Duration
	LockSweepInterval time.Duration
	LockStaleAfter    time.Duration

	// Optional webhook target for run lifecycle events
	WebhookURL string

	// OTLP collector address for traces; empty disables tracing export
	OTLPEndpoint string
}

// Load reads configuration from the environment, after loading a .env file
// if one is present in the working directory.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		WorkerID:           os.Getenv("WORKER_ID"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		HTTPPort:           7070,
		WorkerConcurrency:  4,
		WorkerPollInterval: 1 * time.Second,
		WorkerRunTimeout:   30 * time.Minute,
		ScheduleInterval:   30 * time.Second,
		LockSweepInterval:  1 * time.Minute,
		LockStaleAfter:     30 * time.Minute,
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("WORKER_ID not set and hostname unavailable: %w", err)
		}
		cfg.WorkerID = host
	}

	var err error
	if cfg.HTTPPort, err = intVar("PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = intVar("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.WorkerPollInterval, err = durationVar("WORKER_POLL_INTERVAL", cfg.WorkerPollInterval); err != nil {
		return nil, err
	}
	if cfg.WorkerRunTimeout, err = durationVar("WORKER_RUN_TIMEOUT", cfg.WorkerRunTimeout); err != nil {
		return nil, err
	}
	if cfg.ScheduleInterval, err = durationVar("SCHEDULE_INTERVAL", cfg.ScheduleInterval); err != nil {
		return nil, err
	}
	if cfg.LockSweepInterval, err = durationVar("LOCK_SWEEP_INTERVAL", cfg.LockSweepInterval); err != nil {
		return nil, err
	}
	if cfg.LockStaleAfter, err = durationVar("LOCK_STALE_AFTER", cfg.LockStaleAfter); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intVar(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationVar(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
