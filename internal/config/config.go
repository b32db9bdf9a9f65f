// Package config handles environment variable loading for the daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the daemon.
type Config struct {
	// Address the execution API listens on
	HTTPAddr string

	// Address the dedicated metrics server listens on
	MetricsAddr string

	// Maximum number of simultaneously running commands
	Concurrency int

	// Spawns per second accepted before new executions are rejected
	// (0 disables rate limiting)
	SpawnRate float64

	// Burst allowance for the spawn rate limiter
	SpawnBurst int

	// How long finished executions remain queryable
	Retention time.Duration

	// Bytes of command output kept per execution
	OutputTail int

	// OTLP collector address for tracing (empty disables tracing)
	OTELEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:    ":7070",
		MetricsAddr: ":7071",
		Concurrency: 4,
		Retention:   5 * time.Minute,
		OutputTail:  64 * 1024,
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if s := os.Getenv("CONCURRENCY"); s != "" {
		c, err := strconv.Atoi(s)
		if err != nil || c <= 0 {
			return nil, fmt.Errorf("invalid CONCURRENCY: %q", s)
		}
		cfg.Concurrency = c
	}

	if s := os.Getenv("SPAWN_RATE"); s != "" {
		r, err := strconv.ParseFloat(s, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("invalid SPAWN_RATE: %q", s)
		}
		cfg.SpawnRate = r
	}

	if s := os.Getenv("SPAWN_BURST"); s != "" {
		b, err := strconv.Atoi(s)
		if err != nil || b < 0 {
			return nil, fmt.Errorf("invalid SPAWN_BURST: %q", s)
		}
		cfg.SpawnBurst = b
	}

	if s := os.Getenv("RETENTION"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RETENTION: %q", s)
		}
		cfg.Retention = d
	}

	if s := os.Getenv("OUTPUT_TAIL"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid OUTPUT_TAIL: %q", s)
		}
		cfg.OutputTail = n
	}

	cfg.OTELEndpoint = os.Getenv("OTEL_ENDPOINT")

	return cfg, nil
}
