// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	// Port is the HTTP API listen port.
	Port int

	// MetricsPort serves /metrics on a separate listener when non-zero;
	// zero keeps metrics on the API port.
	MetricsPort int

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// BrokerAddr is the Redis host:port.
	BrokerAddr string

	// BrokerPassword authenticates against Redis when set.
	BrokerPassword string

	// DBPath is the SQLite database file path.
	DBPath string

	// APIKeys maps application id to its API key. Keys starting with "$2"
	// are treated as bcrypt hashes; anything else is compared verbatim.
	APIKeys map[string]string

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string

	// RateLimitWindow is the API rate-limit window.
	RateLimitWindow time.Duration

	// RateLimitMax is the request budget per window per client.
	RateLimitMax int

	// WorkerConcurrency is the per-queue worker default when a queue does
	// not declare maxConcurrentJobs.
	WorkerConcurrency int

	// VisibilityTimeout is the reservation lease duration.
	VisibilityTimeout time.Duration

	// ShutdownGrace bounds the wait for in-flight jobs on shutdown.
	ShutdownGrace time.Duration

	// EventBusCapacity bounds the in-process event buffer.
	EventBusCapacity int

	// SchedulerLease is the leadership lease duration; renewal runs at a
	// third of it.
	SchedulerLease time.Duration

	// Embedding configures the external embedding provider. Vector search
	// endpoints are disabled when BaseURL is empty.
	Embedding EmbeddingConfig
}

// EmbeddingConfig points at an OpenAI-compatible embeddings API.
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Port:              8080,
		LogLevel:          "info",
		BrokerAddr:        "127.0.0.1:6379",
		DBPath:            "/var/lib/mech/mech.db",
		APIKeys:           map[string]string{},
		RateLimitWindow:   time.Minute,
		RateLimitMax:      600,
		WorkerConcurrency: 4,
		VisibilityTimeout: 30 * time.Second,
		ShutdownGrace:     30 * time.Second,
		EventBusCapacity:  4096,
		SchedulerLease:    30 * time.Second,
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	// PORT
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port < 1 || port > 65535 {
			return cfg, fmt.Errorf("invalid PORT value: %q", val)
		}
		cfg.Port = port
	}

	// LOG_LEVEL
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		switch strings.ToLower(val) {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = strings.ToLower(val)
		default:
			return cfg, fmt.Errorf("invalid LOG_LEVEL: must be 'debug', 'info', 'warn', or 'error', got %q", val)
		}
	}

	// BROKER_ADDR
	if val := os.Getenv("BROKER_ADDR"); val != "" {
		cfg.BrokerAddr = val
	}

	// BROKER_PASSWORD
	if val := os.Getenv("BROKER_PASSWORD"); val != "" {
		cfg.BrokerPassword = val
	}

	// METRICS_PORT
	if val := os.Getenv("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port < 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid METRICS_PORT value: %q", val)
		}
		cfg.MetricsPort = port
	}

	// DB_PATH, with DB_URI accepted as an alias. DB_NAME swaps the file
	// name inside the same directory.
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	} else if val := os.Getenv("DB_URI"); val != "" {
		cfg.DBPath = strings.TrimPrefix(val, "file:")
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		name := val
		if !strings.HasSuffix(name, ".db") {
			name += ".db"
		}
		cfg.DBPath = filepath.Join(filepath.Dir(cfg.DBPath), name)
	}

	// API_KEYS: comma-separated app:key pairs.
	if val := os.Getenv("API_KEYS"); val != "" {
		keys, err := parseAPIKeys(val)
		if err != nil {
			return cfg, err
		}
		cfg.APIKeys = keys
	}

	// CORS_ORIGINS
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		for _, origin := range strings.Split(val, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	// RATE_LIMIT_WINDOW_MS
	if val := os.Getenv("RATE_LIMIT_WINDOW_MS"); val != "" {
		d, err := millis(val)
		if err != nil || d < time.Second {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: must be at least 1000, got %q", val)
		}
		cfg.RateLimitWindow = d
	}

	// RATE_LIMIT_MAX_REQUESTS
	if val := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_MAX_REQUESTS value: %q", val)
		}
		cfg.RateLimitMax = n
	}

	// WORKER_CONCURRENCY
	if val := os.Getenv("WORKER_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > 256 {
			return cfg, fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 256, got %q", val)
		}
		cfg.WorkerConcurrency = n
	}

	// VISIBILITY_TIMEOUT_MS
	if val := os.Getenv("VISIBILITY_TIMEOUT_MS"); val != "" {
		d, err := millis(val)
		if err != nil || d < time.Second {
			return cfg, fmt.Errorf("invalid VISIBILITY_TIMEOUT_MS: must be at least 1000, got %q", val)
		}
		cfg.VisibilityTimeout = d
	}

	// SHUTDOWN_GRACE_MS
	if val := os.Getenv("SHUTDOWN_GRACE_MS"); val != "" {
		d, err := millis(val)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid SHUTDOWN_GRACE_MS value: %q", val)
		}
		cfg.ShutdownGrace = d
	}

	// EVENT_BUS_CAPACITY
	if val := os.Getenv("EVENT_BUS_CAPACITY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 16 {
			return cfg, fmt.Errorf("EVENT_BUS_CAPACITY must be at least 16, got %q", val)
		}
		cfg.EventBusCapacity = n
	}

	// SCHEDULER_LEASE_MS
	if val := os.Getenv("SCHEDULER_LEASE_MS"); val != "" {
		d, err := millis(val)
		if err != nil || d < 3*time.Second {
			return cfg, fmt.Errorf("invalid SCHEDULER_LEASE_MS: must be at least 3000, got %q", val)
		}
		cfg.SchedulerLease = d
	}

	// EMBEDDING_PROVIDER_URL / EMBEDDING_PROVIDER_KEY / EMBEDDING_MODEL / EMBEDDING_DIMENSIONS
	if val := os.Getenv("EMBEDDING_PROVIDER_URL"); val != "" {
		cfg.Embedding.BaseURL = strings.TrimRight(val, "/")
	}
	if val := os.Getenv("EMBEDDING_PROVIDER_KEY"); val != "" {
		cfg.Embedding.APIKey = val
	}
	if val := os.Getenv("EMBEDDING_MODEL"); val != "" {
		cfg.Embedding.Model = val
	}
	if val := os.Getenv("EMBEDDING_DIMENSIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > 8192 {
			return cfg, fmt.Errorf("EMBEDDING_DIMENSIONS must be between 1 and 8192, got %q", val)
		}
		cfg.Embedding.Dimensions = n
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.BrokerAddr == "" {
		return fmt.Errorf("BROKER_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("VISIBILITY_TIMEOUT_MS must be at least 1000")
	}
	if c.SchedulerLease < 3*time.Second {
		return fmt.Errorf("SCHEDULER_LEASE_MS must be at least 3000")
	}
	if c.Embedding.BaseURL != "" && c.Embedding.Dimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS is required when EMBEDDING_PROVIDER_URL is set")
	}
	return nil
}

// EmbeddingEnabled reports whether an embedding provider is configured.
func (c *Config) EmbeddingEnabled() bool {
	return c.Embedding.BaseURL != ""
}

func parseAPIKeys(val string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		app, key, ok := strings.Cut(pair, ":")
		if !ok || app == "" || key == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry %q: want app:key", pair)
		}
		keys[app] = key
	}
	return keys, nil
}

func millis(val string) (time.Duration, error) {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
