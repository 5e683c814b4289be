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

package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.EventBusCapacity != 4096 || cfg.SchedulerLease != 30*time.Second {
		t.Errorf("defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.EmbeddingEnabled() {
		t.Error("embedding enabled without provider URL")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BROKER_ADDR", "redis:6379")
	t.Setenv("DB_PATH", "/tmp/mech.db")
	t.Setenv("API_KEYS", "app-1:key1, app-2:key2")
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "5000")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "50")
	t.Setenv("SHUTDOWN_GRACE_MS", "1500")
	t.Setenv("EMBEDDING_PROVIDER_URL", "https://api.example.test/v1/")
	t.Setenv("EMBEDDING_DIMENSIONS", "768")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.LogLevel != "debug" || cfg.BrokerAddr != "redis:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.APIKeys, map[string]string{"app-1": "key1", "app-2": "key2"}) {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.test" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitWindow != 5*time.Second || cfg.RateLimitMax != 50 {
		t.Errorf("rate limit = %v/%d", cfg.RateLimitWindow, cfg.RateLimitMax)
	}
	if cfg.ShutdownGrace != 1500*time.Millisecond {
		t.Errorf("shutdown grace = %v", cfg.ShutdownGrace)
	}
	if cfg.Embedding.BaseURL != "https://api.example.test/v1" {
		t.Errorf("embedding url = %q", cfg.Embedding.BaseURL)
	}
	if cfg.Embedding.Dimensions != 768 || !cfg.EmbeddingEnabled() {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestDatabaseEnvAliases(t *testing.T) {
	t.Run("DB_URI stands in for DB_PATH", func(t *testing.T) {
		t.Setenv("DB_URI", "file:/data/queue.db")
		cfg, err := LoadFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DBPath != "/data/queue.db" {
			t.Errorf("dbPath = %q", cfg.DBPath)
		}
	})

	t.Run("DB_NAME swaps the file name", func(t *testing.T) {
		t.Setenv("DB_URI", "/data/mech.db")
		t.Setenv("DB_NAME", "jobs")
		cfg, err := LoadFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DBPath != "/data/jobs.db" {
			t.Errorf("dbPath = %q", cfg.DBPath)
		}
	})

	t.Run("DB_PATH wins over DB_URI", func(t *testing.T) {
		t.Setenv("DB_PATH", "/explicit/mech.db")
		t.Setenv("DB_URI", "/alias/mech.db")
		cfg, err := LoadFromEnv()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DBPath != "/explicit/mech.db" {
			t.Errorf("dbPath = %q", cfg.DBPath)
		}
	})
}

func TestMetricsPort(t *testing.T) {
	t.Setenv("METRICS_PORT", "9100")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MetricsPort != 9100 {
		t.Errorf("metricsPort = %d", cfg.MetricsPort)
	}

	t.Setenv("METRICS_PORT", "notaport")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "METRICS_PORT") {
		t.Errorf("bad METRICS_PORT accepted: %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, val, want string
	}{
		{"PORT", "0", "PORT"},
		{"PORT", "notaport", "PORT"},
		{"LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"API_KEYS", "missing-key", "API_KEYS"},
		{"RATE_LIMIT_WINDOW_MS", "10", "RATE_LIMIT_WINDOW_MS"},
		{"RATE_LIMIT_MAX_REQUESTS", "0", "RATE_LIMIT_MAX_REQUESTS"},
		{"WORKER_CONCURRENCY", "0", "WORKER_CONCURRENCY"},
		{"VISIBILITY_TIMEOUT_MS", "5", "VISIBILITY_TIMEOUT_MS"},
		{"EVENT_BUS_CAPACITY", "2", "EVENT_BUS_CAPACITY"},
		{"SCHEDULER_LEASE_MS", "100", "SCHEDULER_LEASE_MS"},
		{"EMBEDDING_DIMENSIONS", "0", "EMBEDDING_DIMENSIONS"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestValidateCrossFields(t *testing.T) {
	cfg := Default()
	cfg.Embedding.BaseURL = "https://api.example.test"
	cfg.Embedding.Dimensions = 0
	if err := cfg.Validate(); err == nil {
		t.Error("embedding without dimensions accepted")
	}

	cfg = Default()
	cfg.BrokerAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty broker addr accepted")
	}
}
