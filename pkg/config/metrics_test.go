package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadMetricsConfigDefaults(t *testing.T) {
	for _, key := range []string{"METRICS_ADDR", "METRICS_STORE", "METRICS_FSYNC", "WRITE_TIMEOUT_SECONDS", "REDIS_STREAM_PREFIX"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadMetricsConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Addr != ":4100" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.Store != StoreFile || !cfg.Fsync {
		t.Fatalf("unexpected store settings %q fsync=%v", cfg.Store, cfg.Fsync)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout %v", cfg.WriteTimeout)
	}
	if cfg.RedisStreamPrefix != "flowmetrics:metrics:" {
		t.Fatalf("unexpected stream prefix %q", cfg.RedisStreamPrefix)
	}
}

func TestLoadMetricsConfigOverrides(t *testing.T) {
	t.Setenv("METRICS_STORE", " Redis ")
	t.Setenv("METRICS_FSYNC", "false")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("WRITE_TIMEOUT_SECONDS", "12")

	cfg, err := LoadMetricsConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreRedis {
		t.Fatalf("expected redis store, got %q", cfg.Store)
	}
	if cfg.Fsync {
		t.Fatal("expected fsync disabled")
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("unexpected redis db %d", cfg.RedisDB)
	}
	if cfg.WriteTimeout != 12*time.Second {
		t.Fatalf("unexpected write timeout %v", cfg.WriteTimeout)
	}
}

func TestLoadMetricsConfigReportsInvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "twelve")
	t.Setenv("METRICS_FSYNC", "maybe")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "90s")

	cfg, err := LoadMetricsConfig()
	if err == nil {
		t.Fatal("expected invalid values reported")
	}
	for _, key := range []string{"REDIS_DB", "METRICS_FSYNC"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
	if strings.Contains(err.Error(), "RATE_LIMIT_WINDOW_SECONDS") {
		t.Fatalf("duration syntax must be accepted: %v", err)
	}
	if cfg.RedisDB != 0 || !cfg.Fsync {
		t.Fatalf("expected defaults kept, got db=%d fsync=%v", cfg.RedisDB, cfg.Fsync)
	}
	if cfg.RateLimitWindow != 90*time.Second {
		t.Fatalf("unexpected window %v", cfg.RateLimitWindow)
	}
}

func TestValidateRejectsUnusableStore(t *testing.T) {
	cases := []struct {
		name string
		cfg  MetricsConfig
		want string
	}{
		{"unknown store", MetricsConfig{Store: "s3", WriteTimeout: time.Second, RateLimitWindow: time.Minute}, "METRICS_STORE"},
		{"postgres without url", MetricsConfig{Store: StorePostgres, WriteTimeout: time.Second, RateLimitWindow: time.Minute}, "DATABASE_URL"},
		{"redis without addr", MetricsConfig{Store: StoreRedis, WriteTimeout: time.Second, RateLimitWindow: time.Minute}, "REDIS_ADDR"},
		{"zero timeout", MetricsConfig{Store: StoreFile, DataDir: "d", RateLimitWindow: time.Minute}, "WRITE_TIMEOUT_SECONDS"},
		{"negative limit", MetricsConfig{Store: StoreFile, DataDir: "d", WriteTimeout: time.Second, RateLimitWindow: time.Minute, ReadRateLimit: -1}, "rate limits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
