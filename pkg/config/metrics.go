package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage backends selectable through METRICS_STORE.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// MetricsConfig holds runtime configuration for the metrics service.
type MetricsConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	Store              string
	DataDir            string
	Fsync              bool
	DatabaseURL        string
	MigrationsDir      string // empty uses the migrations bundled in the binary
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisStreamPrefix  string
	EngineToken        string
	JWTSecret          string
	ReadTokenTTL       time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	WriteRateLimit     int
	ReadRateLimit      int
	RateLimitWindow    time.Duration
	WriteTimeout       time.Duration
}

// LoadMetricsConfig constructs a MetricsConfig from environment variables.
// Unparseable values keep their defaults and are reported in the returned
// error; the config is usable either way.
func LoadMetricsConfig() (MetricsConfig, error) {
	e := &env{}
	cfg := MetricsConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("METRICS_ADDR", ":4100"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Store:              strings.ToLower(strings.TrimSpace(GetString("METRICS_STORE", StoreFile))),
		DataDir:            GetString("METRICS_DATA_DIR", "./data/metrics"),
		Fsync:              e.boolValue("METRICS_FSYNC", true),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://flowmetrics:flowmetrics@db:5432/flowmetrics?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		RedisAddr:          GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            e.intValue("REDIS_DB", 0),
		RedisStreamPrefix:  GetString("REDIS_STREAM_PREFIX", "flowmetrics:metrics:"),
		EngineToken:        GetString("ENGINE_TOKEN", ""),
		JWTSecret:          GetString("JWT_SECRET", ""),
		ReadTokenTTL:       e.durationValue("READ_TOKEN_TTL_MIN", time.Minute, time.Hour),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   e.intValue("RATE_LIMIT_REDIS_DB", 0),
		WriteRateLimit:     e.intValue("WRITE_RATE_LIMIT", 0),
		ReadRateLimit:      e.intValue("READ_RATE_LIMIT", 120),
		RateLimitWindow:    e.durationValue("RATE_LIMIT_WINDOW_SECONDS", time.Second, time.Minute),
		WriteTimeout:       e.durationValue("WRITE_TIMEOUT_SECONDS", time.Second, 5*time.Second),
	}
	return cfg, e.err()
}

// Validate reports settings the selected store cannot run with.
func (c MetricsConfig) Validate() error {
	var problems []error
	switch c.Store {
	case StoreFile:
		if strings.TrimSpace(c.DataDir) == "" {
			problems = append(problems, errors.New("METRICS_DATA_DIR required for the file store"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, errors.New("DATABASE_URL required for the postgres store"))
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, errors.New("REDIS_ADDR required for the redis store"))
		}
	default:
		problems = append(problems, fmt.Errorf("METRICS_STORE %q unknown (want %s, %s or %s)", c.Store, StoreFile, StorePostgres, StoreRedis))
	}
	if c.WriteTimeout <= 0 {
		problems = append(problems, errors.New("WRITE_TIMEOUT_SECONDS must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		problems = append(problems, errors.New("RATE_LIMIT_WINDOW_SECONDS must be positive"))
	}
	if c.WriteRateLimit < 0 || c.ReadRateLimit < 0 {
		problems = append(problems, errors.New("rate limits must not be negative"))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(problems...))
}
