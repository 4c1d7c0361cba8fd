package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// env reads typed settings. Values that fail to parse fall back to the default
// and are remembered so the caller can report them together.
type env struct {
	invalid []error
}

func (e *env) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *env) reject(key, value string, err error) {
	e.invalid = append(e.invalid, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e *env) intValue(key string, fallback int) int {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.reject(key, value, err)
		return fallback
	}
	return parsed
}

func (e *env) boolValue(key string, fallback bool) bool {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.reject(key, value, err)
		return fallback
	}
	return parsed
}

// durationValue accepts a bare integer counted in unit or a Go duration such as "1m30s".
func (e *env) durationValue(key string, unit, fallback time.Duration) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.reject(key, value, errors.New("want an integer or a duration"))
		return fallback
	}
	return parsed
}

func (e *env) err() error {
	if len(e.invalid) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid values ignored: %w", errors.Join(e.invalid...))
}
