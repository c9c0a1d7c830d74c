// Package env reads typed settings from environment variables.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the variable or def when unset or blank.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns the variable parsed as an int, or def when unset. A value
// that does not parse is an error.
func Int(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, invalid(key, v, err)
	}
	return n, nil
}

// Dur returns the variable parsed as a duration such as "250ms", or def
// when unset.
func Dur(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, invalid(key, v, err)
	}
	return d, nil
}

// Bool returns the variable parsed as a bool, or def when unset.
func Bool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, invalid(key, v, err)
	}
	return b, nil
}

func invalid(key, value string, err error) error {
	return fmt.Errorf("invalid %s %q: %w", key, value, err)
}
