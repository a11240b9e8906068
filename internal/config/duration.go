package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration such as "1m30s". path is the
// dotted config key used in errors. An empty value yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	switch d, err := time.ParseDuration(s); {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	default:
		return d, nil
	}
}

// ParseDurationOrDefault is ParseDurationField with def standing in for
// empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
