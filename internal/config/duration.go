package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration reads a Go duration string for the config key. Blank or
// zero values yield def; negative values are rejected.
func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
