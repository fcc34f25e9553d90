package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseMaxDuration parses the compact job duration limit format: a
// positive integer followed by exactly one unit character.
//
//	"30m" -> 30 minutes
//	"2h"  -> 2 hours
//	"7d"  -> 7 days
//
// This is deliberately NOT time.ParseDuration: the compact form is part
// of the external job API, and Go's parser accepts shapes the API
// rejects ("90s", "1h30m") while rejecting "7d".
func ParseMaxDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format: %q (use 30m, 2h, 24h, 7d)", raw)
	}

	unit := s[len(s)-1]
	num := s[:len(s)-1]
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format: %q (use 30m, 2h, 24h, 7d)", raw)
	}
	if n == 0 {
		return 0, fmt.Errorf("duration must be positive: %q", raw)
	}

	var mult time.Duration
	switch unit {
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration format: %q (use 30m, 2h, 24h, 7d)", raw)
	}

	return time.Duration(n) * mult, nil
}

// ParseDurationField parses an optional Go duration string from config.
// Empty means "unset" (returns 0 with no error).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
