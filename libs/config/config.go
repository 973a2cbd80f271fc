package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func RequiredString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}


func Int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// MinutesList reads a comma-separated list of positive minute counts and
// returns them as durations. Junk and non-positive entries are skipped; an
// empty result falls back to parsing the fallback value.
func MinutesList(key, fallback string) []time.Duration {
	out := parseMinutes(os.Getenv(key))
	if len(out) == 0 {
		out = parseMinutes(fallback)
	}
	return out
}

func parseMinutes(raw string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		mins, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || mins <= 0 {
			continue
		}
		out = append(out, time.Duration(mins)*time.Minute)
	}
	return out
}

func Bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
