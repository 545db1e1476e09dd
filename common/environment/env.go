// Package environment reads configuration values from environment variables.
//
// Every helper accepts a list of variable names and returns the value of the
// first one that is set and non-empty. This lets a setting carry its canonical
// HASHI_* name alongside the shorter legacy names older deployments export
// (APPID, SECRET, KEY, ...).
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the first non-empty value among names, together with the
// name it was read from. ok is false when none of them is set.
func Lookup(names ...string) (value, from string, ok bool) {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v, n, true
		}
	}
	return "", "", false
}

// StringOr returns the first non-empty value among names, or defaultValue.
func StringOr(defaultValue string, names ...string) string {
	if v, _, ok := Lookup(names...); ok {
		return v
	}
	return defaultValue
}

// RequiredString returns the first non-empty value among names or an error
// naming the canonical (first) variable.
func RequiredString(names ...string) (string, error) {
	if v, _, ok := Lookup(names...); ok {
		return v, nil
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no environment variable name given")
	}
	return "", fmt.Errorf("required environment variable %q is not set", names[0])
}

// IntOr parses the first set variable as a decimal integer. A value that does
// not parse yields an error rather than silently falling back, so a typo in a
// budget or port never goes unnoticed.
func IntOr(defaultValue int, names ...string) (int, error) {
	v, from, ok := Lookup(names...)
	if !ok {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", from, v)
	}
	return n, nil
}

// BoolOr parses the first set variable with strconv.ParseBool.
func BoolOr(defaultValue bool, names ...string) (bool, error) {
	v, from, ok := Lookup(names...)
	if !ok {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", from, v)
	}
	return b, nil
}

// DurationOr parses the first set variable as a time.Duration ("50s", "5m").
func DurationOr(defaultValue time.Duration, names ...string) (time.Duration, error) {
	v, from, ok := Lookup(names...)
	if !ok {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", from, v)
	}
	return d, nil
}

// StringSliceOr splits the first set variable on commas, trimming blanks.
func StringSliceOr(defaultValue []string, names ...string) []string {
	v, _, ok := Lookup(names...)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
