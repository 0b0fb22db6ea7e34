// Package env reads typed settings from the process environment. A .env file
// in the working directory is loaded first.
package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

var ErrUnset = errors.New("env: variable is not set")

// Lookup returns the trimmed value of envName, or ErrUnset when it is missing
// or blank.
func Lookup(envName string) (string, error) {
	if envName == "" {
		return "", errors.New("env: variable name must not be empty")
	}
	v := strings.TrimSpace(os.Getenv(envName))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrUnset, envName)
	}
	return v, nil
}

// parseOrDefault applies parse to the value of envName and falls back to
// defaultValue when the variable is unset or does not parse.
func parseOrDefault[T any](envName string, defaultValue T, parse func(string) (T, error)) T {
	raw, err := Lookup(envName)
	if err != nil {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func GetEnvStringOrDefault(envName, defaultValue string) string {
	return parseOrDefault(envName, defaultValue, func(s string) (string, error) { return s, nil })
}

func GetEnvBoolOrDefault(envName string, defaultValue bool) bool {
	return parseOrDefault(envName, defaultValue, strconv.ParseBool)
}

func GetEnvIntOrDefault(envName string, defaultValue int) int {
	return parseOrDefault(envName, defaultValue, func(s string) (int, error) {
		n, err := strconv.ParseInt(s, 0, 0)
		return int(n), err
	})
}

func GetEnvFloat64OrDefault(envName string, defaultValue float64) float64 {
	return parseOrDefault(envName, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvDurationOrDefault accepts time.ParseDuration syntax. Negative values
// fall back to the default.
func GetEnvDurationOrDefault(envName string, defaultValue time.Duration) time.Duration {
	return parseOrDefault(envName, defaultValue, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err == nil && d < 0 {
			err = fmt.Errorf("negative duration %s", s)
		}
		return d, err
	})
}

// GetEnvListOrDefault splits a comma separated value, dropping empty items.
func GetEnvListOrDefault(envName string, defaultValue []string) []string {
	return parseOrDefault(envName, defaultValue, func(s string) ([]string, error) {
		var items []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return nil, errors.New("empty list")
		}
		return items, nil
	})
}

// GetEnvIntListOrDefault parses a comma separated list of integers. One bad
// item makes the whole value fall back to the default.
func GetEnvIntListOrDefault(envName string, defaultValue []int) []int {
	raw := GetEnvListOrDefault(envName, nil)
	if raw == nil {
		return defaultValue
	}
	values := make([]int, 0, len(raw))
	for _, item := range raw {
		n, err := strconv.Atoi(item)
		if err != nil {
			return defaultValue
		}
		values = append(values, n)
	}
	return values
}
