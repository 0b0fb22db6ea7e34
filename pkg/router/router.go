// Package router holds the shared fiber plumbing of the admin HTTP server:
// response envelope, error handler, recovery and real-ip middleware.
package router

import (
	"strconv"
	"strings"
)

const DefaultBodyLimit = 1024 * 1024

// NormalizeBaseURL turns "api/", "/api" or "/api/" into "/api" and "" or "/"
// into "".
func NormalizeBaseURL(base string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

// ParseBodyLimit reads sizes like "512K", "8M" or "1G". Invalid input yields
// DefaultBodyLimit.
func ParseBodyLimit(limit string) int {
	limit = strings.TrimSpace(strings.ToUpper(limit))
	if limit == "" {
		return DefaultBodyLimit
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(limit, "K"):
		multiplier = 1024
	case strings.HasSuffix(limit, "M"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(limit, "G"):
		multiplier = 1024 * 1024 * 1024
	}
	if multiplier > 1 {
		limit = limit[:len(limit)-1]
	}
	value, err := strconv.Atoi(strings.TrimSpace(limit))
	if err != nil || value <= 0 {
		return DefaultBodyLimit
	}
	return value * multiplier
}
