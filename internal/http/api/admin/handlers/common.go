// Package handlers implements the admin API endpoints.
package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// parseIDParam extracts a numeric :id path parameter.
func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// parseLimit parses a positive result limit.
func parseLimit(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("limit must be positive")
	}
	return n, nil
}

// derefString returns the value or an empty string when nil.
func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
