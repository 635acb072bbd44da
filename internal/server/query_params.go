package server

import (
	"strconv"
	"strings"
)

const maxPageSize = 250

func parsePageSize(value string) (int32, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 32)
	if err != nil || parsed < 0 {
		return 0, newValidationError("page_size", "invalid_page_size", "page_size must be a positive integer")
	}
	if parsed > maxPageSize {
		parsed = maxPageSize
	}
	return int32(parsed), nil
}
