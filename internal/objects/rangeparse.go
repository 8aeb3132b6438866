package objects

import (
	"strconv"
	"strings"
)

// ParseRange parses a Range header against an object of size bytes and
// returns the inclusive window to serve.
//
// Only a single "bytes=<start>-<end?>" range is honoured. start must be
// below size; end, when present, must be at least start and is clamped to
// size-1. Multiple ranges, suffix ranges and other units are reported as
// ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (start, end int64, err error) {
	rangeSet, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(rangeSet, ",") {
		return 0, 0, ErrRangeNotSatisfiable
	}
	first, last, ok := strings.Cut(strings.TrimSpace(rangeSet), "-")
	if !ok {
		return 0, 0, ErrRangeNotSatisfiable
	}

	start, ok = parseDigits(first)
	if !ok || start >= size {
		return 0, 0, ErrRangeNotSatisfiable
	}

	end = size - 1
	if last != "" {
		requested, ok := parseDigits(last)
		if !ok || requested < start {
			return 0, 0, ErrRangeNotSatisfiable
		}
		end = min(requested, size-1)
	}
	return start, end, nil
}

// parseDigits accepts only ASCII digits; no sign, no whitespace.
func parseDigits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
