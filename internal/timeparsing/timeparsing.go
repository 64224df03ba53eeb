// Package timeparsing turns operator-supplied time expressions into
// instants and durations. It accepts RFC 3339 timestamps, compact
// relative offsets ("+6h", "+1d", "+2w"), Go durations, and natural
// language ("in 5 minutes", "tomorrow at noon") via olebedev/when.
package timeparsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var nlParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseInstant resolves expr to an absolute time relative to now.
// Resolution order: RFC 3339, compact offset, Go duration (treated as an
// offset), natural language.
func ParseInstant(now time.Time, expr string) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if t, err := time.Parse(time.RFC3339Nano, expr); err == nil {
		return t, nil
	}
	if t, err := parseCompactOffset(now, expr); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(expr, "+")); err == nil {
		return now.Add(d), nil
	}

	res, err := nlParser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", expr, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression %q", expr)
	}
	return res.Time, nil
}

// parseCompactOffset handles "+<n><unit>" where unit is h, d, w, m, or y.
// Months and years use calendar arithmetic, not fixed-length durations.
func parseCompactOffset(now time.Time, expr string) (time.Time, error) {
	if !strings.HasPrefix(expr, "+") || len(expr) < 3 {
		return time.Time{}, fmt.Errorf("not a compact offset: %q", expr)
	}
	unit := expr[len(expr)-1]
	n, err := strconv.Atoi(expr[1 : len(expr)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("not a compact offset: %q", expr)
	}
	switch unit {
	case 'h':
		return now.Add(time.Duration(n) * time.Hour), nil
	case 'd':
		return now.AddDate(0, 0, n), nil
	case 'w':
		return now.AddDate(0, 0, 7*n), nil
	case 'm':
		return now.AddDate(0, n, 0), nil
	case 'y':
		return now.AddDate(n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown offset unit %q in %q", unit, expr)
}

// ParseTTL parses a message time-to-be-received. Accepts Go durations and
// compact day/week forms ("2d", "1w").
func ParseTTL(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", expr)
		}
		return d, nil
	}
	unit := expr[len(expr)-1]
	if n, err := strconv.Atoi(expr[:len(expr)-1]); err == nil && n > 0 {
		switch unit {
		case 'd':
			return time.Duration(n) * 24 * time.Hour, nil
		case 'w':
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}
	return 0, fmt.Errorf("unrecognized duration %q", expr)
}
