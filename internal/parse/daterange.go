package parse

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var dayRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DateRange is a half-open interval [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

// Empty reports whether the range contains no instant.
func (r DateRange) Empty() bool {
	return !r.From.Before(r.To)
}

// ParseDateRange reads the from and to query values. A bare date
// (YYYY-MM-DD) is a whole day in loc, inclusive on both ends; anything
// else must be RFC3339. A missing bound defaults to today.
func ParseDateRange(from, to string, now time.Time, loc *time.Location) (DateRange, error) {
	today := now.In(loc)
	y, m, d := today.Date()
	startOfToday := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var r DateRange
	var err error
	if r.From, err = parseBound(from, loc, startOfToday, false); err != nil {
		return DateRange{}, fmt.Errorf("invalid from: %w", err)
	}
	if r.To, err = parseBound(to, loc, startOfToday.AddDate(0, 0, 1), true); err != nil {
		return DateRange{}, fmt.Errorf("invalid to: %w", err)
	}
	return r, nil
}

func parseBound(raw string, loc *time.Location, fallback time.Time, upper bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if dayRe.MatchString(raw) {
		day, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			return time.Time{}, err
		}
		if upper {
			day = day.AddDate(0, 0, 1)
		}
		return day, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", raw)
	}
	return t, nil
}
