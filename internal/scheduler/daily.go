package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// nextDailyOccurrence returns the delay from now until the next local
// occurrence of hhmm. A time before now rolls to tomorrow; a time equal to
// now is due immediately.
func nextDailyOccurrence(now time.Time, hhmm string) (time.Duration, error) {
	hh, mm, err := parseClock(hhmm)
	if err != nil {
		return 0, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if next.Before(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now), nil
}

func parseClock(s string) (int, int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || len(m) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh, mm, nil
}
