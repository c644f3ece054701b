package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses an "HH:MM" time of day into minutes after midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("scheduler: invalid time of day %q", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("scheduler: invalid time of day %q", s)
	}
	return hh*60 + mm, nil
}

// NextOccurrence returns the earliest instant at or after t that falls on one
// of the given times of day (UTC). Unparseable entries are skipped; ok is
// false when none are valid.
func NextOccurrence(times []string, t time.Time) (next time.Time, ok bool) {
	t = t.UTC()
	var mins []int
	for _, s := range times {
		if m, err := ParseClock(s); err == nil {
			mins = append(mins, m)
		}
	}
	if len(mins) == 0 {
		return time.Time{}, false
	}
	slices.Sort(mins)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for _, d := range []time.Time{day, day.AddDate(0, 0, 1)} {
		for _, m := range mins {
			at := d.Add(time.Duration(m) * time.Minute)
			if !at.Before(t) {
				return at, true
			}
		}
	}
	return time.Time{}, false
}

// Due returns the configured times of day that fall in (prev, now], formatted
// as given. The tick scheduler uses it to find windows crossed since its last
// tick.
func Due(times []string, prev, now time.Time) []string {
	var out []string
	for _, s := range times {
		m, err := ParseClock(s)
		if err != nil {
			continue
		}
		// Check today's and yesterday's occurrence so a tick just after
		// midnight still sees a late-evening window.
		day := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
		for _, d := range []time.Time{day.AddDate(0, 0, -1), day} {
			at := d.Add(time.Duration(m) * time.Minute)
			if at.After(prev) && !at.After(now) {
				out = append(out, strings.TrimSpace(s))
				break
			}
		}
	}
	return out
}
