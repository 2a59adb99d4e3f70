// Package schedule computes pipeline fire times from cron expressions.
// All functions are pure: the same (expression, timezone, after) triple
// always yields the same result.
package schedule

import (
	"errors"
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// ErrMalformedSchedule is returned for cron expressions or timezones that
// cannot be parsed. Invalid schedules never silently default.
var ErrMalformedSchedule = errors.New("malformed schedule")

// Standard 5-field cron (minute hour dom month dow) plus @hourly-style
// descriptors.
var parser = cronv3.NewParser(
	cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// NextRun returns the next fire time strictly after 'after', evaluated in
// the given timezone and returned in UTC.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, loc, err := parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// IsDue reports whether a schedule with the given last fire time should
// fire at or before now.
func IsDue(expr, timezone string, lastRun, now time.Time) (bool, error) {
	next, err := NextRun(expr, timezone, lastRun)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// Validate checks an expression/timezone pair without computing anything.
func Validate(expr, timezone string) error {
	_, _, err := parse(expr, timezone)
	return err
}

func parse(expr, timezone string) (cronv3.Schedule, *time.Location, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %v", ErrMalformedSchedule, expr, err)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown timezone %q", ErrMalformedSchedule, timezone)
	}
	return sched, loc, nil
}
