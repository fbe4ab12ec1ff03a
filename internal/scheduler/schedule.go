package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// FirstRun computes the initial next_run for a newly scheduled task.
// cron: the least matching time strictly after now; interval: now + value
// milliseconds; once: the stored timestamp itself.
func FirstRun(scheduleType, scheduleValue string, now time.Time) (string, error) {
	switch scheduleType {
	case store.ScheduleCron:
		return nextCron(scheduleValue, now)
	case store.ScheduleInterval:
		ms, err := parseIntervalMS(scheduleValue)
		if err != nil {
			return "", err
		}
		return store.FormatTime(now.Add(time.Duration(ms) * time.Millisecond)), nil
	case store.ScheduleOnce:
		at, err := parseOnce(scheduleValue)
		if err != nil {
			return "", err
		}
		return store.FormatTime(at), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// NextAfter computes next_run after a completed execution. The empty string
// with completed=true means the task is finished (once tasks).
func NextAfter(scheduleType, scheduleValue string, now time.Time) (nextRun string, completed bool, err error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := nextCron(scheduleValue, now)
		return next, false, err
	case store.ScheduleInterval:
		ms, err := parseIntervalMS(scheduleValue)
		if err != nil {
			return "", false, err
		}
		return store.FormatTime(now.Add(time.Duration(ms) * time.Millisecond)), false, nil
	case store.ScheduleOnce:
		return "", true, nil
	default:
		return "", false, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

func nextCron(expr string, after time.Time) (string, error) {
	if !gronx.New().IsValid(expr) {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}
	next, err := gronx.NextTickAfter(expr, after.UTC(), false)
	if err != nil {
		return "", fmt.Errorf("cron next tick for %q: %w", expr, err)
	}
	return store.FormatTime(next), nil
}

func parseIntervalMS(value string) (int64, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("interval %q is not a number: %w", value, err)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", ms)
	}
	return ms, nil
}

func parseOnce(value string) (time.Time, error) {
	if t, err := store.ParseTime(value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("once timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
