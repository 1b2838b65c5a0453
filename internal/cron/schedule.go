package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/marubot/maru/pkg/models"
)

// 5-field expressions plus @daily-style descriptors.
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// ValidateSchedule rejects schedules the scheduler could never fire.
func ValidateSchedule(s models.CronSchedule) error {
	switch s.Kind {
	case models.ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule missing timestamp")
		}
	case models.ScheduleEvery:
		if s.EveryMs < 1000 {
			return fmt.Errorf("every schedule interval below 1s")
		}
	case models.ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextRun computes the next fire instant in unix millis after a run at
// lastMs (zero for a job that has never fired). ok=false means the job
// has no further runs.
func NextRun(s models.CronSchedule, lastMs int64, now time.Time) (int64, bool, error) {
	switch s.Kind {
	case models.ScheduleAt:
		if lastMs != 0 {
			return 0, false, nil
		}
		return s.AtMs, true, nil

	case models.ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false, fmt.Errorf("every schedule missing interval")
		}
		next := lastMs + s.EveryMs
		if lastMs == 0 {
			if s.AtMs > 0 {
				next = s.AtMs
			} else {
				next = now.UnixMilli() + s.EveryMs
			}
		}
		// A stale job catches up with a single fire, not a burst.
		for next <= now.UnixMilli()-s.EveryMs {
			next += s.EveryMs
		}
		return next, true, nil

	case models.ScheduleCron:
		schedule, err := cronParser.Parse(s.Expr)
		if err != nil {
			return 0, false, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := now.Location()
		if s.TZ != "" {
			if tz, err := time.LoadLocation(s.TZ); err == nil {
				loc = tz
			}
		}
		next := schedule.Next(now.In(loc))
		if next.IsZero() {
			return 0, false, nil
		}
		return next.UnixMilli(), true, nil

	default:
		return 0, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
