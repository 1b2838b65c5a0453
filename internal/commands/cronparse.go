package commands

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/marubot/maru/pkg/models"
)

var (
	relMinutesRe = regexp.MustCompile(`^(\d+)분\s*후\s+(.+)$`)
	relHoursRe   = regexp.MustCompile(`^(\d+)시간\s*후\s+(.+)$`)
	clockRe      = regexp.MustCompile(`^(내일\s+)?(오전|오후)\s*(\d{1,2})시(?:\s*(\d{1,2})분)?\s+(.+)$`)
)

// parseCronAdd turns "/cron add <args>" into a schedule plus the message
// to deliver. Accepts structured grammar (every/at/cron) and Korean
// relative or clock expressions.
func parseCronAdd(args string, now time.Time, tz *time.Location) (models.CronSchedule, string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return models.CronSchedule{}, "", fmt.Errorf("schedule is required")
	}

	head, rest := splitArgs(args)
	switch head {
	case "every":
		durWord, msg := splitArgs(rest)
		dur, err := time.ParseDuration(durWord)
		if err != nil {
			return models.CronSchedule{}, "", fmt.Errorf("invalid interval %q", durWord)
		}
		if dur < time.Second {
			return models.CronSchedule{}, "", fmt.Errorf("interval below 1s")
		}
		if strings.TrimSpace(msg) == "" {
			return models.CronSchedule{}, "", fmt.Errorf("message is required")
		}
		return models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: dur.Milliseconds()}, msg, nil

	case "at":
		at, msg, err := parseAtArgs(rest, tz)
		if err != nil {
			return models.CronSchedule{}, "", err
		}
		if strings.TrimSpace(msg) == "" {
			return models.CronSchedule{}, "", fmt.Errorf("message is required")
		}
		return models.CronSchedule{Kind: models.ScheduleAt, AtMs: at.UnixMilli()}, msg, nil

	case "cron":
		fields := strings.Fields(rest)
		if len(fields) < 6 {
			return models.CronSchedule{}, "", fmt.Errorf("cron schedule needs 5 fields and a message")
		}
		expr := strings.Join(fields[:5], " ")
		rest := fields[5:]
		zone := tz.String()
		if len(rest) >= 2 && strings.EqualFold(rest[0], "tz") {
			zone = rest[1]
			rest = rest[2:]
		}
		if len(rest) == 0 {
			return models.CronSchedule{}, "", fmt.Errorf("message is required")
		}
		return models.CronSchedule{Kind: models.ScheduleCron, Expr: expr, TZ: zone},
			strings.Join(rest, " "), nil
	}

	if sched, msg, ok := parseKoreanSchedule(args, now, tz); ok {
		return sched, msg, nil
	}
	return models.CronSchedule{}, "", fmt.Errorf("unrecognized schedule: %s", args)
}

// parseAtArgs consumes a timestamp off the front of args: RFC3339 in one
// token, or "2006-01-02 15:04" in two.
func parseAtArgs(args string, tz *time.Location) (time.Time, string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return time.Time{}, "", fmt.Errorf("at schedule needs a time")
	}
	if at, err := time.Parse(time.RFC3339, fields[0]); err == nil {
		return at, strings.Join(fields[1:], " "), nil
	}
	if len(fields) >= 2 {
		if at, err := time.ParseInLocation("2006-01-02 15:04", fields[0]+" "+fields[1], tz); err == nil {
			return at, strings.Join(fields[2:], " "), nil
		}
	}
	return time.Time{}, "", fmt.Errorf("invalid time %q", fields[0])
}

func parseKoreanSchedule(args string, now time.Time, tz *time.Location) (models.CronSchedule, string, bool) {
	if m := relMinutesRe.FindStringSubmatch(args); m != nil {
		n, _ := strconv.Atoi(m[1])
		at := now.Add(time.Duration(n) * time.Minute)
		return models.CronSchedule{Kind: models.ScheduleAt, AtMs: at.UnixMilli()}, m[2], true
	}
	if m := relHoursRe.FindStringSubmatch(args); m != nil {
		n, _ := strconv.Atoi(m[1])
		at := now.Add(time.Duration(n) * time.Hour)
		return models.CronSchedule{Kind: models.ScheduleAt, AtMs: at.UnixMilli()}, m[2], true
	}
	if m := clockRe.FindStringSubmatch(args); m != nil {
		tomorrow := m[1] != ""
		hour, _ := strconv.Atoi(m[3])
		minute := 0
		if m[4] != "" {
			minute, _ = strconv.Atoi(m[4])
		}
		if hour > 12 || minute > 59 {
			return models.CronSchedule{}, "", false
		}
		if m[2] == "오후" && hour != 12 {
			hour += 12
		}
		if m[2] == "오전" && hour == 12 {
			hour = 0
		}

		local := now.In(tz)
		at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, tz)
		if tomorrow {
			at = at.AddDate(0, 0, 1)
		} else if !at.After(now) {
			// Past clock times roll to the next day.
			at = at.AddDate(0, 0, 1)
		}
		return models.CronSchedule{Kind: models.ScheduleAt, AtMs: at.UnixMilli()}, m[5], true
	}
	return models.CronSchedule{}, "", false
}
