package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marubot/maru/pkg/models"
)

// CronService is the scheduler surface the cron tool drives.
type CronService interface {
	Add(ctx context.Context, job *models.CronJob) (*models.CronJob, error)
	List(ctx context.Context) ([]*models.CronJob, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// CronTool lets the agent manage scheduled jobs. New jobs default their
// delivery target to the conversation the call came from.
type CronTool struct {
	service CronService

	mu      sync.Mutex
	channel models.Provider
	chatID  string
}

func NewCronTool(service CronService) *CronTool { return &CronTool{service: service} }

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Add, list, or remove scheduled jobs. Schedules: every=<duration>, at=<RFC3339>, or cron=<5-field expr>."
}

func (t *CronTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"action":  map[string]any{"type": "string", "description": "One of: add, list, remove."},
		"name":    map[string]any{"type": "string", "description": "Job name (add)."},
		"message": map[string]any{"type": "string", "description": "Message delivered or objective run when the job fires (add)."},
		"every":   map[string]any{"type": "string", "description": "Interval like 10m or 1h30m (add)."},
		"at":      map[string]any{"type": "string", "description": "One-shot time, RFC3339 or '2006-01-02 15:04' (add)."},
		"cron":    map[string]any{"type": "string", "description": "5-field cron expression (add)."},
		"tz":      map[string]any{"type": "string", "description": "IANA timezone for cron/at, defaults to Asia/Seoul."},
		"agent_turn": map[string]any{
			"type":        "boolean",
			"description": "Run the message as an agent objective instead of delivering it verbatim (add).",
		},
		"delete_after_run": map[string]any{"type": "boolean", "description": "Remove a one-shot job after it fires (add)."},
		"id":               map[string]any{"type": "string", "description": "Job id (remove)."},
	}, "action")
}

func (t *CronTool) SetRuntimeContext(channel models.Provider, chatID, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *CronTool) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error) {
	switch strings.ToLower(stringParam(params, "action")) {
	case "add":
		return t.add(ctx, params, execCtx)
	case "list":
		return t.list(ctx)
	case "remove":
		id := stringParam(params, "id")
		if id == "" {
			return "", fmt.Errorf("id is required for remove")
		}
		removed, err := t.service.Remove(ctx, id)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("no job with id %s", id), nil
		}
		return fmt.Sprintf("removed job %s", id), nil
	default:
		return "", fmt.Errorf("unknown cron action %q", stringParam(params, "action"))
	}
}

func (t *CronTool) add(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error) {
	message := stringParam(params, "message")
	if message == "" {
		return "", fmt.Errorf("message is required for add")
	}
	name := stringParam(params, "name")
	if name == "" {
		name = message
		if len(name) > 40 {
			name = name[:40]
		}
	}

	schedule, err := parseToolSchedule(params)
	if err != nil {
		return "", err
	}

	channel, chatID := execCtx.Channel, execCtx.ChatID
	if channel == "" || chatID == "" {
		t.mu.Lock()
		channel, chatID = t.channel, t.chatID
		t.mu.Unlock()
	}

	payloadKind := models.CronSystemEvent
	if b, _ := params["agent_turn"].(bool); b {
		payloadKind = models.CronAgentTurn
	}
	deleteAfter, _ := params["delete_after_run"].(bool)
	if schedule.Kind == models.ScheduleAt {
		deleteAfter = true
	}

	job := &models.CronJob{
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload: models.CronPayload{
			Kind:    payloadKind,
			Message: message,
			Deliver: true,
			Channel: channel,
			To:      chatID,
		},
		DeleteAfterRun: deleteAfter,
	}
	created, err := t.service.Add(ctx, job)
	if err != nil {
		return "", err
	}
	next := time.UnixMilli(created.State.NextRunAtMs).In(models.Seoul())
	return fmt.Sprintf("job %s (%s) scheduled, next run %s", created.ID, created.Name, next.Format("2006-01-02 15:04:05 MST")), nil
}

func (t *CronTool) list(ctx context.Context) (string, error) {
	jobs, err := t.service.List(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "(등록된 작업 없음)", nil
	}
	var b strings.Builder
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		next := time.UnixMilli(job.State.NextRunAtMs).In(models.Seoul())
		fmt.Fprintf(&b, "%s  %s  [%s/%s]  next=%s\n",
			job.ID, job.Name, job.Schedule.Kind, state, next.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func parseToolSchedule(params map[string]any) (models.CronSchedule, error) {
	tz := stringParam(params, "tz")
	if tz == "" {
		tz = "Asia/Seoul"
	}

	if every := stringParam(params, "every"); every != "" {
		d, err := time.ParseDuration(every)
		if err != nil || d < time.Second {
			return models.CronSchedule{}, fmt.Errorf("invalid every duration %q", every)
		}
		return models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: d.Milliseconds(), TZ: tz}, nil
	}
	if at := stringParam(params, "at"); at != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return models.CronSchedule{}, fmt.Errorf("unknown timezone %q", tz)
		}
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			ts, err = time.ParseInLocation("2006-01-02 15:04", at, loc)
		}
		if err != nil {
			return models.CronSchedule{}, fmt.Errorf("invalid at time %q", at)
		}
		return models.CronSchedule{Kind: models.ScheduleAt, AtMs: ts.UnixMilli(), TZ: tz}, nil
	}
	if expr := stringParam(params, "cron"); expr != "" {
		if len(strings.Fields(expr)) != 5 {
			return models.CronSchedule{}, fmt.Errorf("cron expression must have 5 fields: %q", expr)
		}
		return models.CronSchedule{Kind: models.ScheduleCron, Expr: expr, TZ: tz}, nil
	}
	return models.CronSchedule{}, fmt.Errorf("one of every, at, cron is required for add")
}
