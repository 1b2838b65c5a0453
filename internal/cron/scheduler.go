// Package cron runs persisted scheduled jobs: static reminders delivered
// to a chat and recurring agent turns. Jobs live in a document store so
// they survive restarts; a stale job fires once on recovery instead of
// replaying every missed tick.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

// AgentRunner executes an agent_turn job and returns the final reply text.
type AgentRunner func(ctx context.Context, job *models.CronJob) (string, error)

// Scheduler ticks over the job store and fires due jobs. All job state
// mutation happens on the tick goroutine.
type Scheduler struct {
	store   *Store
	bus     *bus.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	tick time.Duration
	tz   *time.Location
	now  func() time.Time

	mu     sync.Mutex
	runner AgentRunner

	stop chan struct{}
	done chan struct{}
}

// NewScheduler builds a scheduler. metrics may be nil. The agent runner
// is installed later with SetAgentRunner once the orchestrator exists.
func NewScheduler(store *Store, b *bus.Bus, cfg config.CronConfig, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	tick := time.Duration(cfg.TickMs) * time.Millisecond
	if tick <= 0 {
		tick = time.Second
	}
	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		tz = time.Local
	}
	return &Scheduler{
		store:   store,
		bus:     b,
		logger:  logger,
		metrics: metrics,
		tick:    tick,
		tz:      tz,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetAgentRunner wires the callback used for agent_turn jobs.
func (s *Scheduler) SetAgentRunner(fn AgentRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = fn
}

// WithNow overrides the clock for tests.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Timezone is the default zone applied to schedules without one.
func (s *Scheduler) Timezone() *time.Location { return s.tz }

// Add validates, fills, and persists a new job.
func (s *Scheduler) Add(ctx context.Context, job *models.CronJob) (*models.CronJob, error) {
	if strings.TrimSpace(job.Payload.Message) == "" {
		return nil, fmt.Errorf("job message is required")
	}
	if job.Schedule.TZ == "" && job.Schedule.Kind == models.ScheduleCron {
		job.Schedule.TZ = s.tz.String()
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return nil, err
	}
	now := s.now()
	next, ok, err := NextRun(job.Schedule, 0, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("schedule has no future run")
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Name == "" {
		job.Name = job.Payload.Message
	}
	job.Enabled = true
	job.CreatedAtMs = now.UnixMilli()
	job.UpdatedAtMs = now.UnixMilli()
	job.State = models.CronRunState{NextRunAtMs: next}

	if err := s.store.Save(job); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "cron job added",
		"job_id", job.ID,
		"name", job.Name,
		"kind", string(job.Schedule.Kind),
		"next_run_at_ms", next)
	return job, nil
}

// List returns all jobs ordered by creation time.
func (s *Scheduler) List(ctx context.Context) ([]*models.CronJob, error) {
	return s.store.All()
}

// Remove deletes a job by id. Returns false when no such job exists.
func (s *Scheduler) Remove(ctx context.Context, id string) (bool, error) {
	_, found, err := s.store.Get(id)
	if err != nil || !found {
		return false, err
	}
	if err := s.store.Remove(id); err != nil {
		return false, err
	}
	s.logger.Info(ctx, "cron job removed", "job_id", id)
	return true, nil
}

// Start recovers stale run flags and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// Stop halts the tick loop and waits for an in-flight job to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// recover clears running flags left behind by a crash mid-job. The jobs
// themselves stay scheduled: a past-due next_run_at fires on the first
// tick.
func (s *Scheduler) recover(ctx context.Context) error {
	jobs, err := s.store.All()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.State.Running {
			continue
		}
		job.State.Running = false
		job.State.RunningStartedAtMs = 0
		job.UpdatedAtMs = s.now().UnixMilli()
		if err := s.store.Save(job); err != nil {
			return err
		}
		s.logger.Warn(ctx, "cleared stale cron running flag", "job_id", job.ID, "name", job.Name)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	jobs, err := s.store.All()
	if err != nil {
		s.logger.Error(ctx, "cron store list failed", "error", err)
		return
	}
	now := s.now()
	for _, job := range jobs {
		if !job.Enabled || job.State.Running {
			continue
		}
		if job.State.NextRunAtMs <= 0 || now.UnixMilli() < job.State.NextRunAtMs {
			continue
		}
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *models.CronJob, now time.Time) {
	job.State.Running = true
	job.State.RunningStartedAtMs = now.UnixMilli()
	if err := s.store.Save(job); err != nil {
		s.logger.Error(ctx, "cron job mark running failed", "job_id", job.ID, "error", err)
		return
	}

	runErr := s.run(ctx, job)

	fired := s.now()
	job.State.Running = false
	job.State.RunningStartedAtMs = 0
	job.State.LastRunAtMs = fired.UnixMilli()
	if runErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.UpdatedAtMs = fired.UnixMilli()

	status := job.State.LastStatus
	if s.metrics != nil {
		s.metrics.RecordCronFire(string(job.Payload.Kind), status)
	}
	s.logger.Info(ctx, "cron job fired",
		"job_id", job.ID,
		"name", job.Name,
		"kind", string(job.Payload.Kind),
		"status", status)

	next, ok, err := NextRun(job.Schedule, job.State.LastRunAtMs, fired)
	if err != nil {
		s.logger.Error(ctx, "cron next-run computation failed", "job_id", job.ID, "error", err)
		ok = false
	}
	if !ok {
		if job.DeleteAfterRun {
			if err := s.store.Remove(job.ID); err != nil {
				s.logger.Error(ctx, "cron job delete failed", "job_id", job.ID, "error", err)
			}
			return
		}
		job.Enabled = false
		job.State.NextRunAtMs = 0
	} else {
		job.State.NextRunAtMs = next
	}
	if err := s.store.Save(job); err != nil {
		s.logger.Error(ctx, "cron job save failed", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, job *models.CronJob) error {
	switch job.Payload.Kind {
	case models.CronSystemEvent:
		if !job.Payload.Deliver {
			return nil
		}
		s.publish(job, models.KindCronEvent, fmt.Sprintf("⏰ %s\n%s", job.Name, job.Payload.Message), false)
		return nil

	case models.CronAgentTurn:
		s.mu.Lock()
		runner := s.runner
		s.mu.Unlock()
		if runner == nil {
			return fmt.Errorf("agent runner not configured")
		}
		final, err := runner(ctx, job)
		if err != nil {
			s.publish(job, models.KindCronFailed, fmt.Sprintf("🔴 cron 작업 실패: %s (%s)", job.Name, err.Error()), false)
			return err
		}
		// Deliver=false only mutes the normal final; the empty fallback
		// and failure notices always go out.
		if strings.TrimSpace(final) == "" {
			s.publish(job, models.KindCronResult, "cron 작업 완료", true)
			return nil
		}
		if !job.Payload.Deliver {
			return nil
		}
		s.publish(job, models.KindCronResult, final, false)
		return nil

	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

func (s *Scheduler) publish(job *models.CronJob, kind models.Kind, content string, empty bool) {
	s.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: job.Payload.Channel,
		ChatID:   job.Payload.To,
		SenderID: "cron:" + job.ID,
		Content:  content,
		At:       s.now(),
		Metadata: models.Metadata{Kind: kind, Empty: empty},
	})
}
