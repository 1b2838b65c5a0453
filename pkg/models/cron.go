package models

// ScheduleKind selects how a cron job computes its next fire time.
type ScheduleKind string

const (
	// ScheduleAt fires once at a fixed wall-clock instant.
	ScheduleAt ScheduleKind = "at"
	// ScheduleEvery fires on a fixed interval, optionally offset from AtMs.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleCron fires per a 5-field cron expression in the job timezone.
	ScheduleCron ScheduleKind = "cron"
)

// CronSchedule describes when a job fires.
type CronSchedule struct {
	Kind    ScheduleKind `json:"kind"`
	AtMs    int64        `json:"at_ms,omitempty"`
	EveryMs int64        `json:"every_ms,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	TZ      string       `json:"tz,omitempty"`
}

// CronPayloadKind selects what a job does when it fires.
type CronPayloadKind string

const (
	// CronSystemEvent delivers a static message to the job's chat.
	CronSystemEvent CronPayloadKind = "system_event"
	// CronAgentTurn runs a fresh agent loop with the job message as objective.
	CronAgentTurn CronPayloadKind = "agent_turn"
)

// CronPayload is the action a job performs.
type CronPayload struct {
	Kind    CronPayloadKind `json:"kind"`
	Message string          `json:"message"`
	Deliver bool            `json:"deliver"`
	Channel Provider        `json:"channel,omitempty"`
	To      string          `json:"to,omitempty"`
}

// CronRunState is bookkeeping mutated only by the scheduler tick.
type CronRunState struct {
	NextRunAtMs        int64  `json:"next_run_at_ms"`
	LastRunAtMs        int64  `json:"last_run_at_ms,omitempty"`
	LastStatus         string `json:"last_status,omitempty"`
	LastError          string `json:"last_error,omitempty"`
	Running            bool   `json:"running"`
	RunningStartedAtMs int64  `json:"running_started_at_ms,omitempty"`
}

// CronJob is one persisted scheduled job.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	State          CronRunState `json:"state"`
	CreatedAtMs    int64        `json:"created_at_ms"`
	UpdatedAtMs    int64        `json:"updated_at_ms"`
	DeleteAfterRun bool         `json:"delete_after_run,omitempty"`
}
