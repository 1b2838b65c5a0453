package cron

import (
	"testing"
	"time"

	"github.com/marubot/maru/pkg/models"
)

func TestNextRunAtOneShot(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour).UnixMilli()
	sched := models.CronSchedule{Kind: models.ScheduleAt, AtMs: at}

	next, ok, err := NextRun(sched, 0, now)
	if err != nil || !ok || next != at {
		t.Fatalf("next = %d ok=%v err=%v, want %d", next, ok, err, at)
	}

	// Once fired there is no further run.
	_, ok, err = NextRun(sched, now.UnixMilli(), now)
	if err != nil || ok {
		t.Fatalf("fired at-job should have no next, ok=%v err=%v", ok, err)
	}
}

func TestNextRunEvery(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: 60_000}

	next, ok, err := NextRun(sched, 0, now)
	if err != nil || !ok || next != now.UnixMilli()+60_000 {
		t.Fatalf("first next = %d ok=%v err=%v", next, ok, err)
	}

	last := now.Add(-30 * time.Second).UnixMilli()
	next, _, _ = NextRun(sched, last, now)
	if next != last+60_000 {
		t.Errorf("next = %d, want last+interval", next)
	}
}

func TestNextRunEveryStaleCatchesUpOnce(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: 60_000}
	last := now.Add(-24 * time.Hour).UnixMilli()

	next, ok, err := NextRun(sched, last, now)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	// The next run lands within one interval of now, not a day behind.
	if next < now.UnixMilli()-60_000 || next > now.UnixMilli()+60_000 {
		t.Errorf("next = %d, now = %d", next, now.UnixMilli())
	}
}

func TestNextRunEveryStartOffset(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	start := now.Add(10 * time.Minute).UnixMilli()
	sched := models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: 60_000, AtMs: start}

	next, _, _ := NextRun(sched, 0, now)
	if next != start {
		t.Errorf("next = %d, want start offset %d", next, start)
	}
}

func TestNextRunCronExpressionInTZ(t *testing.T) {
	seoul, _ := time.LoadLocation("Asia/Seoul")
	// 08:50 KST; "0 9 * * *" should fire ten minutes later.
	now := time.Date(2025, 3, 1, 8, 50, 0, 0, seoul)
	sched := models.CronSchedule{Kind: models.ScheduleCron, Expr: "0 9 * * *", TZ: "Asia/Seoul"}

	next, ok, err := NextRun(sched, 0, now.UTC())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	want := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul).UnixMilli()
	if next != want {
		t.Errorf("next = %d, want %d", next, want)
	}
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		name  string
		sched models.CronSchedule
		ok    bool
	}{
		{"at ok", models.CronSchedule{Kind: models.ScheduleAt, AtMs: 1}, true},
		{"at missing", models.CronSchedule{Kind: models.ScheduleAt}, false},
		{"every ok", models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: 1000}, true},
		{"every sub-second", models.CronSchedule{Kind: models.ScheduleEvery, EveryMs: 500}, false},
		{"cron ok", models.CronSchedule{Kind: models.ScheduleCron, Expr: "*/5 * * * *"}, true},
		{"cron bad expr", models.CronSchedule{Kind: models.ScheduleCron, Expr: "not a cron"}, false},
		{"cron bad tz", models.CronSchedule{Kind: models.ScheduleCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, false},
		{"unknown", models.CronSchedule{Kind: "hourly"}, false},
	}
	for _, tc := range cases {
		err := ValidateSchedule(tc.sched)
		if (err == nil) != tc.ok {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}
