package commands

import (
	"testing"
	"time"

	"github.com/marubot/maru/pkg/models"
)

var seoul = mustLoad("Asia/Seoul")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func TestParseCronAddEvery(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)
	sched, msg, err := parseCronAdd("every 10m 물 마시기", now, seoul)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Kind != models.ScheduleEvery || sched.EveryMs != 600_000 {
		t.Errorf("sched = %+v", sched)
	}
	if msg != "물 마시기" {
		t.Errorf("msg = %q", msg)
	}
}

func TestParseCronAddAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)

	sched, msg, err := parseCronAdd("at 2025-03-02 15:04 회의 알림", now, seoul)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 3, 2, 15, 4, 0, 0, seoul).UnixMilli()
	if sched.Kind != models.ScheduleAt || sched.AtMs != want {
		t.Errorf("sched = %+v, want at %d", sched, want)
	}
	if msg != "회의 알림" {
		t.Errorf("msg = %q", msg)
	}

	// RFC3339 single token.
	sched, msg, err = parseCronAdd("at 2025-03-02T15:04:00+09:00 회의", now, seoul)
	if err != nil || sched.AtMs != want || msg != "회의" {
		t.Errorf("rfc3339: sched=%+v msg=%q err=%v", sched, msg, err)
	}
}

func TestParseCronAddCronExpr(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)

	sched, msg, err := parseCronAdd("cron 0 9 * * 1-5 데일리 스탠드업", now, seoul)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Kind != models.ScheduleCron || sched.Expr != "0 9 * * 1-5" {
		t.Errorf("sched = %+v", sched)
	}
	if sched.TZ != "Asia/Seoul" {
		t.Errorf("tz = %q", sched.TZ)
	}
	if msg != "데일리 스탠드업" {
		t.Errorf("msg = %q", msg)
	}

	sched, msg, err = parseCronAdd("cron 0 22 * * * tz America/New_York 저녁 보고", now, seoul)
	if err != nil || sched.TZ != "America/New_York" || msg != "저녁 보고" {
		t.Errorf("tz form: sched=%+v msg=%q err=%v", sched, msg, err)
	}
}

func TestParseCronAddKoreanRelative(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)

	sched, msg, err := parseCronAdd("30분 후 라면 확인", now, seoul)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Kind != models.ScheduleAt || sched.AtMs != now.Add(30*time.Minute).UnixMilli() {
		t.Errorf("sched = %+v", sched)
	}
	if msg != "라면 확인" {
		t.Errorf("msg = %q", msg)
	}

	sched, _, err = parseCronAdd("2시간 후 휴식", now, seoul)
	if err != nil || sched.AtMs != now.Add(2*time.Hour).UnixMilli() {
		t.Errorf("hours: sched=%+v err=%v", sched, err)
	}
}

func TestParseCronAddKoreanClock(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)

	// Future clock time today.
	sched, msg, err := parseCronAdd("오후 3시 보고서 제출", now, seoul)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.AtMs != time.Date(2025, 3, 1, 15, 0, 0, 0, seoul).UnixMilli() {
		t.Errorf("at = %d", sched.AtMs)
	}
	if msg != "보고서 제출" {
		t.Errorf("msg = %q", msg)
	}

	// Past clock time rolls to tomorrow.
	sched, _, _ = parseCronAdd("오전 8시 기상", now, seoul)
	if sched.AtMs != time.Date(2025, 3, 2, 8, 0, 0, 0, seoul).UnixMilli() {
		t.Errorf("rolled at = %d", sched.AtMs)
	}

	// Explicit tomorrow, with minutes.
	sched, _, _ = parseCronAdd("내일 오전 10시 30분 회의", now, seoul)
	if sched.AtMs != time.Date(2025, 3, 2, 10, 30, 0, 0, seoul).UnixMilli() {
		t.Errorf("tomorrow at = %d", sched.AtMs)
	}

	// 오후 12시 stays noon, 오전 12시 is midnight.
	sched, _, _ = parseCronAdd("내일 오후 12시 점심", now, seoul)
	if sched.AtMs != time.Date(2025, 3, 2, 12, 0, 0, 0, seoul).UnixMilli() {
		t.Errorf("noon at = %d", sched.AtMs)
	}
}

func TestParseCronAddErrors(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, seoul)
	cases := []string{
		"",
		"every x 메시지",
		"every 500ms 메시지",
		"every 10m",
		"at notatime 메시지",
		"cron 0 9 * * *",
		"그냥 아무 말",
	}
	for _, args := range cases {
		if _, _, err := parseCronAdd(args, now, seoul); err == nil {
			t.Errorf("%q: expected error", args)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	name, args := splitCommand("/cron add every 10m 물")
	if name != "cron" || args != "add every 10m 물" {
		t.Errorf("got %q / %q", name, args)
	}
	if name, _ := splitCommand("그냥 대화"); name != "" {
		t.Errorf("non-command parsed as %q", name)
	}
	if name, _ := splitCommand("/HELP"); name != "help" {
		t.Errorf("name not folded: %q", name)
	}
}
