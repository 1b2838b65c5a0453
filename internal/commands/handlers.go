package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marubot/maru/internal/agent"
	"github.com/marubot/maru/internal/decisions"
	"github.com/marubot/maru/internal/memory"
	"github.com/marubot/maru/internal/promises"
	"github.com/marubot/maru/internal/render"
	"github.com/marubot/maru/internal/secrets"
	"github.com/marubot/maru/internal/skills"
	"github.com/marubot/maru/pkg/models"
)

// CronService is the scheduler surface the cron command drives.
type CronService interface {
	Add(ctx context.Context, job *models.CronJob) (*models.CronJob, error)
	List(ctx context.Context) ([]*models.CronJob, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// Reloader re-reads hot-swappable state. Nil fields are skipped.
type Reloader struct {
	Config func(ctx context.Context) error
	Tools  func(ctx context.Context) (int, error)
	Skills func(ctx context.Context) (int, error)
}

// Deps carries every service the builtin handlers touch.
type Deps struct {
	Runs      *agent.RunRegistry
	Profiles  *render.ProfileStore
	Vault     *secrets.Vault
	Memory    *memory.Store
	Decisions *decisions.Service
	Promises  *promises.Service
	Cron      CronService
	Skills    *skills.Library
	ToolNames func() []string
	Reload    Reloader
	TZ        *time.Location
	Now       func() time.Time
}

// DefaultHandlers builds the builtin chain in dispatch order.
func DefaultHandlers(d Deps) []Handler {
	if d.TZ == nil {
		d.TZ = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	help := &helpHandler{}
	handlers := []Handler{
		help,
		&stopHandler{runs: d.Runs},
		&renderHandler{profiles: d.Profiles},
		&secretHandler{vault: d.Vault},
		&memoryHandler{store: d.Memory},
		&decisionHandler{svc: d.Decisions},
		&promiseHandler{svc: d.Promises, tz: d.TZ},
		&cronHandler{svc: d.Cron, tz: d.TZ, now: d.Now},
		&reloadHandler{reload: d.Reload},
		&statusHandler{toolNames: d.ToolNames, skills: d.Skills},
	}
	help.handlers = handlers
	return handlers
}

// --- help ---

type helpHandler struct {
	handlers []Handler
}

func (h *helpHandler) Name() string  { return "help" }
func (h *helpHandler) Usage() string { return "/help — 명령어 목록" }

func (h *helpHandler) CanHandle(inv *Invocation) bool { return inv.Name == "help" }

func (h *helpHandler) Handle(ctx context.Context, inv *Invocation) bool {
	var b strings.Builder
	b.WriteString("사용 가능한 명령어:\n")
	for _, handler := range h.handlers {
		b.WriteString(handler.Usage())
		b.WriteString("\n")
	}
	inv.Reply(strings.TrimRight(b.String(), "\n"))
	return true
}

// --- stop ---

type stopHandler struct {
	runs *agent.RunRegistry
}

func (h *stopHandler) Name() string  { return "stop" }
func (h *stopHandler) Usage() string { return "/stop — 진행 중인 작업 중지 (stop|cancel|중지)" }

func (h *stopHandler) CanHandle(inv *Invocation) bool {
	if inv.Name == "stop" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(inv.In.Content)) {
	case "stop", "cancel", "중지":
		return true
	}
	return false
}

func (h *stopHandler) Handle(ctx context.Context, inv *Invocation) bool {
	n := h.runs.CancelPrefix(models.RunKeyChatPrefix(inv.In.Provider, inv.In.ChatID))
	if n == 0 {
		inv.Reply("중지할 작업이 없습니다.")
		return true
	}
	inv.Reply(fmt.Sprintf("🛑 작업 %d건을 중지했습니다.", n))
	return true
}

// --- render ---

type renderHandler struct {
	profiles *render.ProfileStore
}

func (h *renderHandler) Name() string { return "render" }
func (h *renderHandler) Usage() string {
	return "/render [mode plain|markdown|html] [links|images indicator|text|remove]"
}

func (h *renderHandler) CanHandle(inv *Invocation) bool { return inv.Name == "render" }

func (h *renderHandler) Handle(ctx context.Context, inv *Invocation) bool {
	in := inv.In
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "":
		p := h.profiles.Get(in.Provider, in.ChatID)
		inv.Reply(fmt.Sprintf("render mode=%s links=%s images=%s",
			p.Mode, orDefault(string(p.BlockedLinkPolicy)), orDefault(string(p.BlockedImagePolicy))))
	case "mode":
		mode, ok := render.ParseMode(rest)
		if !ok {
			inv.Reply("mode는 plain, markdown, html 중 하나입니다.")
			return true
		}
		p := h.profiles.Set(in.Provider, in.ChatID, models.RenderProfile{Mode: mode})
		inv.Reply(fmt.Sprintf("render mode=%s", p.Mode))
	case "links", "images":
		policy, ok := render.ParsePolicy(rest)
		if !ok {
			inv.Reply("정책은 indicator, text, remove 중 하나입니다.")
			return true
		}
		update := models.RenderProfile{}
		if sub == "links" {
			update.BlockedLinkPolicy = policy
		} else {
			update.BlockedImagePolicy = policy
		}
		p := h.profiles.Set(in.Provider, in.ChatID, update)
		inv.Reply(fmt.Sprintf("render links=%s images=%s",
			orDefault(string(p.BlockedLinkPolicy)), orDefault(string(p.BlockedImagePolicy))))
	default:
		inv.Reply(h.Usage())
	}
	return true
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

// --- secret ---

type secretHandler struct {
	vault *secrets.Vault
}

func (h *secretHandler) Name() string { return "secret" }
func (h *secretHandler) Usage() string {
	return "/secret list|status|set <name> <value>|get <name>|reveal <name>|remove <name>|encrypt <value>|decrypt <token>"
}

func (h *secretHandler) CanHandle(inv *Invocation) bool { return inv.Name == "secret" }

func (h *secretHandler) Handle(ctx context.Context, inv *Invocation) bool {
	if !h.vault.Enabled() {
		inv.Reply("시크릿 저장소가 비활성화되어 있습니다 (마스터 키 미설정).")
		return true
	}
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "list":
		names, err := h.vault.List(ctx)
		if err != nil {
			inv.Reply("시크릿 조회 실패: " + err.Error())
			return true
		}
		if len(names) == 0 {
			inv.Reply("저장된 시크릿이 없습니다.")
			return true
		}
		inv.Reply("시크릿 목록:\n- " + strings.Join(names, "\n- "))
	case "status":
		names, err := h.vault.List(ctx)
		if err != nil {
			inv.Reply("시크릿 조회 실패: " + err.Error())
			return true
		}
		inv.Reply(fmt.Sprintf("시크릿 저장소 활성화, %d건 저장됨.", len(names)))
	case "set":
		name, value := popWord(rest)
		if name == "" || value == "" {
			inv.Reply("사용법: /secret set <name> <value>")
			return true
		}
		if err := h.vault.Set(ctx, name, value); err != nil {
			inv.Reply("저장 실패: " + err.Error())
			return true
		}
		inv.Reply(fmt.Sprintf("시크릿 %s 저장 완료.", name))
	case "get":
		name, _ := popWord(rest)
		token, err := h.vault.Ciphertext(ctx, name)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		inv.Reply(token)
	case "reveal":
		name, _ := popWord(rest)
		value, err := h.vault.Reveal(ctx, name)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		inv.Reply(value)
	case "remove":
		name, _ := popWord(rest)
		if err := h.vault.Remove(ctx, name); err != nil {
			inv.Reply("삭제 실패: " + err.Error())
			return true
		}
		inv.Reply(fmt.Sprintf("시크릿 %s 삭제 완료.", name))
	case "encrypt":
		token, err := h.vault.Encrypt(strings.TrimSpace(rest))
		if err != nil {
			inv.Reply("암호화 실패: " + err.Error())
			return true
		}
		inv.Reply(token)
	case "decrypt":
		value, err := h.vault.Decrypt(strings.TrimSpace(rest))
		if err != nil {
			inv.Reply("복호화 실패: " + err.Error())
			return true
		}
		inv.Reply(value)
	default:
		inv.Reply(h.Usage())
	}
	return true
}

// --- memory ---

type memoryHandler struct {
	store *memory.Store
}

func (h *memoryHandler) Name() string  { return "memory" }
func (h *memoryHandler) Usage() string { return "/memory status|search <query> [daily|longterm]" }

func (h *memoryHandler) CanHandle(inv *Invocation) bool { return inv.Name == "memory" }

func (h *memoryHandler) Handle(ctx context.Context, inv *Invocation) bool {
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "status", "":
		days, err := h.store.RecentDays(ctx, 7)
		if err != nil {
			inv.Reply("메모리 조회 실패: " + err.Error())
			return true
		}
		longterm, _ := h.store.ReadLongterm(ctx)
		inv.Reply(fmt.Sprintf("오늘: %s\n최근 7일 기록: %d일\n장기 기억: %d자",
			h.store.Today(), len(days), len([]rune(longterm))))
	case "search":
		query := rest
		filter := memory.FilterAll
		if idx := strings.LastIndex(rest, " "); idx > 0 {
			switch strings.ToLower(rest[idx+1:]) {
			case string(memory.FilterDaily):
				filter, query = memory.FilterDaily, strings.TrimSpace(rest[:idx])
			case string(memory.FilterLongterm):
				filter, query = memory.FilterLongterm, strings.TrimSpace(rest[:idx])
			}
		}
		if strings.TrimSpace(query) == "" {
			inv.Reply("사용법: /memory search <query> [daily|longterm]")
			return true
		}
		hits, err := h.store.Search(ctx, query, filter)
		if err != nil {
			inv.Reply("검색 실패: " + err.Error())
			return true
		}
		if len(hits) == 0 {
			inv.Reply("검색 결과가 없습니다.")
			return true
		}
		var b strings.Builder
		for _, hit := range hits {
			fmt.Fprintf(&b, "[%s] %s\n", hit.Source, hit.Text)
		}
		inv.Reply(strings.TrimRight(b.String(), "\n"))
	default:
		inv.Reply(h.Usage())
	}
	return true
}

// --- decision ---

type decisionHandler struct {
	svc *decisions.Service
}

func (h *decisionHandler) Name() string  { return "decision" }
func (h *decisionHandler) Usage() string { return "/decision set <priority> <content>|list|status" }

func (h *decisionHandler) CanHandle(inv *Invocation) bool { return inv.Name == "decision" }

func (h *decisionHandler) Handle(ctx context.Context, inv *Invocation) bool {
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "set":
		prioWord, content := splitArgs(rest)
		priority, err := strconv.Atoi(prioWord)
		if err != nil || strings.TrimSpace(content) == "" {
			inv.Reply("사용법: /decision set <priority> <content>")
			return true
		}
		d, err := h.svc.Set(ctx, content, priority)
		if err != nil {
			inv.Reply("저장 실패: " + err.Error())
			return true
		}
		inv.Reply(fmt.Sprintf("결정 #%d 등록 (priority %d).", d.ID, d.Priority))
	case "list":
		list, err := h.svc.List(ctx)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		if len(list) == 0 {
			inv.Reply("등록된 결정이 없습니다.")
			return true
		}
		var b strings.Builder
		for _, d := range list {
			fmt.Fprintf(&b, "#%d [p%d] %s\n", d.ID, d.Priority, d.Content)
		}
		inv.Reply(strings.TrimRight(b.String(), "\n"))
	case "status", "":
		status, err := h.svc.Status(ctx)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		inv.Reply(status)
	default:
		inv.Reply(h.Usage())
	}
	return true
}

// --- promise ---

type promiseHandler struct {
	svc *promises.Service
	tz  *time.Location
}

func (h *promiseHandler) Name() string { return "promise" }
func (h *promiseHandler) Usage() string {
	return "/promise add [<RFC3339|2006-01-02 15:04>] <content>|list"
}

func (h *promiseHandler) CanHandle(inv *Invocation) bool { return inv.Name == "promise" }

func (h *promiseHandler) Handle(ctx context.Context, inv *Invocation) bool {
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "add":
		due, content, err := parseAtArgs(rest, h.tz)
		if err != nil {
			// No leading timestamp: the whole rest is the content.
			due, content = time.Time{}, rest
		}
		if strings.TrimSpace(content) == "" {
			inv.Reply("사용법: " + h.Usage())
			return true
		}
		p, err := h.svc.Create(ctx, content, due)
		if err != nil {
			inv.Reply("등록 실패: " + err.Error())
			return true
		}
		if p.DueAtMs > 0 {
			inv.Reply(fmt.Sprintf("약속 #%d 등록 (기한 %s).", p.ID,
				time.UnixMilli(p.DueAtMs).In(h.tz).Format("2006-01-02 15:04")))
		} else {
			inv.Reply(fmt.Sprintf("약속 #%d 등록.", p.ID))
		}
	case "list", "":
		summary, err := h.svc.Summary(ctx)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		inv.Reply(summary)
	default:
		inv.Reply(h.Usage())
	}
	return true
}

// --- cron ---

type cronHandler struct {
	svc CronService
	tz  *time.Location
	now func() time.Time
}

func (h *cronHandler) Name() string { return "cron" }
func (h *cronHandler) Usage() string {
	return "/cron list|add <every 10m|at <time>|cron <5 fields> [tz <zone>]|N분 후> <msg>|remove <id>"
}

func (h *cronHandler) CanHandle(inv *Invocation) bool { return inv.Name == "cron" }

func (h *cronHandler) Handle(ctx context.Context, inv *Invocation) bool {
	sub, rest := splitArgs(inv.Args)
	switch sub {
	case "list", "status", "":
		jobs, err := h.svc.List(ctx)
		if err != nil {
			inv.Reply("조회 실패: " + err.Error())
			return true
		}
		if len(jobs) == 0 {
			inv.Reply("등록된 작업이 없습니다.")
			return true
		}
		var b strings.Builder
		for _, job := range jobs {
			next := "-"
			if job.State.NextRunAtMs > 0 {
				next = time.UnixMilli(job.State.NextRunAtMs).In(h.tz).Format("2006-01-02 15:04")
			}
			state := "enabled"
			if !job.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "%s %s [%s] next=%s\n", job.ID, job.Name, state, next)
		}
		inv.Reply(strings.TrimRight(b.String(), "\n"))
	case "add":
		sched, message, err := parseCronAdd(rest, h.now(), h.tz)
		if err != nil {
			inv.Reply("일정 해석 실패: " + err.Error())
			return true
		}
		job := &models.CronJob{
			Schedule: sched,
			Payload: models.CronPayload{
				Kind:    models.CronSystemEvent,
				Message: message,
				Deliver: true,
				Channel: inv.In.Provider,
				To:      inv.In.ChatID,
			},
			DeleteAfterRun: sched.Kind == models.ScheduleAt,
		}
		added, err := h.svc.Add(ctx, job)
		if err != nil {
			inv.Reply("등록 실패: " + err.Error())
			return true
		}
		next := time.UnixMilli(added.State.NextRunAtMs).In(h.tz).Format("2006-01-02 15:04")
		inv.Reply(fmt.Sprintf("⏰ 작업 등록: %s (next %s, id %s)", added.Name, next, added.ID))
	case "remove":
		id, _ := popWord(rest)
		if id == "" {
			inv.Reply("사용법: /cron remove <id>")
			return true
		}
		removed, err := h.svc.Remove(ctx, id)
		if err != nil {
			inv.Reply("삭제 실패: " + err.Error())
			return true
		}
		if !removed {
			inv.Reply("해당 id의 작업이 없습니다.")
			return true
		}
		inv.Reply("작업 삭제 완료.")
	default:
		inv.Reply(h.Usage())
	}
	return true
}

// --- reload ---

type reloadHandler struct {
	reload Reloader
}

func (h *reloadHandler) Name() string  { return "reload" }
func (h *reloadHandler) Usage() string { return "/reload — 설정, 커스텀 도구, 스킬 재로드" }

func (h *reloadHandler) CanHandle(inv *Invocation) bool { return inv.Name == "reload" }

func (h *reloadHandler) Handle(ctx context.Context, inv *Invocation) bool {
	var parts []string
	if h.reload.Config != nil {
		if err := h.reload.Config(ctx); err != nil {
			parts = append(parts, "설정 재로드 실패: "+err.Error())
		} else {
			parts = append(parts, "설정 재로드 완료")
		}
	}
	if h.reload.Tools != nil {
		n, err := h.reload.Tools(ctx)
		if err != nil {
			parts = append(parts, "커스텀 도구 재로드 실패: "+err.Error())
		} else {
			parts = append(parts, fmt.Sprintf("커스텀 도구 %d개", n))
		}
	}
	if h.reload.Skills != nil {
		n, err := h.reload.Skills(ctx)
		if err != nil {
			parts = append(parts, "스킬 재로드 실패: "+err.Error())
		} else {
			parts = append(parts, fmt.Sprintf("스킬 %d개", n))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "재로드할 항목이 없습니다.")
	}
	inv.Reply(strings.Join(parts, "\n"))
	return true
}

// --- status ---

type statusHandler struct {
	toolNames func() []string
	skills    *skills.Library
}

func (h *statusHandler) Name() string  { return "status" }
func (h *statusHandler) Usage() string { return "/status — 도구, 스킬 현황" }

func (h *statusHandler) CanHandle(inv *Invocation) bool { return inv.Name == "status" }

func (h *statusHandler) Handle(ctx context.Context, inv *Invocation) bool {
	var b strings.Builder
	if h.toolNames != nil {
		names := h.toolNames()
		fmt.Fprintf(&b, "도구 %d개: %s\n", len(names), strings.Join(names, ", "))
	}
	if h.skills != nil {
		list := h.skills.List()
		fmt.Fprintf(&b, "스킬 %d개", len(list))
		for _, s := range list {
			fmt.Fprintf(&b, "\n- %s: %s", s.Name, s.Description)
		}
	}
	if b.Len() == 0 {
		b.WriteString("등록된 도구와 스킬이 없습니다.")
	}
	inv.Reply(strings.TrimRight(b.String(), "\n"))
	return true
}
