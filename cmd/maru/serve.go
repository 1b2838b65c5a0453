package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marubot/maru/internal/agent"
	"github.com/marubot/maru/internal/approval"
	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/channels/discord"
	"github.com/marubot/maru/internal/channels/slack"
	"github.com/marubot/maru/internal/channels/telegram"
	"github.com/marubot/maru/internal/commands"
	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/cron"
	"github.com/marubot/maru/internal/decisions"
	"github.com/marubot/maru/internal/dispatch"
	"github.com/marubot/maru/internal/events"
	"github.com/marubot/maru/internal/instance"
	"github.com/marubot/maru/internal/memory"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/orchestrator"
	"github.com/marubot/maru/internal/promises"
	"github.com/marubot/maru/internal/providers"
	"github.com/marubot/maru/internal/render"
	"github.com/marubot/maru/internal/router"
	"github.com/marubot/maru/internal/secrets"
	"github.com/marubot/maru/internal/sessions"
	"github.com/marubot/maru/internal/skills"
	"github.com/marubot/maru/internal/storage"
	"github.com/marubot/maru/internal/task"
	"github.com/marubot/maru/internal/tools"
	"github.com/marubot/maru/pkg/models"
)

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Workspace.RuntimeDir(), 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	lock, err := instance.Acquire(instance.Options{RuntimeDir: cfg.Workspace.RuntimeDir()})
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return err
	}
	defer lock.Release()

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, logger)
	}
	_, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "maru",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.Sampling,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer shutdownTracing(context.Background())

	ddl := append(append(append(append(
		secrets.DDL(), sessions.DDL()...), memory.DDL()...),
		decisions.DDL()...), promises.DDL()...)
	ddl = append(ddl, tools.DynamicDDL()...)
	db, err := storage.Open(cfg.Workspace.DBPath(), ddl...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	vault, err := secrets.New(db, cfg.Vault.Key)
	if err != nil {
		return err
	}
	memStore := memory.NewStore(db)
	recorder := sessions.NewRecorder(db, memStore)

	b := bus.New()
	defer b.Close()
	profiles := render.NewProfileStore()
	runs := agent.NewRunRegistry()

	transports := channels.NewRegistry()
	if err := registerTransports(transports, cfg); err != nil {
		return err
	}

	approvals := approval.NewService(b, logger, metrics)
	toolReg := tools.NewRegistry(approvals, logger, metrics, cfg.Tools.CronBlocked)

	taskStore, err := task.NewStore(filepath.Join(cfg.Workspace.RuntimeDir(), "tasks"))
	if err != nil {
		return err
	}
	taskLoop := task.NewLoop(taskStore, logger)
	eventLog, err := events.NewLog(
		filepath.Join(cfg.Workspace.RuntimeDir(), "events"),
		filepath.Join(cfg.Workspace.RuntimeDir(), "tasks", "details"))
	if err != nil {
		return err
	}

	cronStore, err := cron.NewStore(filepath.Join(cfg.Workspace.RuntimeDir(), "cron"))
	if err != nil {
		return err
	}
	scheduler := cron.NewScheduler(cronStore, b, cfg.Cron, logger, metrics)

	skillLib := skills.NewLibrary(filepath.Join(cfg.Workspace.Dir, "skills"), logger)
	if n, err := skillLib.Reload(ctx); err != nil {
		logger.Warn(ctx, "skill load failed", "error", err)
	} else {
		logger.Info(ctx, "skills loaded", "count", n)
	}

	providerReg, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	execTimeout := time.Duration(cfg.Tools.ExecTimeoutS) * time.Second
	spawnTool := tools.NewSpawnTool(b, logger)
	for _, tool := range []tools.Tool{
		tools.NewExecTool(cfg.Workspace.Dir, execTimeout, cfg.Tools.ExecOutputMax, cfg.Tools.ExecSafeList),
		tools.NewReadFileTool(cfg.Workspace.Dir),
		tools.NewWriteFileTool(cfg.Workspace.Dir),
		tools.NewListDirTool(cfg.Workspace.Dir),
		tools.NewWebFetchTool(cfg.Tools.WebFetchMaxKB, time.Duration(cfg.Tools.WebFetchTimeout)*time.Second),
		tools.NewMemoryTool(memStore),
		tools.NewMessageTool(b),
		tools.NewRequestFileTool(b),
		tools.NewCronTool(scheduler),
		spawnTool,
	} {
		toolReg.Register(tool)
	}

	dynamic := tools.NewDynamicManager(db, cfg.Workspace.DBPath(), toolReg,
		cfg.Workspace.Dir, execTimeout, cfg.Tools.ExecOutputMax, logger)
	dynamic.Start(ctx)
	defer dynamic.Stop()

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Providers:  providerReg,
		Tools:      toolReg,
		Runs:       runs,
		Recorder:   recorder,
		Vault:      vault,
		Profiles:   profiles,
		TaskLoop:   taskLoop,
		Events:     eventLog,
		Transports: transports,
		Skills:     skillLib,
		Bus:        b,
		Logger:     logger,
	})

	alias := cfg.Agent.DefaultAlias
	spawnTool.SetRunner(func(ctx context.Context, req tools.SpawnRequest) (string, error) {
		in := &models.InboundMessage{
			ID:       "subagent:" + req.SubagentID,
			Provider: req.Channel,
			ChatID:   req.ChatID,
			SenderID: "subagent:" + req.SubagentID,
			Content:  req.Objective,
			At:       time.Now(),
		}
		res := orch.HandleFrom(ctx, in, alias, tools.OriginSubagent)
		if res.Err != nil {
			return "", res.Err
		}
		return res.Reply, nil
	})
	scheduler.SetAgentRunner(func(ctx context.Context, job *models.CronJob) (string, error) {
		in := &models.InboundMessage{
			ID:       "cron:" + job.ID,
			Provider: job.Payload.Channel,
			ChatID:   job.Payload.To,
			SenderID: "cron:" + job.ID,
			Content:  job.Payload.Message,
			At:       time.Now(),
		}
		res := orch.HandleFrom(ctx, in, alias, tools.OriginCron)
		if res.Err != nil {
			return "", res.Err
		}
		return res.Reply, nil
	})

	handlers := commands.DefaultHandlers(commands.Deps{
		Runs:      runs,
		Profiles:  profiles,
		Vault:     vault,
		Memory:    memStore,
		Decisions: decisions.NewService(db),
		Promises:  promises.NewService(db),
		Cron:      scheduler,
		Skills:    skillLib,
		ToolNames: toolReg.Names,
		Reload: commands.Reloader{
			Config: func(ctx context.Context) error {
				_, err := config.Load(configPath)
				return err
			},
			Tools:  dynamic.Reload,
			Skills: skillLib.Reload,
		},
		TZ: scheduler.Timezone(),
	})
	cmdRouter := commands.NewRouter(handlers, profiles, b, logger)

	inRouter := router.New(router.Deps{
		Config:       cfg.Router,
		DefaultAlias: alias,
		Bus:          b,
		Transports:   transports,
		Commands:     cmdRouter,
		Approvals:    approvals,
		Orchestrator: orch,
		Logger:       logger,
		Metrics:      metrics,
	})

	dispatcher := dispatch.New(b, transports, dispatch.NewDLQ(cfg.Dispatch.DLQPath), dispatch.Config{
		InlineMax:      cfg.Dispatch.InlineMax,
		Base:           time.Duration(cfg.Dispatch.BaseMs) * time.Millisecond,
		Max:            time.Duration(cfg.Dispatch.MaxMs) * time.Millisecond,
		Jitter:         time.Duration(cfg.Dispatch.JitterMs) * time.Millisecond,
		RetryQueueMax:  cfg.Dispatch.RetryQueueMax,
		StreamDedupe:   time.Duration(cfg.Dispatch.StreamDedupeMs) * time.Millisecond,
		DefaultDedupe:  time.Duration(cfg.Dispatch.DefaultDedupeMs) * time.Millisecond,
		SendsPerSecond: cfg.Dispatch.SendsPerSecond,
	}, logger, metrics)

	if err := transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	syncCommandCatalogue(ctx, transports, handlers, logger)

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()
	go sweepApprovals(ctx, approvals, cfg.Router.PollInterval())
	inRouter.Start(ctx)

	logger.Info(ctx, "maru started",
		"channels", cfg.EnabledChannels(),
		"executor", cfg.Providers.Executor,
		"workspace", cfg.Workspace.Dir)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	inRouter.Stop(stopCtx)
	<-dispatcherDone
	scheduler.Stop()
	runs.CancelAll()
	return nil
}

func registerTransports(reg *channels.Registry, cfg *config.Config) error {
	alias := cfg.Agent.DefaultAlias
	if cfg.Channels.Slack.Enabled {
		reg.Register(slack.New(slack.Config{
			BotToken:       cfg.Channels.Slack.BotToken,
			DefaultChannel: cfg.Channels.Slack.DefaultChannel,
			Alias:          alias,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		t, err := discord.New(discord.Config{
			BotToken:       cfg.Channels.Discord.BotToken,
			DefaultChannel: cfg.Channels.Discord.DefaultChannel,
			Alias:          alias,
		})
		if err != nil {
			return fmt.Errorf("discord transport: %w", err)
		}
		reg.Register(t)
	}
	if cfg.Channels.Telegram.Enabled {
		t, err := telegram.New(telegram.Config{
			BotToken:       cfg.Channels.Telegram.BotToken,
			DefaultChannel: cfg.Channels.Telegram.DefaultChannel,
			Alias:          alias,
		})
		if err != nil {
			return fmt.Errorf("telegram transport: %w", err)
		}
		reg.Register(t)
	}
	return nil
}

func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	p := cfg.Providers
	if p.AnthropicKey != "" {
		reg.Register(providers.NewAnthropic(providers.AnthropicConfig{
			APIKey: p.AnthropicKey,
			Model:  p.AnthropicModel,
		}))
	}
	if p.OpenAIKey != "" {
		reg.Register(providers.NewOpenAI(providers.OpenAIConfig{
			APIKey: p.OpenAIKey,
			Model:  p.OpenAIModel,
		}))
	}
	if p.Executor != "" {
		reg.SetPrimary(p.Executor)
	}
	if p.Fallback != "" {
		reg.SetFallback(p.Fallback)
	}
	return reg, nil
}

func syncCommandCatalogue(ctx context.Context, reg *channels.Registry, handlers []commands.Handler, logger *observability.Logger) {
	descriptors := make([]channels.CommandDescriptor, 0, len(handlers))
	for _, h := range handlers {
		descriptors = append(descriptors, channels.CommandDescriptor{
			Name:        h.Name(),
			Description: h.Usage(),
		})
	}
	if err := reg.SyncCommands(ctx, descriptors); err != nil {
		logger.Warn(ctx, "command sync failed", "error", err)
	}
}

func sweepApprovals(ctx context.Context, approvals *approval.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			approvals.Sweep(ctx)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(ctx, "metrics listener failed", "error", err)
	}
}
