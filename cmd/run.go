package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/bootstrap"
	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/channels/discord"
	"github.com/nanoclaw/nanoclaw/internal/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/mounts"
	"github.com/nanoclaw/nanoclaw/internal/router"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/telemetry"
)

// shutdownGrace is how long in-flight agent runs get on SIGINT/SIGTERM.
const shutdownGrace = 10 * time.Second

func runRouter() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("failed to create directory layout", "error", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureGlobalFiles(cfg.GlobalDir()); err != nil {
		slog.Warn("global workspace seeding failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DatabasePath(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	validator, err := mounts.Load(cfg.MountPolicyPath())
	if err != nil {
		slog.Error("failed to load mount policy", "path", cfg.MountPolicyPath(), "error", err)
		os.Exit(1)
	}
	if err := validator.Watch(ctx); err != nil {
		slog.Warn("mount policy hot reload unavailable", "error", err)
	}

	selector := sandbox.NewSelector(st, []sandbox.Engine{
		sandbox.NewContainer(),
		sandbox.NewDocker(),
		sandbox.NewTart(cfg.Sandbox.TartImage),
		sandbox.NewVibe(cfg.VibeImagesDir(), cfg.Sandbox.VibeImage),
		sandbox.NewCLI(cfg.Agent.CLI),
	}, cfg.Sandbox.Engine, cfg.Agent.CLI)

	mgr := channels.NewManager()
	if cfg.Channels.WhatsApp.Enabled {
		mgr.Register(whatsapp.New(cfg.Channels.WhatsApp.BridgeURL, st))
	}
	if cfg.Channels.Discord.Enabled {
		mgr.Register(discord.New(cfg.Channels.Discord.Token, st))
	}

	r := router.New(cfg, st, mgr, selector, validator)

	dispatcher := ipc.New(st, cfg.IPCDir(), cfg.MainGroupFolder,
		r.SendMessage, r.Refresh, r.GroupsChanged,
		time.Duration(cfg.Timing.IPCIntervalMS)*time.Millisecond)

	sched := scheduler.New(st, r.Queue(), r.RunTask,
		time.Duration(cfg.Timing.SchedulerIntervalMS)*time.Millisecond)

	if err := mgr.ConnectAll(ctx); err != nil {
		slog.Error("channel connect failed", "error", err)
		os.Exit(1)
	}
	if err := mgr.SyncAll(ctx, false); err != nil {
		slog.Warn("initial metadata sync incomplete", "error", err)
	}

	go dispatcher.Start(ctx)
	go sched.Start(ctx)

	slog.Info("nanoclaw running", "version", Version, "base_dir", cfg.BaseDir)
	if err := r.Start(ctx); err != nil {
		slog.Error("router failed", "error", err)
	}

	slog.Info("shutting down", "grace", shutdownGrace)
	r.Stop(shutdownGrace)
	mgr.DisconnectAll()
	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Warn("telemetry flush failed", "error", err)
	}
}
