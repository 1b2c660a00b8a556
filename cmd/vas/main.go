package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/vas-ingest/pkg/api"
	"github.com/ethan/vas-ingest/pkg/config"
	"github.com/ethan/vas-ingest/pkg/health"
	"github.com/ethan/vas-ingest/pkg/ingest"
	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/ports"
	"github.com/ethan/vas-ingest/pkg/retention"
	"github.com/ethan/vas-ingest/pkg/router"
	"github.com/ethan/vas-ingest/pkg/store"
	"github.com/ethan/vas-ingest/pkg/transcoder"
)

// Video aggregation service: camera management, RTSP ingestion through an
// ffmpeg transcoder into a media router room, HLS recording with retention,
// and health-driven stream recovery.
func main() {
	fs := flag.NewFlagSet("vas", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "Path to environment file")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		log.Fatalf("Invalid logging flags: %v", err)
	}
	logg, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logg.Close()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg.Info("starting video aggregation service",
		"router_url", cfg.Router.URL,
		"recordings_root", cfg.Recording.Root,
		"port_range_start", cfg.Ports.Start,
		"port_range_end", cfg.Ports.End,
		"logging", logFlags.String())

	repo := store.NewMemoryRepository()

	rpc := router.NewClient(cfg.Router.URL, logg.With("component", "router"))
	defer rpc.Close()

	alloc, err := ports.NewAllocator(cfg.Ports.Start, cfg.Ports.End)
	if err != nil {
		log.Fatalf("Invalid port range: %v", err)
	}

	supervisor := transcoder.NewSupervisor(cfg.Transcoder.BinaryPath,
		logg.With("component", "transcoder"))
	runner := ingest.NewSupervisorRunner(supervisor, logg.With("component", "transcoder"))

	// Wired below once the monitor exists; the orchestrator only sees the
	// callbacks.
	var monitor *health.Monitor

	orch := ingest.NewOrchestrator(ingest.Options{
		Repo:          repo,
		Router:        rpc,
		Runner:        runner,
		Allocator:     alloc,
		Logger:        logg.With("component", "ingest"),
		RouterHost:    cfg.Router.Host,
		RecordingRoot: cfg.Recording.Root,
		OnLive: func(roomID, producerID string) {
			monitor.Register(roomID, producerID)
		},
		OnStopped: func(roomID string) {
			monitor.Unregister(roomID)
		},
	})

	// Recovery restarts are paced through one queue so a burst of stale
	// cameras cannot stampede the router.
	queue := ingest.NewRestartQueue(cfg.Health.RestartsPerMinute,
		logg.With("component", "restart_queue"))
	queue.Start()
	defer queue.Stop()

	healthCfg := health.DefaultConfig()
	healthCfg.CheckInterval = cfg.Health.CheckInterval
	healthCfg.StaleThreshold = cfg.Health.StaleThreshold
	healthCfg.Cooldown = cfg.Health.RestartCooldown
	healthCfg.MaxAttempts = cfg.Health.MaxAttempts

	monitor = health.NewMonitor(healthCfg, rpc, func(roomID string, attempt int) error {
		return queue.Submit(roomID, attempt, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()
			return orch.Restart(ctx, roomID)
		})
	}, logg.With("component", "health"))
	monitor.Start()
	defer monitor.Stop()

	retentionMgr := retention.NewManager(
		retention.DefaultConfig(cfg.Recording.Root, cfg.Recording.RetentionDays),
		logg.With("component", "retention"))
	retentionMgr.Start()
	defer retentionMgr.Stop()

	server := api.NewServer(api.Options{
		Repo:       repo,
		Ingestor:   orch,
		Health:     monitor,
		Router:     rpc,
		QueueStats: queue.Stats,
		Logger:     logg.With("component", "api"),
		Addr:       cfg.API.Addr,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logg.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logg.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error("error stopping http server", "error", err)
	}

	// Stop every running ingestion so no transcoder outlives the service.
	for _, sess := range orch.Registry().Snapshot() {
		if err := orch.Stop(shutdownCtx, sess.CameraID); err != nil {
			logg.Error("error stopping stream", "camera_id", sess.CameraID, "error", err)
		}
	}

	logg.Info("shutdown complete")
}
