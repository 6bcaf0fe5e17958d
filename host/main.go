package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whale-net/sandman/host/api"
	"github.com/whale-net/sandman/host/archiver"
	"github.com/whale-net/sandman/host/config"
	"github.com/whale-net/sandman/host/engine"
	"github.com/whale-net/sandman/host/events"
	"github.com/whale-net/sandman/host/files"
	"github.com/whale-net/sandman/host/pool"
	"github.com/whale-net/sandman/host/reaper"
	"github.com/whale-net/sandman/host/runner"
	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/host/status"
	"github.com/whale-net/sandman/host/store"
	"github.com/whale-net/sandman/libs/go/docker"
	"github.com/whale-net/sandman/libs/go/logging"
	"github.com/whale-net/sandman/libs/go/s3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// OTLP export follows the standard endpoint variable; without a
	// collector to send to, the exporters stay off.
	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	logging.Configure(logging.Config{
		ServiceName:   "sandman-host",
		JSONFormat:    cfg.LogFormat == "json",
		EnableOTLP:    otlpEndpoint != "",
		EnableTracing: otlpEndpoint != "",
		EnableMetrics: otlpEndpoint != "",
	})
	defer logging.Shutdown(ctx)

	logger := logging.Get("main")
	logger.Info("starting sandman host",
		"image", cfg.Image,
		"max_containers", cfg.MaxContainers,
		"prewarm_count", cfg.PrewarmCount,
		"listen_addr", cfg.ListenAddr)

	// Connect to the container engine
	logger.Info("connecting to Docker", "socket", cfg.DockerSocket)
	dockerClient, err := docker.NewClient(cfg.DockerSocket)
	if err != nil {
		return fmt.Errorf("failed to initialize Docker client: %w", err)
	}
	defer dockerClient.Close()

	hostname, _ := os.Hostname()
	eng := engine.New(dockerClient, engine.Options{
		Image:       cfg.Image,
		WorkDir:     cfg.WorkDir,
		LabelPrefix: cfg.LabelPrefix,
		Owner:       hostname,
	})

	// Repositories: postgres when DATABASE_URL is set, in-memory otherwise
	var containerRepo store.ContainerRepo = store.NewMemoryContainerRepo()
	var sessionRepo store.SessionRepo = store.NewMemorySessionRepo()
	if cfg.DatabaseURL != "" {
		logger.Info("connecting to database")
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbPool.Close()
		if err := dbPool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		containerRepo = store.NewPostgresContainerRepo(dbPool)
		sessionRepo = store.NewPostgresSessionRepo(dbPool)
		logger.Info("using postgres repositories")
	}

	p := pool.New(eng, containerRepo, pool.Options{
		PrewarmCount:  cfg.PrewarmCount,
		MaxContainers: cfg.MaxContainers,
	})
	sessions := session.NewManager(sessionRepo, p, session.Options{
		DefaultTimeout: time.Duration(cfg.SessionTimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(cfg.MaxSessionTimeoutSeconds) * time.Second,
	})

	// Transcript archival (if configured)
	var arch *archiver.Archiver
	if cfg.ArchiveEnabled {
		logger.Info("initializing transcript archiver",
			"bucket", cfg.ArchiveBucket, "region", cfg.ArchiveRegion)
		s3Client, err := s3.NewClient(ctx, s3.Config{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		arch = archiver.New(s3Client, archiver.Options{
			FlushInterval: time.Duration(cfg.ArchiveFlushSeconds) * time.Second,
		})
	}

	runnerOpts := runner.Options{
		DefaultTimeout: time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
	}
	if arch != nil {
		runnerOpts.Recorder = arch
	}
	cmdRunner := runner.New(sessions, eng, runnerOpts)
	fileService := files.New(sessions, eng, cfg.WorkDir)

	// Status fan-out: SSE hub always, RabbitMQ when configured
	hub := status.NewHub()
	agg := status.NewAggregator(p, sessions, cfg.Image, cfg.MaxContainers, cfg.PrewarmCount)
	sinks := []status.Sink{hub}

	var publisher *events.Publisher
	if cfg.RabbitMQURL != "" {
		logger.Info("connecting to RabbitMQ")
		publisher, err = events.NewPublisher(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		sinks = append(sinks, publisher)
	}
	notifier := status.NewNotifier(agg, sinks...)

	// Wire the transition callbacks
	p.SetOnChange(notifier.Notify)
	sessions.SetOnChange(notifier.Notify)
	p.SetOnContainerRemoved(sessions.OnContainerRemoved)
	if arch != nil {
		sessions.SetOnDestroyed(arch.FlushSession)
	}

	reap := reaper.New(sessions, time.Duration(cfg.SessionTimeoutSeconds)*time.Second)

	// Start background loops
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go p.Watch(bgCtx)
	go reap.Run(bgCtx)
	go notifier.Run(bgCtx)

	// Prepare the warm reserve. Individual warm failures are repaired by
	// replenish; an error here means the engine itself is unusable.
	logger.Info("prewarming container pool", "count", cfg.PrewarmCount)
	if err := p.EnsurePrewarmed(ctx); err != nil {
		return fmt.Errorf("failed to prewarm pool: %w", err)
	}

	server := api.New(cfg.ListenAddr, api.Deps{
		Sessions: sessions,
		Runner:   cmdRunner,
		Files:    fileService,
		Pool:     p,
		Status:   agg,
		Hub:      hub,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	logger.Info("sandman host is running")

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case err := <-serverErrChan:
		return err
	}

	logger.Info("shutting down")

	// 1. End status streams and stop accepting new requests
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}

	// 2. Stop the watcher, reaper and notifier
	bgCancel()

	// 3. Stop session and pool background tasks
	sessions.Close()
	p.Close()

	// 4. Remove every managed container
	if err := p.DeleteAll(shutdownCtx); err != nil {
		logger.Warn("failed to remove all containers", "error", err)
	}

	// 5. Flush pending transcripts
	if arch != nil {
		arch.Close()
	}

	// 6. Publish a final snapshot so subscribers see the drained pool,
	// then close the publisher
	if publisher != nil {
		if st, err := agg.Snapshot(shutdownCtx); err == nil {
			if err := publisher.PublishStatus(shutdownCtx, st); err != nil {
				logger.Warn("failed to publish final status", "error", err)
			}
		}
		publisher.Close()
	}

	logger.Info("sandman host stopped")
	return nil
}
