// Package main wires together the traffic harvester binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubclient "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/tracelab/traffic-harvester/internal/api"
	"github.com/tracelab/traffic-harvester/internal/backlog/postgres"
	"github.com/tracelab/traffic-harvester/internal/clock/system"
	"github.com/tracelab/traffic-harvester/internal/config"
	"github.com/tracelab/traffic-harvester/internal/controller"
	"github.com/tracelab/traffic-harvester/internal/id/uuid"
	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/logging"
	"github.com/tracelab/traffic-harvester/internal/metrics"
	"github.com/tracelab/traffic-harvester/internal/policy/throttle"
	pubsubpublisher "github.com/tracelab/traffic-harvester/internal/publisher/pubsub"
	"github.com/tracelab/traffic-harvester/internal/reconcile"
	"github.com/tracelab/traffic-harvester/internal/sandbox/docker"
	"github.com/tracelab/traffic-harvester/internal/storage/artifacts"
	"github.com/tracelab/traffic-harvester/internal/storage/shared"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	runID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))

	sources := make(map[string]postgres.Source, len(cfg.Sources))
	sourceNames := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources[src.Name] = postgres.Source{Table: src.Table, Domain: src.Domain}
		sourceNames = append(sourceNames, src.Name)
	}

	backlog, err := postgres.New(ctx, postgres.StoreConfig{
		DSN:      cfg.Backlog.DSN,
		MaxConns: cfg.Backlog.MaxConns,
		MinConns: cfg.Backlog.MinConns,
	}, sources)
	if err != nil {
		return fmt.Errorf("backlog store: %w", err)
	}
	defer backlog.Close()

	view, err := shared.New(cfg.Storage.SharedRoot, cfg.Storage.ContainerRoot)
	if err != nil {
		return fmt.Errorf("shared view: %w", err)
	}

	durable, err := artifacts.New(artifacts.Config{
		Root:     cfg.Storage.DurableRoot,
		OwnerUID: cfg.Storage.OwnerUID,
		OwnerGID: cfg.Storage.OwnerGID,
	})
	if err != nil {
		return fmt.Errorf("durable store: %w", err)
	}

	pool, err := docker.NewPool(docker.Config{
		Prefix:        cfg.Pool.Prefix,
		Size:          cfg.Pool.Size,
		Image:         cfg.Pool.Image,
		SharedDir:     cfg.Storage.SharedRoot,
		ContainerRoot: cfg.Storage.ContainerRoot,
		ExecTimeout:   cfg.ExecTimeout(),
		HostUID:       cfg.Storage.OwnerUID,
		HostGID:       cfg.Storage.OwnerGID,
	}, docker.NewRunner(), logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("container pool: %w", err)
	}
	if err := pool.CheckDaemon(ctx); err != nil {
		return fmt.Errorf("docker daemon: %w", err)
	}

	var publisher ingest.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		client, err := pubsubclient.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		publisher = pubsubpublisher.New(client.Publisher(cfg.PubSub.Topic), runID)
		logger.Info("completion events enabled", zap.String("topic", cfg.PubSub.Topic))
	}

	reconciler := reconcile.New(
		view,
		durable,
		backlog,
		publisher,
		cfg.PubSub.Topic,
		runID,
		reconcile.Config{},
		logger.Named("reconcile"),
	)

	gate := throttle.New(cfg.DispatchInterval(), system.New())

	ctrl := controller.New(controller.Config{
		Sources:     sourceNames,
		BatchSize:   cfg.Backlog.BatchSize,
		BatchMode:   cfg.Run.BatchMode,
		Retries:     cfg.Dispatch.Retries,
		RetryDelay:  cfg.RetryDelay(),
		IdleSleep:   cfg.IdleSleep(),
		SettleDelay: cfg.SettleDelay(),
		RemoveStale: cfg.Pool.RemoveStale,
	}, pool, backlog, gate, reconciler, view, logger.Named("controller"))

	opsServer := api.NewServer(runID, ctrl.Ready, ctrl.RunTotals, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("harvest starting",
		zap.Strings("sources", sourceNames),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.Bool("batch_mode", cfg.Run.BatchMode))
	return ctrl.Run(ctx)
}
