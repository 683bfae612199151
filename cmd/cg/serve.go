package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/convgraph/internal/config"
	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/events"
	"github.com/alfredjeanlab/convgraph/internal/export"
	"github.com/alfredjeanlab/convgraph/internal/generation"
	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/lifecycle"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/notify"
	"github.com/alfredjeanlab/convgraph/internal/presence"
	"github.com/alfredjeanlab/convgraph/internal/server"
	"github.com/alfredjeanlab/convgraph/internal/store"
	"github.com/alfredjeanlab/convgraph/internal/store/memory"
	"github.com/alfredjeanlab/convgraph/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the convgraph HTTP and gRPC server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a client connection.
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		opts := &slog.HandlerOptions{Level: level}
		var logger *slog.Logger
		if cfg.LogFormat == "json" {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		}
		slog.SetDefault(logger)
		return serve(cfg, logger)
	},
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using the in-memory store")
		return memory.New(), nil
	}
	db, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")
	return db, nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	// Create event publisher.
	var publisher events.Publisher
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		publisher = pub
		logger.Info("events enabled", "nats_url", cfg.NATSURL)
	} else {
		publisher = &events.NoopPublisher{}
		logger.Info("events disabled (CONVGRAPH_NATS_URL not set)")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifier := notify.New(notify.Config{
		Window:    cfg.NotifyWindow.Duration,
		Buffer:    cfg.NotifyBuffer,
		Publisher: publisher,
		Logger:    logger,
	})
	graphs := graph.New(db, graph.Config{
		Limits: model.Limits{
			MaxChildren:    cfg.MaxChildren,
			MaxDepth:       cfg.MaxDepth,
			MaxNodes:       cfg.MaxNodes,
			MaxPromptBytes: cfg.MaxPromptBytes,
		},
		Notifier: notifier,
		Logger:   logger,
	})

	gen, err := generation.New(generation.Options{
		Name:    cfg.Generator,
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
	})
	if err != nil {
		return err
	}

	var deadLetters dispatch.DeadLetterStore
	if cfg.RedisURL != "" {
		rdl, err := dispatch.NewRedisDeadLetters(cfg.RedisURL, 1000)
		if err != nil {
			return err
		}
		defer rdl.Close()
		deadLetters = rdl
		logger.Info("dead letters stored in redis")
	} else {
		deadLetters = dispatch.NewMemoryDeadLetters(256)
	}

	disp := dispatch.New(gen, dispatch.Config{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.RetryBaseDelay.Duration,
		RateLimit:     cfg.RateLimit,
		DeadLetters:   deadLetters,
		Metrics:       dispatch.NewMetrics(reg),
		Logger:        logger,
	})
	// Workers outlive the signal context so Shutdown can drain them.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := disp.Start(workersCtx); err != nil {
		return err
	}

	ctrl := lifecycle.New(graphs, disp, logger)
	report, err := ctrl.Reconcile(ctx)
	if err != nil {
		logger.Error("startup reconciliation failed", "err", err)
	} else {
		logger.Info("startup reconciliation done", "interrupted", report.Interrupted, "resubmitted", report.Resubmitted)
	}

	go notifier.Run(ctx)

	tracker := presence.New(logger)
	tracker.StartReaper(&presence.ReaperConfig{
		OnGone: func(graphID, userID string) {
			logger.Debug("viewer left", "graph", graphID, "user", userID)
		},
	})

	srv := server.New(server.Config{
		Graph:      graphs,
		Controller: ctrl,
		Dispatcher: disp,
		Notifier:   notifier,
		Presence:   tracker,
		Logger:     logger,
	})

	// Start gRPC listener.
	grpcServer, hs := server.NewGRPCServer(srv, cfg.AuthToken)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "err", err)
		}
	}()
	go srv.WatchHealth(ctx, hs, 5*time.Second)

	// Start HTTP server. Request contexts derive from ctx so open event
	// streams end when shutdown begins.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.NewHTTPHandler(cfg.AuthToken, reg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "err", err)
		}
	}()

	// Start the export scheduler if a destination is configured.
	var scheduler *export.Scheduler
	if cfg.ExportInterval.Duration > 0 && cfg.ExportS3Bucket != "" {
		dest, err := export.NewS3Destination(ctx, cfg.ExportS3Bucket, cfg.ExportS3Prefix, cfg.ExportS3Region, cfg.ExportS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 export destination", "err", err)
		} else {
			logger.Info("export S3 destination enabled", "bucket", cfg.ExportS3Bucket, "prefix", cfg.ExportS3Prefix)
			scheduler = export.NewScheduler(graphs, []export.Destination{dest}, cfg.ExportInterval.Duration, logger)
			scheduler.Start(ctx)
		}
	}

	logger.Info("convgraph server started",
		"grpc_addr", cfg.GRPCAddr,
		"http_addr", cfg.HTTPAddr,
		"generator", cfg.Generator,
		"workers", cfg.Workers,
	)

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	// Graceful shutdown.
	if scheduler != nil {
		scheduler.Stop()
	}

	hs.Shutdown()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		grpcServer.Stop()
	}
	logger.Info("gRPC server stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	logger.Info("HTTP server stopped")

	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", "err", err)
	}
	ctrl.Wait()
	tracker.Stop()

	logger.Info("shutdown complete")
	return nil
}
