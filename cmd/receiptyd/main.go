package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/receipty/receipty/internal/app"
	"github.com/receipty/receipty/internal/async"
	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/export"
	"github.com/receipty/receipty/internal/ingest"
	"github.com/receipty/receipty/internal/logger"
	"github.com/receipty/receipty/internal/server"
)

func main() {
	cfg := common.LoadConfig()

	fs := ff.NewFlagSet("receiptyd")
	var (
		addr          = fs.StringLong("addr", cfg.Server.GRPCAddr, "gRPC listen address")
		watchDir      = fs.StringLong("watch", "", "directory of OCR text files to ingest as they appear (optional)")
		watchUser     = fs.StringLong("watch-user", "", "user id for receipts ingested from -watch")
		autoBatch     = fs.BoolLong("watch-batch", "trigger a batch after each watched file is ingested")
		healthEvery   = fs.DurationLong("health-interval", 15*time.Second, "database health check interval")
		shutdownGrace = fs.DurationLong("shutdown-grace", 30*time.Second, "time allowed for running batches on shutdown")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPTY")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg.Server.GRPCAddr = *addr

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	if err := store.HealthCheck(ctx, 5*time.Second); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}

	extractor, err := app.NewExtractor(ctx, cfg.LLM, log)
	if err != nil {
		log.Fatal("failed to build extractor", zap.String("provider", cfg.LLM.Provider), zap.Error(err))
	}
	pipe, err := app.NewPipeline(store, extractor, cfg.Batch, log)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	history, err := app.OpenRuns(cfg.Runs)
	if err != nil {
		log.Fatal("failed to open run history", zap.String("path", cfg.Runs.BoltPath), zap.Error(err))
	}
	defer history.Close()

	runner := async.NewBatchRunner(pipe.Orchestrator, history, log,
		async.WithWorkers(cfg.Batch.Workers),
		async.WithQueueSize(cfg.Batch.QueueSize),
		async.WithRunTimeout(cfg.Batch.RunTimeout),
	)

	grpcServer := grpc.NewServer()
	server.RegisterBatchServiceServer(grpcServer,
		server.NewBatchServer(runner, pipe.Receipts, export.NewService(pipe.Receipts, log), log))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	go server.WatchDatabase(ctx, hs, store, *healthEvery, 3*time.Second, log)
	reflection.Register(grpcServer)

	if *watchDir != "" {
		userID, err := uuid.Parse(*watchUser)
		if err != nil {
			log.Fatal("-watch-user must be a UUID", zap.String("watch_user", *watchUser))
		}
		if err := watch(ctx, *watchDir, userID, ingest.NewIngestor(pipe.Receipts, log), runner, *autoBatch, log); err != nil {
			log.Fatal("failed to watch directory", zap.String("dir", *watchDir), zap.Error(err))
		}
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal("failed to listen on address", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	}
	log.Info("receiptyd listening",
		zap.String("addr", cfg.Server.GRPCAddr),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", extractor.Name()),
	)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC serve error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	hs.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Warn("batch runner did not drain in time", zap.Error(err))
	}
	log.Info("stopped")
}

// watch ingests OCR text files as they land in dir and optionally starts a batch for each.
func watch(ctx context.Context, dir string, userID uuid.UUID, ing *ingest.Ingestor, runner *async.BatchRunner, trigger bool, log *zap.Logger) error {
	paths, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Roots:       []string{dir},
		InitialScan: false,
		SkipHidden:  true,
		Debounce:    500 * time.Millisecond,
	}, log)
	if err != nil {
		return err
	}
	log.Info("watching directory", zap.String("dir", dir), zap.Bool("auto_batch", trigger))

	go func() {
		for {
			select {
			case p, ok := <-paths:
				if !ok {
					return
				}
				if _, err := ing.IngestPath(ctx, userID, p); err != nil {
					continue
				}
				if trigger {
					if _, err := runner.Trigger(ctx); err != nil {
						log.Warn("watch.trigger.failed", zap.Error(err))
					}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				log.Warn("watch.error", zap.Error(err))
			}
		}
	}()
	return nil
}
