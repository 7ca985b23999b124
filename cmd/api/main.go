package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"banklink/internal/domain/consent"
	"banklink/internal/infrastructure/postgres/listener"
	"banklink/internal/interfaces/scheduler"
	"banklink/internal/shared/config"
	"banklink/internal/shared/logger"
	"banklink/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lg := logger.New(cfg.Log.Level, cfg.Log.Environment)
	defer lg.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Log.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		}, lg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(tctx); err != nil {
				lg.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer deps.Close(lg)

	deps.Pool.Start()
	go drainJobErrors(deps.Pool, lg)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(scheduler.SchedulerConfig{
			Pool:          deps.Pool,
			ScheduleTimes: cfg.Scheduler.ScheduleTimes,
			RunOnStartup:  cfg.Scheduler.RunOnStartup,
			JobProvider:   scheduler.ActiveConsentJobs(deps.Orchestrator),
			Sweep:         sweepFunc(deps.ConsentSvc, lg),
			SweepInterval: cfg.Scheduler.SweepInterval,
			Logger:        lg,
		})
		if err != nil {
			return err
		}
		sched.Start()
	} else {
		lg.Info("scheduler is disabled")
	}

	syncListener := listener.NewSyncListener(cfg.Database.ConnectionString(), syncRequestHandler(deps, lg), lg)
	syncListener.Start(ctx)
	defer syncListener.Stop()

	handler := SetupRoutes(deps, cfg, lg)
	srv, redirectSrv, serverErr := StartServers(NewServerConfigFromConfig(handler, cfg), lg)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		lg.Error("server failed", zap.Error(err))
		GracefulShutdown(srv, redirectSrv, sched, deps.Pool, shutdownTimeout, lg)
		return err
	}

	GracefulShutdown(srv, redirectSrv, sched, deps.Pool, shutdownTimeout, lg)
	return nil
}

// drainJobErrors logs failed jobs until the pool shuts down.
func drainJobErrors(pool *scheduler.WorkerPool, lg *zap.Logger) {
	for jobErr := range pool.Errors() {
		lg.Warn("background job failed",
			zap.String("job", jobErr.Description),
			zap.String("user_id", jobErr.UserID),
			zap.Error(jobErr.Err))
	}
}

func sweepFunc(svc *consent.Service, lg *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		result, err := svc.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if result.Expired > 0 || result.Failed > 0 {
			lg.Info("expired consents swept", zap.Int("expired", result.Expired), zap.Int("failed", result.Failed))
		}
		return nil
	}
}

// syncRequestHandler turns sync requests published by cmd/admin into
// incremental sync jobs on this process's worker pool.
func syncRequestHandler(deps *Dependencies, lg *zap.Logger) listener.Handler {
	return func(ctx context.Context, req listener.SyncRequest) {
		var consents []*consent.Consent
		switch {
		case req.All:
			jobs, err := scheduler.ActiveConsentJobs(deps.Orchestrator)(ctx)
			if err != nil {
				lg.Warn("failed to build sync jobs", zap.Error(err))
				return
			}
			deps.Pool.SubmitBatch(jobs)
			return
		case req.ConsentID != "":
			c, err := deps.ConsentRepo.GetByID(ctx, req.ConsentID)
			if err != nil {
				lg.Warn("sync request for unknown consent", zap.String("consent_id", req.ConsentID), zap.Error(err))
				return
			}
			consents = []*consent.Consent{c}
		default:
			list, err := deps.ConsentRepo.ListByUserID(ctx, req.UserID)
			if err != nil {
				lg.Warn("failed to list user consents", zap.Int64("user_id", req.UserID), zap.Error(err))
				return
			}
			consents = list
		}

		jobs := make([]scheduler.Job, 0, len(consents))
		for _, c := range consents {
			if c.Status != consent.StatusActive {
				continue
			}
			jobs = append(jobs, scheduler.NewIncrementalSyncJob(deps.Orchestrator, c))
		}
		if len(jobs) == 0 {
			lg.Info("sync request matched no active consent",
				zap.String("consent_id", req.ConsentID), zap.Int64("user_id", req.UserID))
			return
		}
		deps.Pool.SubmitBatch(jobs)
	}
}
