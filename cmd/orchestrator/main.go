// Command orchestrator is the single pulsecore process: it wires the
// admission controller, freshness evaluator, scheduler, cron engine,
// analysis orchestrator, and health supervisor together behind the
// control-surface HTTP API, campaigns for etcd leadership, and runs
// until SIGINT/SIGTERM, shutting down gracefully with a 10s timeout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "pulsecore/configs"
	"pulsecore/pkg/admission"
	"pulsecore/pkg/analysis"
	"pulsecore/pkg/analysisbackend"
	"pulsecore/pkg/api"
	"pulsecore/pkg/coordination/etcd"
	"pulsecore/pkg/cron"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/health"
	"pulsecore/pkg/logger"
	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
	tracing "pulsecore/pkg/observability"
	"pulsecore/pkg/reportqueue"
	"pulsecore/pkg/scheduler"
	"pulsecore/pkg/scrape"
	"pulsecore/pkg/store/postgres"
	"pulsecore/pkg/store/s3archive"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:      "info",
		Encoding:   "json",
		OutputPath: "stdout",
		Service:    "pulsecore-orchestrator",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("pulsecore orchestrator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "pulsecore-orchestrator",
		Endpoint:     cfg.TracingEndpoint,
		Enabled:      cfg.TracingEnabled,
		SamplingRate: 1.0,
	})
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	objStore, err := postgres.New(connStr)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer objStore.Close()
	log.Info("postgres connected")

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()
	log.Info("etcd connected")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "orchestrator-" + uuid.New().String()
	}
	if err := etcdCoord.RegisterNode(ctx, hostname, time.Duration(cfg.LeaderElectionTTL)*time.Second); err != nil {
		log.Warn("failed to register node", zap.Error(err))
	}

	election := etcdCoord.NewElection("pulsecore-leader")
	log.Info("campaigning for leadership", zap.String("node", hostname))
	if err := election.Campaign(ctx, hostname); err != nil {
		log.Fatal("election campaign failed", zap.Error(err))
	}
	log.Info("leadership acquired", zap.String("node", hostname))

	var archive s3archive.Archive
	if cfg.S3Bucket != "" {
		a, err := s3archive.New(s3archive.Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   "snapshots/",
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			log.Warn("failed to init s3 archive, snapshots will be stored inline", zap.Error(err))
		} else {
			archive = a
			log.Info("s3 snapshot archive enabled", zap.String("bucket", cfg.S3Bucket))
		}
	}

	ac := admission.NewAdmissionController(cfg.Admission())
	driver := scrape.NewHTTPDriver(30 * time.Second)
	evaluator := freshness.New(cfg.Freshness(), objStore.Targets(), objStore.Snapshots())
	sched := scheduler.New(cfg.Scheduler(), ac, evaluator, driver, objStore.Snapshots(), archive)

	backend := analysisbackend.NewHTTPBackend(cfg.AIServiceURL, cfg.AIServiceTimeout)

	reportAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	reportQueue, err := reportqueue.New(reportAddr)
	if err != nil {
		log.Fatal("failed to connect to redis report queue", zap.Error(err))
	}
	defer reportQueue.Close()

	orchestrator := analysis.New(cfg.Analysis(), objStore.Projects(), objStore.Targets(), objStore.Snapshots(),
		objStore.AnalysisRecords(), evaluator, sched, backend, reportQueue)

	runners := map[models.JobKind]cron.Runner{
		models.JobFreshnessSweep: func(ctx context.Context, job models.CronJob) (string, error) {
			if job.ProjectID == nil {
				return "", fmt.Errorf("freshness sweep job %s has no project_id", job.Name)
			}
			result, err := sched.CheckAndTrigger(ctx, *job.ProjectID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("triggered=%v tasks=%d", result.Triggered, result.TasksExecuted), nil
		},
		models.JobPeriodicAnalysis: func(ctx context.Context, job models.CronJob) (string, error) {
			if job.ProjectID == nil {
				return "", fmt.Errorf("analysis job %s has no project_id", job.Name)
			}
			result := orchestrator.TriggerAnalysis(ctx, *job.ProjectID, analysis.Options{})
			if !result.Success {
				return "", fmt.Errorf("analysis failed: %s", result.Error)
			}
			return "analysis triggered", nil
		},
		models.JobScheduledReport: func(ctx context.Context, job models.CronJob) (string, error) {
			if job.ProjectID == nil {
				return "", fmt.Errorf("report job %s has no project_id", job.Name)
			}
			result, err := sched.CheckAndTrigger(ctx, *job.ProjectID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("scheduled report run: %d tasks", result.TasksExecuted), nil
		},
		models.JobSystemMaintenance: func(ctx context.Context, job models.CronJob) (string, error) {
			domainEvicted, projectEvicted := ac.RunMaintenance(30 * time.Minute)
			return fmt.Sprintf("evicted %d domain + %d project throttle entries", domainEvicted, projectEvicted), nil
		},
	}

	cronEngine := cron.New(cfg.Cron(), objStore.CronJobs(), objStore.JobExecutions(), runners)
	if err := cronEngine.Start(ctx); err != nil {
		log.Fatal("failed to start cron engine", zap.Error(err))
	}
	defer cronEngine.Stop(context.Background())

	healthSupervisor := health.New(cfg.Health(), ac, cronEngine, objStore, log)
	go healthSupervisor.Run(ctx)

	server := api.NewServer(api.Config{
		Port:       cfg.APIPort,
		Admission:  ac,
		Freshness:  evaluator,
		Scheduler:  sched,
		CronEngine: cronEngine,
		Analysis:   orchestrator,
		Health:     healthSupervisor,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()
	log.Info("control surface started", zap.String("port", cfg.APIPort))
	metrics.ActiveNodes.Set(1)

	sig := <-sigChan
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	if err := election.Resign(context.Background()); err != nil {
		log.Warn("failed to resign leadership", zap.Error(err))
	}

	cancel()
	log.Info("shutdown complete")
}
