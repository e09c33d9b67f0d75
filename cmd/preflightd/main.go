// Preflightd is the preflight data-quality monitoring service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
	"github.com/marcus-qen/preflightd/internal/analytics"
	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/config"
	"github.com/marcus-qen/preflightd/internal/dispatch"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/registry"
	"github.com/marcus-qen/preflightd/internal/scheduler"
	"github.com/marcus-qen/preflightd/internal/server"
	"github.com/marcus-qen/preflightd/internal/storage"
	"github.com/marcus-qen/preflightd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, server.Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	if cfg.Driver == "sqlite" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		}
	}
	db, err := storage.Open(cfg.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.Fatal("failed to open database",
			zap.String("driver", cfg.Driver), zap.Error(err))
	}
	defer db.Close()

	reg, err := registry.NewStore(db)
	if err != nil {
		logger.Fatal("failed to init run registry", zap.Error(err))
	}
	alertStore, err := alerting.NewStore(db)
	if err != nil {
		logger.Fatal("failed to init alert store", zap.Error(err))
	}
	outboxStore, err := outbox.NewStore(db)
	if err != nil {
		logger.Fatal("failed to init notification outbox", zap.Error(err))
	}
	ledger, err := dispatch.NewLedger(db)
	if err != nil {
		logger.Fatal("failed to init delivery ledger", zap.Error(err))
	}
	leases, err := scheduler.NewLeaseStore(db)
	if err != nil {
		logger.Fatal("failed to init lease store", zap.Error(err))
	}

	gateway := artifacts.NewGateway(reg, cfg.ArtifactRoot, cfg.MaxArtifactSizeMB, logger.Named("artifacts"))
	source := &alerting.FilePolicySource{
		PolicyPath:  cfg.PolicyPath,
		ChannelPath: cfg.ChannelPath,
	}
	clock := clockid.System()

	engine := alerting.NewEngine(reg, gateway, alertStore, outboxStore, source, clock, logger.Named("alerts"))
	dispatcher := dispatch.NewDispatcher(outboxStore, ledger, source, nil, clock, logger.Named("dispatch"))
	dispatcher.SetBatchSize(cfg.DispatchBatchSize)

	stats := analytics.NewService(db, reg, gateway, outboxStore, ledger, leases)
	promRegistry := prometheus.NewRegistry()
	if _, err := analytics.NewCollector(stats, alertStore, clock, logger.Named("metrics"), promRegistry); err != nil {
		logger.Fatal("failed to register metrics collector", zap.Error(err))
	}

	sched := scheduler.New(leases, clock, logger.Named("scheduler"))
	var loops []scheduler.Loop
	if cfg.AlertsSchedulerEnabled && cfg.AlertsAutoStart {
		loops = append(loops, scheduler.Loop{
			Name:          cfg.AlertsLease(),
			Interval:      cfg.AlertsInterval(),
			CronExpr:      cfg.AlertsCron,
			LeaseDisabled: !cfg.AlertsLeaseEnabled,
			Run: func(ctx context.Context) error {
				ctx, span := telemetry.StartEvaluationSpan(ctx, "scheduler")
				alerts, err := engine.Evaluate(ctx, "scheduler")
				telemetry.EndEvaluationSpan(span, len(alerts), err)
				if err != nil {
					return err
				}
				cutoff := clock.Now().AddDate(0, 0, -cfg.AuditRetentionDays)
				if purged, err := engine.Store().PurgeAudit(cutoff); err != nil {
					logger.Warn("audit purge failed", zap.Error(err))
				} else if purged > 0 {
					logger.Info("audit events purged", zap.Int64("count", purged))
				}
				return nil
			},
		})
	}
	if cfg.NotificationsSchedulerEnabled {
		loops = append(loops, scheduler.Loop{
			Name:          cfg.NotificationsLease(),
			Interval:      cfg.NotificationsInterval(),
			CronExpr:      cfg.NotificationsCron,
			LeaseDisabled: !cfg.AlertsLeaseEnabled,
			Run: func(ctx context.Context) error {
				ctx, span := telemetry.StartDispatchSpan(ctx)
				processed, err := dispatcher.Tick(ctx)
				telemetry.EndDispatchSpan(span, processed, err)
				return err
			},
		})
	}
	sched.Start(ctx, loops...)

	srv := server.New(cfg, server.Deps{
		Registry:     reg,
		Gateway:      gateway,
		Engine:       engine,
		Outbox:       outboxStore,
		Ledger:       ledger,
		Dispatcher:   dispatcher,
		Analytics:    stats,
		Leases:       leases,
		Source:       source,
		PromRegistry: promRegistry,
	}, logger.Named("http"))

	logger.Info("starting preflightd",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", server.Version),
		zap.String("driver", cfg.Driver),
		zap.String("lease_owner", sched.OwnerID()),
		zap.Int("loops", len(loops)),
	)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("shutting down...")
	sched.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("trace flush failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
