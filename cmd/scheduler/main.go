package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teamz88/farmon-be/config"
	"github.com/teamz88/farmon-be/internal/health"
	"github.com/teamz88/farmon-be/internal/infrastructure/postgres"
	"github.com/teamz88/farmon-be/internal/log"
	"github.com/teamz88/farmon-be/internal/magiclink"
	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/teamz88/farmon-be/internal/notify"
	"github.com/teamz88/farmon-be/internal/runner"
	"github.com/teamz88/farmon-be/internal/token"
	"github.com/teamz88/farmon-be/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}

	logger := log.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		stdlog.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	userRepo := postgres.NewUserRepository(pool)
	credRepo := postgres.NewCredentialRepository(pool)

	gen := token.NewGenerator()
	manager := magiclink.NewManager(userRepo, credRepo, gen, cfg.FrontendURL, logger)
	dispatcher := webhook.NewDispatcher(credRepo, nil, webhook.Options{
		URL:         cfg.WebhookURL,
		Timeout:     cfg.WebhookTimeout(),
		MaxAttempts: cfg.MaxWebhookAttempts,
		BatchSize:   cfg.DispatchBatchSize,
	}, logger)

	notifier := notify.NewNotifier(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, cfg.AdminEmail, logger)
	run := runner.NewRunner(userRepo, manager, dispatcher, notifier, logger)

	metrics.Register()

	var probe health.ProbeFunc
	if cfg.WebhookURL != "" {
		probe = func(ctx context.Context) error {
			res, err := dispatcher.TestConnection(ctx)
			if err != nil {
				return err
			}
			if !res.Reachable {
				return res.Err
			}
			return nil
		}
	}
	checker := health.NewChecker(pool, probe, logger, prometheus.DefaultRegisterer)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	sched := runner.NewScheduler(run, cfg.RunSchedule, runner.Options{
		Dispatch: cfg.WebhookURL != "",
	}, logger)

	if err := sched.Start(ctx); err != nil {
		stop()
		stdlog.Fatalf("scheduler: %v", err)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}
