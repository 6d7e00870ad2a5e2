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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teamz88/farmon-be/config"
	"github.com/teamz88/farmon-be/internal/health"
	"github.com/teamz88/farmon-be/internal/infrastructure/postgres"
	"github.com/teamz88/farmon-be/internal/log"
	"github.com/teamz88/farmon-be/internal/magiclink"
	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/teamz88/farmon-be/internal/token"
	httptransport "github.com/teamz88/farmon-be/internal/transport/http"
	"github.com/teamz88/farmon-be/internal/transport/http/handler"
	"github.com/teamz88/farmon-be/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	if cfg.JWTSecret == "" {
		stdlog.Fatal("config: JWT_SECRET is required for the API server")
	}

	logger := log.New(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		stdlog.Fatalf("db: %v", err)
	}
	defer pool.Close()

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

	mlHandler := handler.NewMagicLinkHandler(manager, dispatcher, []byte(cfg.JWTSecret), logger)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, mlHandler, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stdlog.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}
