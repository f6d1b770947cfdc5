package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/circletel/billing-engine/internal/app"
	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/observability"
	"github.com/circletel/billing-engine/internal/platform/cache"
	"github.com/circletel/billing-engine/internal/platform/db"
	"github.com/circletel/billing-engine/internal/shared"
	"github.com/circletel/billing-engine/internal/webhook"
	"github.com/circletel/billing-engine/internal/zoho"
	"github.com/circletel/billing-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker := shared.NewRunLocker(redisClient, cfg.RunLockTTL)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	ledgerRepo := ledger.NewRepository(dbpool)
	syncRepo := zoho.NewRepository(dbpool)
	zohoClient := zoho.NewHTTPClient(cfg.ZohoBaseURL, cfg.ZohoOrgID, cfg.ZohoToken, cfg.ZohoTimeout)

	// The reconciler reads through the ledger service and the service
	// publishes change events to the reconciler, so the sink is wired
	// through a closure to break the construction cycle.
	var reconciler *zoho.Reconciler
	sink := ledger.SinkFunc(func(ctx context.Context, entityType, entityID string) {
		reconciler.EntityChanged(ctx, entityType, entityID)
	})
	ledgerService := ledger.NewService(ledgerRepo, sink, ledger.Options{
		VATRate:          cfg.VAT(),
		PaymentTermsDays: cfg.PaymentTermsDays,
	})
	reconciler = zoho.NewReconciler(syncRepo, ledgerService, zohoClient, locker, zoho.Options{
		MaxRetries: cfg.SyncMaxRetries,
		BaseDelay:  cfg.SyncRetryBase,
	})
	reconciler.Log = logger

	metrics := observability.NewMetrics()

	ledgerHandler := ledger.NewHandler(logger, ledgerService)
	webhookHandler := webhook.NewHandler(logger, ledgerService, reconciler, idempotencyStore, webhook.Secrets{
		Payment: cfg.PaymentWebhookSecret,
		Zoho:    cfg.ZohoWebhookSecret,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		LedgerHandler:  ledgerHandler,
		WebhookHandler: webhookHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
