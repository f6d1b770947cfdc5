package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/circletel/billing-engine/internal/app"
	"github.com/circletel/billing-engine/internal/cycle"
	jobmetrics "github.com/circletel/billing-engine/internal/jobs"
	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/platform/cache"
	"github.com/circletel/billing-engine/internal/platform/db"
	"github.com/circletel/billing-engine/internal/shared"
	"github.com/circletel/billing-engine/internal/subscription"
	"github.com/circletel/billing-engine/internal/zoho"
	"github.com/circletel/billing-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
	runStore := jobs.NewRunStore(pool)
	runner := jobs.NewRunner(runStore, locker, logger, jobmetrics.NewMetrics(nil))
	runner.MaxAttempts = cfg.JobMaxAttempts
	runner.BaseDelay = cfg.JobRetryBase

	calc := cycle.NewCalculator(cfg.CycleDays...)
	subRepo := subscription.NewRepository(pool)
	subService := subscription.NewService(subRepo, calc)

	ledgerRepo := ledger.NewRepository(pool)
	syncRepo := zoho.NewRepository(pool)
	zohoClient := zoho.NewHTTPClient(cfg.ZohoBaseURL, cfg.ZohoOrgID, cfg.ZohoToken, cfg.ZohoTimeout)

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

	generateJob := jobs.NewGenerateRecurringJob(subService, ledgerService, calc, runner, logger)
	remindersJob := jobs.NewSendRemindersJob(ledgerService, &jobs.LogNotifier{Logger: logger}, jobs.ReminderOffsets{
		DaysBefore: cfg.ReminderDaysBefore,
		DaysAfter:  cfg.ReminderDaysAfter,
	}, runner, logger)
	overdueJob := jobs.NewMarkOverdueJob(ledgerService, runner, logger)
	syncJob := jobs.NewSyncToZohoJob(reconciler, runner, logger)
	syncJob.BatchLimit = cfg.SyncBatchLimit

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskGenerateRecurring, Handler: generateJob.Handle},
		{Type: jobs.TaskSendReminders, Handler: remindersJob.Handle},
		{Type: jobs.TaskMarkOverdue, Handler: overdueJob.Handle},
		{Type: jobs.TaskSyncToZoho, Handler: syncJob.Handle},
	}
	cron := []jobs.CronRegistration{}
	register := func(spec, taskType string) {
		task, err := jobs.NewRunTask(taskType, jobs.RunPayload{})
		if err != nil {
			logger.Error("build task", slog.String("type", taskType), slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    spec,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}
	// Daily runs are idempotent per run key, so re-deliveries converge.
	register("0 2 * * *", jobs.TaskGenerateRecurring)
	register("0 6 * * *", jobs.TaskMarkOverdue)
	register("0 7 * * *", jobs.TaskSendReminders)
	register("0 * * * *", jobs.TaskSyncToZoho)

	if cfg.DebitGatewayURL != "" {
		collector, err := jobs.NewGatewayCollector(cfg.DebitGatewayURL, cfg.ZohoTimeout)
		if err != nil {
			logger.Error("init debit gateway", slog.Any("error", err))
			os.Exit(1)
		}
		debitJob := jobs.NewProcessDebitOrdersJob(ledgerService, jobs.NewMandateStore(pool), collector, runner, logger)
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskProcessDebitOrders, Handler: debitJob.Handle})
		register("0 5 * * *", jobs.TaskProcessDebitOrders)
	} else {
		logger.Warn("debit gateway not configured, debit order collection disabled")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
