package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/genstudio/internal/config"
	"github.com/digkill/genstudio/internal/database"
	"github.com/digkill/genstudio/internal/httpapi"
	"github.com/digkill/genstudio/internal/kie"
	"github.com/digkill/genstudio/internal/metrics"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/repository"
	"github.com/digkill/genstudio/internal/scheduler"
	"github.com/digkill/genstudio/internal/service"
	"github.com/digkill/genstudio/internal/storage"
	"github.com/digkill/genstudio/internal/telegram"
	"github.com/digkill/genstudio/internal/wavespeed"
	"github.com/digkill/genstudio/pkg/logger"
)

const sweepLockKey = "genstudio:sweep"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info")
		bootLog.Fatal().Err(err).Msg("config")
	}
	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil && !errors.Is(err, context.Canceled) {
		logr.Fatal().Err(err).Msg("server stopped")
	}
	logr.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logr zerolog.Logger) error {
	db, err := database.Connect(ctx, cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	providers := provider.NewRegistry(cfg.ProviderOverrides)
	if cfg.KIEAPIKey != "" {
		providers.Register(kie.NewClient(cfg.KIEAPIKey, cfg.KIEBaseURL, cfg.RequestTimeout, logr))
	}
	if cfg.WavespeedAPIKey != "" {
		providers.Register(wavespeed.NewClient(cfg.WavespeedAPIKey, cfg.WavespeedBaseURL, cfg.RequestTimeout, logr))
	}
	logr.Info().Strs("providers", providers.Names()).Msg("providers registered")

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	assetRepo := repository.NewAssetRepository(db)
	planRepo := repository.NewPlanRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	promoRepo := repository.NewPromoRepository(db)

	userService := service.NewUserService(userRepo)
	planService := service.NewPlanService(cfg, planRepo)
	ledgerService := service.NewLedgerService(ledgerRepo, logr)
	archiveService := service.NewArchiveService(assetRepo, uploader, cfg.DownloadTimeout, logr)
	settlement := service.NewSettlementService(generationRepo, ledgerService, providers, archiveService, metrics.NewLifecycle(reg), service.SettlementConfig{
		SubmitMaxRetries: cfg.SubmitMaxRetries,
		SubmitBackoff:    cfg.SubmitBackoff,
		PollInterval:     cfg.PollInterval,
		PollMaxAttempts:  cfg.PollMaxAttempts,
		PendingTimeout:   cfg.PendingTimeout,
		ActiveWindow:     cfg.ActiveWindow,
		SweepBatch:       cfg.SweepBatch,
	}, logr)
	promoService := service.NewPromoService(promoRepo, ledgerRepo, cfg.PromoBonusCredits, logr)
	billingService := service.NewBillingService(cfg, paymentRepo, planService, userService, ledgerService, logr)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		return err
	}

	lock, closeLock, err := newSweepLock(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer closeLock()

	sweeper, err := scheduler.New(scheduler.Params{
		Schedule: cfg.SweepSchedule,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Logger:   logr,
		Jobs:     scheduler.SettlementJobs(settlement),
	})
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Params{
		Addr:           cfg.HTTPListenAddr,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logr,
		Gatherer:       reg,
		Generations:    settlement,
		Ledger:         ledgerService,
		Plans:          planService,
		Promos:         promoService,
		Billing:        billingService,
		Users:          userService,
		Assets:         assetRepo,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.BotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return err
		}
		bot := telegram.NewBot(cfg, botAPI, logr, telegram.Deps{
			Accounts: userService,
			Engine:   settlement,
			Balances: ledgerService,
			Promos:   promoService,
			Payments: billingService,
			Storage:  uploader,
		})
		g.Go(func() error { return bot.Run(gctx) })
	} else {
		logr.Info().Msg("TELEGRAM_BOT_TOKEN not set; chat front disabled")
	}

	return g.Wait()
}

// newSweepLock returns a Redis lock when REDIS_ADDR is set and an in-process lock otherwise.
func newSweepLock(ctx context.Context, cfg config.Config, logr zerolog.Logger) (scheduler.Lock, func(), error) {
	if cfg.RedisAddr == "" {
		logr.Warn().Msg("REDIS_ADDR not set; sweeps are only serialised within this instance")
		return &scheduler.LocalLock{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	lock, err := scheduler.NewRedisLock(client, sweepLockKey, cfg.SweepLockTTL)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return lock, func() { client.Close() }, nil
}
