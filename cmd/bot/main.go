package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/FinBot/internal/admin"
	"github.com/digkill/FinBot/internal/assistant"
	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/database"
	"github.com/digkill/FinBot/internal/lock"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/notify"
	"github.com/digkill/FinBot/internal/repository"
	"github.com/digkill/FinBot/internal/scheduler"
	"github.com/digkill/FinBot/internal/service"
	"github.com/digkill/FinBot/internal/storage"
	"github.com/digkill/FinBot/internal/telegram"
	"github.com/digkill/FinBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping: %v", err)
		}
		cancel()
		locker = lock.NewRedisLocker(rdb, "finbot:lock:")
	}

	var notifier notify.Notifier = notify.NewTelegramNotifier(logr, botAPI, cfg.Location)
	if cfg.ArchiveEnabled() {
		archiver, err := storage.NewArchiver(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage archiver: %v", err)
		}
		notifier = notify.NewArchivingNotifier(logr, notifier, archiver)
	}

	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)
	jobRepo := repository.NewJobRepository(db)

	jobs := scheduler.New(jobRepo, logr, scheduler.Options{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.SchedulerBatchSize,
		Lease:        cfg.SchedulerLease,
		MaxAttempts:  cfg.SchedulerMaxAttempts,
		Location:     cfg.Location,
	})

	tierResolver := service.NewTierResolver(logr, userRepo)
	usageLimiter := service.NewUsageLimiter(cfg, logr, userRepo)
	referralService := service.NewReferralService(cfg, logr, userRepo, notifier)
	activityService := service.NewActivityService(cfg, logr, userRepo, notifier)
	subscriptionService := service.NewSubscriptionService(logr, userRepo, jobs)
	campaignService := service.NewCampaignService(cfg, logr, userRepo, userRepo, locker, notifier)
	userService := service.NewUserService(logr, userRepo, referralService)
	planService := service.NewPlanService(cfg, planRepo)
	paymentService := service.NewPaymentService(cfg, logr, paymentRepo, userService, planService, subscriptionService, notifier)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	for _, kind := range service.CampaignKinds {
		jobs.Handle(kind, campaignService.HandleJob)
	}
	if err := jobs.EnsureRecurring(ctx, models.JobSuperVIPDecaySweep, cfg.DecaySweepCron); err != nil {
		log.Fatalf("schedule decay sweep: %v", err)
	}
	go func() {
		if err := jobs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("scheduler stopped", "err", err)
		}
	}()

	bot := telegram.NewBot(cfg, botAPI, logr, telegram.Services{
		Users:         userService,
		Tiers:         tierResolver,
		Limiter:       usageLimiter,
		Activity:      activityService,
		Subscriptions: subscriptionService,
		Payments:      paymentService,
		Notifier:      notifier,
	}, assistant.NewClient(cfg, logr))

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, admin.Deps{
		Users:         userService,
		Tiers:         tierResolver,
		Subscriptions: subscriptionService,
		Referrals:     referralService,
		Campaigns:     campaignService,
		Plans:         planService,
		Payments:      paymentService,
		Bot:           botAPI,
	})
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
