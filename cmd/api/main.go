package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pinboard/api/internal/app"
	"pinboard/api/internal/archive"
	"pinboard/api/internal/auth"
	"pinboard/api/internal/config"
	"pinboard/api/internal/digest"
	"pinboard/api/internal/email"
	"pinboard/api/internal/live"
	"pinboard/api/internal/logging"
	"pinboard/api/internal/mention"
	"pinboard/api/internal/notify"
	"pinboard/api/internal/search"
	"pinboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Env.String()+"-api")
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)

	var index search.UserIndex
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	searchService := search.NewService(index, dataStore, logger)

	provider, err := email.NewProvider(ctx, cfg.EmailProvider, smtpConfig(cfg), []byte(cfg.GoogleCredentialsJSON), logger)
	if err != nil {
		logger.Fatal("email provider", zap.String("provider", cfg.EmailProvider), zap.Error(err))
	}
	sender := email.NewSender(provider, cfg.BaseURL)

	var push notify.PushSender
	vapid := notify.VAPIDConfig{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey, Subscriber: cfg.VAPIDSubscriber}
	if vapid.IsConfigured() {
		push = notify.NewWebPushSender(vapid)
	} else {
		logger.Warn("VAPID keys not configured, web push disabled")
	}

	hub := live.NewHub(logger)
	var publisher live.Publisher = hub
	dispatcherOpts := []notify.Option{notify.WithMailer(sender)}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		logger.Info("using redis for the delivery ledger and live fan-out")

		dispatcherOpts = append(dispatcherOpts, notify.WithLedger(notify.NewRedisLedgerWithClient(redisClient)))
		bridge := live.NewRedisBridge(redisClient, hub, logger)
		publisher = bridge
		go func() {
			if err := bridge.Run(ctx, nil); err != nil {
				logger.Error("live redis bridge stopped", zap.Error(err))
			}
		}()
	}
	dispatcher := notify.NewDispatcher(dataStore, push, logger, dispatcherOpts...)

	var archiver *archive.Archiver
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		client, err := archive.NewMinioClient(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveUseSSL)
		if err != nil {
			logger.Fatal("archive storage", zap.Error(err))
		}
		archiver = archive.NewArchiver(dataStore, client, cfg.ArchiveBucket, strings.ToLower(string(cfg.Env.Stage)), logger)
	}

	deps := app.Deps{
		Store:     dataStore,
		Resolver:  mention.NewResolver(dataStore, mention.NewBotRegistry(cfg.Bots), logger),
		Search:    searchService,
		Notifier:  dispatcher,
		Publisher: publisher,
		Bots:      mention.NewBotInvoker(nil, logger),
		Logger:    logger,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	service := app.New(cfg, deps)

	verifier := auth.NewVerifier(cfg.AuthSecret)
	subscriptions := live.NewHandler(hub, func(r *http.Request) (string, error) {
		return verifier.VerifyRequest(r, true)
	}, cfg.CORSOrigin, logger)
	httpServer := app.NewHTTPServer(service, func(r *http.Request) (string, error) {
		return verifier.VerifyRequest(r, false)
	}, cfg.CORSOrigin, logger).WithSubscriptions(subscriptions)

	if cfg.RunSchedulers {
		sweeper := digest.NewSweeper(dataStore, sender, cfg.EmailGrace, logger)
		go runEvery(ctx, logger, "email-sweep", cfg.EmailSweepInterval, func(ctx context.Context) error {
			report, err := sweeper.Run(ctx, time.Now())
			logger.Info("email sweep", zap.Any("report", report))
			return err
		})
		if push != nil {
			pings := notify.NewPingSweep(dispatcher, dataStore)
			go runEvery(ctx, logger, "push-ping", cfg.PushPingInterval, func(ctx context.Context) error {
				report, err := pings.Run(ctx)
				logger.Info("push ping", zap.Int("checked", report.Checked), zap.Int("expired", report.Expired))
				return err
			})
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Pinboard API listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env.String()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	service.Wait()
}

func smtpConfig(cfg config.Config) email.Config {
	return email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}
}

// runEvery runs job immediately and then on every tick until ctx is done.
// Failures are logged and the next tick tries again.
func runEvery(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		logger.Warn("scheduler disabled", zap.String("job", name))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
