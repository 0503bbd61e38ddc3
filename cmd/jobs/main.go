// Command jobs runs the scheduled Pinboard maintenance tasks once.
//
//	jobs email-sweep
//	jobs push-ping
//	jobs refresh-directory
//	jobs reindex-search
//	jobs archive <pinboardId>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pinboard/api/internal/archive"
	"pinboard/api/internal/config"
	"pinboard/api/internal/digest"
	"pinboard/api/internal/directory"
	"pinboard/api/internal/email"
	"pinboard/api/internal/logging"
	"pinboard/api/internal/notify"
	"pinboard/api/internal/search"
	"pinboard/api/internal/store"
)

const usage = "usage: jobs email-sweep | push-ping | refresh-directory | reindex-search | archive <pinboardId>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := os.Args[1]
	if err := run(ctx, cfg, logger, job, os.Args[2:]); err != nil {
		logger.Error("job failed", zap.String("job", job), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, job string, args []string) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Env.String()+"-jobs")
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	started := time.Now()
	logger = logger.With(zap.String("job", job))

	switch job {
	case "email-sweep":
		provider, err := email.NewProvider(ctx, cfg.EmailProvider, smtpConfig(cfg), []byte(cfg.GoogleCredentialsJSON), logger)
		if err != nil {
			return err
		}
		sweeper := digest.NewSweeper(dataStore, email.NewSender(provider, cfg.BaseURL), cfg.EmailGrace, logger)
		report, err := sweeper.Run(ctx, started)
		logger.Info("email sweep finished", zap.Any("report", report), zap.Duration("took", time.Since(started)))
		return err

	case "push-ping":
		vapid := notify.VAPIDConfig{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey, Subscriber: cfg.VAPIDSubscriber}
		if !vapid.IsConfigured() {
			return errors.New("VAPID keys not configured")
		}
		dispatcher := notify.NewDispatcher(dataStore, notify.NewWebPushSender(vapid), logger)
		report, err := notify.NewPingSweep(dispatcher, dataStore).Run(ctx)
		logger.Info("push ping finished", zap.Int("checked", report.Checked), zap.Int("expired", report.Expired))
		return err

	case "refresh-directory":
		source, err := directorySource(ctx, cfg)
		if err != nil {
			return err
		}
		refresher := directory.NewRefresher(source, dataStore, newSearch(cfg, dataStore, logger), logger)
		_, err = refresher.Run(ctx)
		return err

	case "reindex-search":
		if strings.TrimSpace(cfg.MeiliURL) == "" {
			return errors.New("MEILI_URL not configured")
		}
		indexed, err := newSearch(cfg, dataStore, logger).Reindex(ctx)
		logger.Info("search reindexed", zap.Int("users", indexed))
		return err

	case "archive":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errors.New(usage)
		}
		if strings.TrimSpace(cfg.ArchiveEndpoint) == "" {
			return errors.New("ARCHIVE_ENDPOINT not configured")
		}
		client, err := archive.NewMinioClient(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveUseSSL)
		if err != nil {
			return err
		}
		archiver := archive.NewArchiver(dataStore, client, cfg.ArchiveBucket, strings.ToLower(string(cfg.Env.Stage)), logger)
		_, err = archiver.ArchivePinboard(ctx, args[0])
		return err

	default:
		return fmt.Errorf("unknown job %q; %s", job, usage)
	}
}

// directorySource prefers a snapshot file, which local stages use instead of
// the Google Admin API.
func directorySource(ctx context.Context, cfg config.Config) (directory.Source, error) {
	if path := strings.TrimSpace(cfg.DirectoryFile); path != "" {
		return directory.NewFileSource(path), nil
	}
	if cfg.GoogleCredentialsJSON == "" || cfg.GoogleAdminSubject == "" {
		return nil, errors.New("GOOGLE_CREDENTIALS_JSON and GOOGLE_ADMIN_SUBJECT are required without PINBOARD_DIRECTORY_FILE")
	}
	return directory.NewGoogleSource(ctx, []byte(cfg.GoogleCredentialsJSON), cfg.GoogleAdminSubject, cfg.GoogleCustomerID)
}

func newSearch(cfg config.Config, dataStore *store.PostgresStore, logger *zap.Logger) *search.Service {
	var index search.UserIndex
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	return search.NewService(index, dataStore, logger)
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
