package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/config"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/feed"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/logging"
	"github.com/macjediwizard/calendarsync/internal/notify"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
	"github.com/macjediwizard/calendarsync/internal/validator"
	"golang.org/x/oauth2"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *db.DB
	fetcher   *validator.Client
	oauth     *oauth2.Config
	services  calsync.ServiceFactory
	engine    *calsync.Engine
	notifier  *notify.Notifier
	logCloser io.Closer
}

// newApp loads the configuration and builds the storage, fetchers and the
// sync engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(ctx); err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     logging.Format(cfg.Logging.Format),
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	var fetchOpts []validator.Option
	if cfg.Sync.AllowPrivateIPs {
		logger.Warn("private IP addresses are allowed for source URLs")
		fetchOpts = append(fetchOpts, validator.WithAllowPrivateIPs())
	}
	fetcher := validator.New(fetchOpts...)

	oauthCfg := gcal.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	services := calsync.FactoryFrom(gcal.NewFactory(oauthCfg))

	engine := calsync.NewEngine(calsync.Deps{
		Store:       database,
		Credentials: database,
		Services:    services,
		ICal:        feed.NewICalFetcher(fetcher),
		CalDAV:      feed.NewCalDAVFetcher(fetcher.HTTPClient()),
	}, calsync.Options{
		WindowPastDays:   cfg.Sync.WindowPastDays,
		WindowFutureDays: cfg.Sync.WindowFutureDays,
		Workers:          cfg.Sync.Workers,
		BatchLimit:       cfg.Sync.BatchLimit,
		BatchRPS:         cfg.Sync.BatchRPS,
		BaseURL:          cfg.Server.BaseURL,
		Logger:           logger,
	})

	notifyCfg := &notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: cfg.Alerts.Cooldown,
	}
	if cfg.Alerts.WebhookEnabled() || cfg.Alerts.EmailEnabled() {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			database.Close()
			logCloser.Close()
			return nil, fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	notifier := notify.New(notifyCfg, logger)
	if notifier.IsEnabled() {
		logger.Info("alert notifications enabled",
			"webhook", cfg.Alerts.WebhookEnabled(),
			"email", cfg.Alerts.EmailEnabled(),
			"cooldown", cfg.Alerts.Cooldown)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		fetcher:   fetcher,
		oauth:     oauthCfg,
		services:  services,
		engine:    engine,
		notifier:  notifier,
		logCloser: logCloser,
	}, nil
}

// newScheduler builds a scheduler over the app's engine. An empty schedule
// leaves dispatch to the caller.
func (a *app) newScheduler(schedule string, workers int) *scheduler.Scheduler {
	return scheduler.New(a.db, a.engine, scheduler.Options{
		Schedule:       schedule,
		Timeout:        a.cfg.Sync.Timeout,
		ManualCooldown: a.cfg.Sync.ManualCooldown,
		Workers:        workers,
		Notifier:       a.notifier,
		Logger:         a.logger,
	})
}

// Close waits for pending alerts and releases the database and log file.
func (a *app) Close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
	_ = a.logCloser.Close()
}
