package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/macjediwizard/calendarsync/internal/event"
)

const (
	DefaultWindowPastDays   = 30
	DefaultWindowFutureDays = 365
	DefaultWorkers          = 10
	DefaultBatchLimit       = 50
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	WindowPastDays   int
	WindowFutureDays int
	Workers          int
	BatchLimit       int
	// BatchRPS paces write batches; zero or less disables pacing.
	BatchRPS float64
	// BaseURL, when set, is attached to every written event as its source link.
	BaseURL string
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.WindowPastDays <= 0 {
		o.WindowPastDays = DefaultWindowPastDays
	}
	if o.WindowFutureDays <= 0 {
		o.WindowFutureDays = DefaultWindowFutureDays
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = DefaultBatchLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators of an Engine. ICal and CalDAV may be nil, in
// which case sources of that type fail.
type Deps struct {
	Store       ConfigStore
	Credentials Credentials
	Services    ServiceFactory
	ICal        Fetcher
	CalDAV      Fetcher
}

// Engine runs syncs.
type Engine struct {
	store    ConfigStore
	creds    Credentials
	services ServiceFactory
	ical     Fetcher
	caldav   Fetcher
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:    deps.Store,
		creds:    deps.Credentials,
		services: deps.Services,
		ical:     deps.ICal,
		caldav:   deps.CalDAV,
		opts:     opts,
		logger:   opts.Logger.With("component", "sync"),
	}
}

// Window returns the active window for cfg at now, honoring its overrides.
func (e *Engine) Window(cfg *SyncConfig, now time.Time) event.Window {
	past, future := e.opts.WindowPastDays, e.opts.WindowFutureDays
	if cfg.WindowPastDays > 0 {
		past = cfg.WindowPastDays
	}
	if cfg.WindowFutureDays > 0 {
		future = cfg.WindowFutureDays
	}
	return event.NewWindow(now, past, future)
}

// RunSync runs the sync with the given id and reports only whether it failed.
func (e *Engine) RunSync(ctx context.Context, syncID string) error {
	_, err := e.Run(ctx, syncID)
	return err
}

// Run executes one sync: fetch all sources, resolve the destination index for
// the candidate events, write them, then record source names and the sync
// time. Source and event failures are reported in the RunReport and do not
// fail the run. A missing config or unusable credential fails it before
// anything is written.
func (e *Engine) Run(ctx context.Context, syncID string) (*RunReport, error) {
	started := e.opts.Now()
	logger := e.logger.With("sync_id", syncID)

	cfg, err := e.store.LoadSyncConfig(ctx, syncID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load sync %s: %w", syncID, err)
	}

	token, err := e.creds.RefreshToken(ctx, cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("%w: owner %s: %w", ErrCredentials, cfg.OwnerID, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: owner %s has no refresh token", ErrCredentials, cfg.OwnerID)
	}

	// One client per run; fetch, lookup and write all go through the cache.
	services := NewServiceCache(e.services)
	if _, err := services.Get(ctx, token); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	report := &RunReport{
		SyncID:      cfg.ID,
		StartedAt:   started,
		Window:      e.Window(cfg, started),
		SourceNames: make(map[string]string),
	}

	events := e.collectEvents(ctx, services, token, cfg.EffectiveSources(), report.Window, report)
	report.Candidates = len(events)

	index := e.resolveIndex(ctx, services, token, cfg.DestinationID, uniqueUIDs(events), report)
	e.upsert(ctx, services, token, cfg.DestinationID, events, index, report)

	report.FinishedAt = e.opts.Now()

	update := ConfigUpdate{SourceNames: report.SourceNames, LastSyncedAt: report.FinishedAt}
	if err := e.store.UpdateSyncConfig(ctx, cfg.ID, update); err != nil {
		return report, fmt.Errorf("update sync %s: %w", cfg.ID, err)
	}

	logger.Info("sync finished",
		"sources", report.Sources,
		"candidates", report.Candidates,
		"created", report.Created,
		"updated", report.Updated,
		"source_failures", len(report.SourceFailures),
		"event_failures", len(report.EventFailures),
		"duration", report.Duration())
	return report, nil
}
