package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calendarsync/internal/activity"
	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/notify"
)

const (
	cleanupSchedule  = "@daily"
	logRetentionDays = 30
	defaultTimeout   = 10 * time.Minute // Maximum time for a single sync run
	defaultCooldown  = 5 * time.Minute
	defaultWorkers   = 4
)

// Triggers recorded with each run.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerTask      = "task"
	TriggerCreated   = "created"
	TriggerCLI       = "cli"
)

var (
	// ErrAlreadyRunning is returned when a run of the same sync is in progress.
	ErrAlreadyRunning = errors.New("sync already in progress")
	// ErrCooldown is returned when a manual run is requested too soon after the last one.
	ErrCooldown = errors.New("manual sync cooldown active")
)

// Store is the persistence the scheduler needs. *db.DB implements it.
type Store interface {
	GetAllSyncs() ([]*db.Sync, error)
	GetSyncByID(id string) (*db.Sync, error)
	GetUserByID(id string) (*db.User, error)
	UpdateSyncStatus(id string, status db.SyncStatus, message string) error
	CreateSyncLog(log *db.SyncLog) error
	CleanOldSyncLogs(olderThan time.Time) (int64, error)
}

// Runner executes one sync. *calsync.Engine implements it.
type Runner interface {
	Run(ctx context.Context, syncID string) (*calsync.RunReport, error)
}

// Options configures a Scheduler. Zero values select the defaults.
type Options struct {
	// Schedule is a cron spec for dispatching every sync. Empty disables
	// scheduled dispatch, leaving runs to the task endpoints.
	Schedule       string
	Timeout        time.Duration
	ManualCooldown time.Duration
	// Workers bounds how many syncs a dispatch runs at once.
	Workers  int
	Tracker  *activity.Tracker
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// DispatchResult summarizes one pass over all syncs.
type DispatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Scheduler runs syncs on a cron schedule and on demand, records each run,
// and keeps at most one run per sync in flight.
type Scheduler struct {
	store    Store
	runner   Runner
	opts     Options
	tracker  *activity.Tracker
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	syncLocks  map[string]*sync.Mutex // Per-sync locks to prevent concurrent runs
	lastManual map[string]time.Time
	cron       *cron.Cron
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
}

// New creates a new scheduler.
func New(store Store, runner Runner, opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ManualCooldown <= 0 {
		opts.ManualCooldown = defaultCooldown
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Tracker == nil {
		opts.Tracker = activity.NewTracker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		runner:     runner,
		opts:       opts,
		tracker:    opts.Tracker,
		notifier:   opts.Notifier,
		logger:     opts.Logger.With("component", "scheduler"),
		now:        time.Now,
		syncLocks:  make(map[string]*sync.Mutex),
		lastManual: make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Tracker returns the activity tracker fed by this scheduler.
func (s *Scheduler) Tracker() *activity.Tracker {
	return s.tracker
}

// Start registers the dispatch and cleanup jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if s.opts.Schedule != "" {
		if _, err := c.AddFunc(s.opts.Schedule, s.dispatchScheduled); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", s.opts.Schedule, err)
		}
	}
	if _, err := c.AddFunc(cleanupSchedule, s.cleanupOldLogs); err != nil {
		return fmt.Errorf("register cleanup: %w", err)
	}

	c.Start()
	s.cron = c
	s.started = true

	s.logger.Info("scheduler started", "schedule", s.opts.Schedule, "workers", s.opts.Workers)
	return nil
}

// Stop stops the cron loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) dispatchScheduled() {
	result, err := s.DispatchAll(s.ctx, TriggerScheduled)
	if err != nil {
		s.logger.Error("scheduled dispatch failed", "error", err)
		return
	}
	s.logger.Info("scheduled dispatch finished",
		"total", result.Total,
		"succeeded", result.Succeeded,
		"partial", result.Partial,
		"failed", result.Failed,
		"skipped", result.Skipped)
}

// DispatchAll runs every stored sync once, at most Workers at a time.
// Individual run failures are counted, not returned.
func (s *Scheduler) DispatchAll(ctx context.Context, trigger string) (DispatchResult, error) {
	syncs, err := s.store.GetAllSyncs()
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list syncs: %w", err)
	}

	var (
		mu     sync.Mutex
		result = DispatchResult{Total: len(syncs)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, sc := range syncs {
		id := sc.ID
		g.Go(func() error {
			report, err := s.RunNow(gctx, id, trigger)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				result.Skipped++
			case err != nil:
				result.Failed++
			case report.Partial():
				result.Partial++
			default:
				result.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	return result, nil
}

// RunManual runs a sync on behalf of its owner. Requests closer together than
// the manual cooldown are rejected with ErrCooldown.
func (s *Scheduler) RunManual(ctx context.Context, syncID string) (*calsync.RunReport, error) {
	now := s.now()
	s.mu.Lock()
	if last, ok := s.lastManual[syncID]; ok && now.Sub(last) < s.opts.ManualCooldown {
		s.mu.Unlock()
		return nil, ErrCooldown
	}
	s.lastManual[syncID] = now
	s.mu.Unlock()

	return s.RunNow(ctx, syncID, TriggerManual)
}

// CooldownMessage is the user-facing text for ErrCooldown.
func (s *Scheduler) CooldownMessage() string {
	minutes := int(s.opts.ManualCooldown.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "Please wait 1 minute before syncing again"
	}
	return fmt.Sprintf("Please wait %d minutes before syncing again", minutes)
}

// Trigger runs a sync in the background, for example right after it was created.
func (s *Scheduler) Trigger(syncID, trigger string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunNow(s.ctx, syncID, trigger); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn("background sync failed", "sync_id", syncID, "error", err)
		}
	}()
}

// Forget drops per-sync state, used when a sync is deleted.
func (s *Scheduler) Forget(syncID string) {
	s.mu.Lock()
	delete(s.lastManual, syncID)
	delete(s.syncLocks, syncID)
	s.mu.Unlock()
	if s.notifier != nil {
		s.notifier.ClearState(syncID)
	}
}

// getSyncLock returns the mutex for a sync, creating one if needed.
func (s *Scheduler) getSyncLock(syncID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[syncID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[syncID] = lock
	return lock
}

// RunNow runs one sync synchronously and records its outcome: the sync's
// status, a run log entry, the activity tracker and alerts. It returns
// ErrAlreadyRunning without doing anything if the sync is already running.
func (s *Scheduler) RunNow(ctx context.Context, syncID, trigger string) (*calsync.RunReport, error) {
	lock := s.getSyncLock(syncID)
	if !lock.TryLock() {
		s.logger.Info("skipping sync, another run is in progress", "sync_id", syncID)
		return nil, ErrAlreadyRunning
	}
	defer lock.Unlock()

	logger := s.logger.With("sync_id", syncID, "trigger", trigger)

	sc, err := s.store.GetSyncByID(syncID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", calsync.ErrConfigNotFound, syncID)
		}
		return nil, fmt.Errorf("load sync %s: %w", syncID, err)
	}

	s.tracker.StartSync(syncID, sc.DestinationCalendarSummary, trigger)
	if err := s.store.UpdateSyncStatus(syncID, db.SyncStatusRunning, "Sync in progress"); err != nil {
		logger.Warn("failed to mark sync running", "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	started := s.now()
	report, runErr := s.runner.Run(runCtx, syncID)
	duration := s.now().Sub(started)

	status, message := outcome(report, runErr)
	if err := s.store.UpdateSyncStatus(syncID, status, message); err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Warn("failed to update sync status", "error", err)
	}
	if err := s.store.CreateSyncLog(newSyncLog(syncID, status, message, report, duration)); err != nil {
		logger.Warn("failed to write sync log", "error", err)
	}
	s.tracker.FinishSync(syncID, report, runErr)
	s.alert(ctx, sc, runErr)

	if runErr != nil {
		logger.Error("sync failed", "error", runErr, "duration", duration)
	} else {
		logger.Info("sync completed", "status", status, "message", message, "duration", duration)
	}
	return report, runErr
}

// alert raises a failure alert for fatal errors and a recovery alert otherwise.
func (s *Scheduler) alert(ctx context.Context, sc *db.Sync, runErr error) {
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}

	var email string
	if user, err := s.store.GetUserByID(sc.UserID); err == nil {
		email = user.Email
	}
	name := sc.DestinationCalendarSummary
	if name == "" {
		name = sc.DestinationCalendarID
	}

	if runErr != nil {
		s.notifier.SendFailureAlert(ctx, sc.ID, name, email, runErr.Error())
		return
	}
	s.notifier.SendRecoveryAlert(ctx, sc.ID, name, email)
}

func outcome(report *calsync.RunReport, runErr error) (db.SyncStatus, string) {
	switch {
	case runErr != nil:
		return db.SyncStatusError, runErr.Error()
	case report.Partial():
		return db.SyncStatusPartial, report.Summary()
	default:
		return db.SyncStatusSuccess, report.Summary()
	}
}

// runDetails is the JSON stored in sync_logs.details.
type runDetails struct {
	SourceFailures []calsync.SourceFailure `json:"source_failures,omitempty"`
	EventFailures  []calsync.EventFailure  `json:"event_failures,omitempty"`
}

func newSyncLog(syncID string, status db.SyncStatus, message string, report *calsync.RunReport, duration time.Duration) *db.SyncLog {
	entry := &db.SyncLog{
		SyncID:   syncID,
		Status:   status,
		Message:  message,
		Duration: duration,
	}
	if report == nil {
		return entry
	}

	entry.SourcesSynced = report.Sources
	entry.EventsCandidate = report.Candidates
	entry.EventsCreated = report.Created
	entry.EventsUpdated = report.Updated
	entry.EventsFailed = len(report.EventFailures)
	if report.Partial() {
		details, err := json.Marshal(runDetails{
			SourceFailures: report.SourceFailures,
			EventFailures:  report.EventFailures,
		})
		if err == nil {
			entry.Details = string(details)
		}
	}
	return entry
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := s.now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.store.CleanOldSyncLogs(cutoff)
	if err != nil {
		s.logger.Error("failed to clean old sync logs", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("cleaned old sync logs", "deleted", deleted)
	}
}
