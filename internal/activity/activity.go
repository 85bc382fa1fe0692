package activity

import (
	"sync"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calsync"
)

// Run statuses reported by the tracker.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// SyncActivity represents the state of one sync run.
type SyncActivity struct {
	SyncID          string     `json:"sync_id"`
	Destination     string     `json:"destination"`
	Trigger         string     `json:"trigger"` // scheduled, manual, task, created or cli
	Status          string     `json:"status"`
	SourcesSynced   int        `json:"sources_synced"`
	EventsCandidate int        `json:"events_candidate"`
	EventsCreated   int        `json:"events_created"`
	EventsUpdated   int        `json:"events_updated"`
	EventsFailed    int        `json:"events_failed"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Tracker tracks sync runs in memory for the activity view.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // syncID -> activity
	recent         []*SyncActivity          // Newest first
	maxRecentSyncs int
	now            func() time.Time
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		maxRecentSyncs: 20,
		now:            time.Now,
	}
}

// StartSync begins tracking a run.
func (t *Tracker) StartSync(syncID, destination, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[syncID] = &SyncActivity{
		SyncID:      syncID,
		Destination: destination,
		Trigger:     trigger,
		Status:      StatusRunning,
		StartedAt:   t.now(),
	}
}

// FinishSync marks a run as finished and moves it to the recent list. report
// may be nil when the run failed before producing one.
func (t *Tracker) FinishSync(syncID string, report *calsync.RunReport, runErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[syncID]
	if !exists {
		return
	}

	now := t.now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()

	if report != nil {
		activity.SourcesSynced = report.Sources
		activity.EventsCandidate = report.Candidates
		activity.EventsCreated = report.Created
		activity.EventsUpdated = report.Updated
		activity.EventsFailed = len(report.EventFailures)
		activity.Message = report.Summary()
		for _, f := range report.SourceFailures {
			activity.Errors = append(activity.Errors, string(f.Type)+" "+f.Locator+": "+f.Error)
		}
		for _, f := range report.EventFailures {
			activity.Errors = append(activity.Errors, f.Op+" "+f.UID+": "+f.Error)
		}
	}

	switch {
	case runErr != nil:
		activity.Status = StatusError
		activity.Message = runErr.Error()
	case report != nil && report.Partial():
		activity.Status = StatusPartial
	default:
		activity.Status = StatusCompleted
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}
	delete(t.active, syncID)
}

// GetActive returns all currently running syncs.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		cp := *activity
		cp.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &cp)
	}
	return result
}

// GetRecent returns recently finished runs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		cp := *activity
		result[i] = &cp
	}
	return result
}

// Snapshot is the JSON shape of the activity view.
type Snapshot struct {
	Active []*SyncActivity `json:"active"`
	Recent []*SyncActivity `json:"recent"`
}

// GetAll returns both active and recent runs.
func (t *Tracker) GetAll() Snapshot {
	return Snapshot{Active: t.GetActive(), Recent: t.GetRecent()}
}

// IsSyncing returns true if the given sync is currently running.
func (t *Tracker) IsSyncing(syncID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[syncID]
	return exists
}
