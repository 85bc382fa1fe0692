package db

import (
	"time"

	"github.com/macjediwizard/calendarsync/internal/calsync"
)

// SyncStatus represents the outcome of the latest run of a sync.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Run finished but some sources or events failed
	SyncStatusError   SyncStatus = "error"   // Run failed before writing
)

// User represents a signed-in Google account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	RefreshToken string    `json:"-"` // Never include in JSON
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Sync is one stored sync configuration.
type Sync struct {
	ID                         string            `json:"id"`
	UserID                     string            `json:"user_id"`
	DestinationCalendarID      string            `json:"destination_calendar_id"`
	DestinationCalendarSummary string            `json:"destination_calendar_summary"`
	Sources                    []calsync.Source  `json:"sources"`
	SourceNames                map[string]string `json:"source_names"`
	SourceICals                []string          `json:"source_icals,omitempty"` // legacy
	EventPrefix                string            `json:"event_prefix,omitempty"` // legacy
	WindowPastDays             int               `json:"window_past_days"`
	WindowFutureDays           int               `json:"window_future_days"`
	LastSyncedAt               *time.Time        `json:"last_synced_at"`
	LastSyncStatus             SyncStatus        `json:"last_sync_status"`
	LastSyncMessage            string            `json:"last_sync_message"`
	CreatedAt                  time.Time         `json:"created_at"`
	UpdatedAt                  time.Time         `json:"updated_at"`
}

// Config converts the row into the engine's view of it.
func (s *Sync) Config() *calsync.SyncConfig {
	return &calsync.SyncConfig{
		ID:               s.ID,
		OwnerID:          s.UserID,
		DestinationID:    s.DestinationCalendarID,
		DestinationName:  s.DestinationCalendarSummary,
		Sources:          s.Sources,
		SourceNames:      s.SourceNames,
		LastSyncedAt:     s.LastSyncedAt,
		LegacyICalURLs:   s.SourceICals,
		LegacyPrefix:     s.EventPrefix,
		WindowPastDays:   s.WindowPastDays,
		WindowFutureDays: s.WindowFutureDays,
	}
}

// SyncLog represents one recorded run of a sync.
type SyncLog struct {
	ID              string        `json:"id"`
	SyncID          string        `json:"sync_id"`
	Status          SyncStatus    `json:"status"`
	Message         string        `json:"message"`
	Details         string        `json:"details"` // JSON with failed sources and events
	SourcesSynced   int           `json:"sources_synced"`
	EventsCandidate int           `json:"events_candidate"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsFailed    int           `json:"events_failed"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
}
