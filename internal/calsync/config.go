// Package calsync is the sync engine: it fetches every source of a sync,
// normalizes and filters the events, resolves which of them already exist in
// the destination calendar and writes creates and updates in batches.
package calsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/macjediwizard/calendarsync/internal/gcal"
)

var (
	ErrConfigNotFound = errors.New("sync configuration not found")
	ErrCredentials    = errors.New("credentials unavailable")
)

// SourceType identifies how a source is fetched.
type SourceType string

const (
	SourceICal   SourceType = "ical"
	SourceGoogle SourceType = "google"
	SourceCalDAV SourceType = "caldav"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceICal, SourceGoogle, SourceCalDAV:
		return true
	}
	return false
}

// Source is one configured origin of events. Locator is a feed or collection
// URL, or a Google calendar id for google sources.
type Source struct {
	Type    SourceType `json:"type"`
	Locator string     `json:"locator"`
	Prefix  string     `json:"prefix,omitempty"`
}

type sourceKey struct {
	typ     SourceType
	locator string
}

func (s Source) key() sourceKey {
	typ := s.Type
	if typ == "" {
		typ = SourceICal
	}
	return sourceKey{typ: typ, locator: s.Locator}
}

// SyncConfig is one sync task as stored by its owner.
type SyncConfig struct {
	ID              string
	OwnerID         string
	DestinationID   string
	DestinationName string
	Sources         []Source
	SourceNames     map[string]string
	LastSyncedAt    *time.Time

	// Legacy single-prefix layout, used only when Sources is empty.
	LegacyICalURLs []string
	LegacyPrefix   string

	// Per-sync window overrides in days; zero means the engine default.
	WindowPastDays   int
	WindowFutureDays int
}

// EffectiveSources returns Sources, or the sources implied by the legacy
// fields when Sources is empty.
func (c *SyncConfig) EffectiveSources() []Source {
	if len(c.Sources) > 0 {
		return c.Sources
	}
	prefix := strings.TrimSpace(c.LegacyPrefix)
	sources := make([]Source, 0, len(c.LegacyICalURLs))
	for _, u := range c.LegacyICalURLs {
		sources = append(sources, Source{Type: SourceICal, Locator: u, Prefix: prefix})
	}
	return sources
}

// ConfigUpdate is the part of a SyncConfig the engine writes back after a run.
type ConfigUpdate struct {
	SourceNames  map[string]string
	LastSyncedAt time.Time
}

// ConfigStore loads and partially updates sync configurations.
// LoadSyncConfig returns ErrConfigNotFound for unknown ids.
type ConfigStore interface {
	LoadSyncConfig(ctx context.Context, id string) (*SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, id string, update ConfigUpdate) error
}

// Credentials returns the stored refresh token of an owner.
type Credentials interface {
	RefreshToken(ctx context.Context, ownerID string) (string, error)
}

// Calendar is the subset of the Calendar API the engine uses. *gcal.Client
// satisfies it.
type Calendar interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) (*gcal.EventList, error)
	LookupEvents(ctx context.Context, calendarID string, uids []string) (map[string]string, error)
	WriteEvents(ctx context.Context, calendarID string, writes []gcal.Write) ([]error, error)
	ListCalendars(ctx context.Context) ([]gcal.CalendarEntry, error)
}

// ServiceFactory builds an authenticated Calendar from a refresh token,
// failing when the token cannot be exchanged.
type ServiceFactory func(ctx context.Context, refreshToken string) (Calendar, error)

// FactoryFrom adapts a gcal.Factory to a ServiceFactory.
func FactoryFrom(f *gcal.Factory) ServiceFactory {
	return func(ctx context.Context, refreshToken string) (Calendar, error) {
		client, err := f.New(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
