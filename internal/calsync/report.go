package calsync

import (
	"fmt"
	"time"

	"github.com/macjediwizard/calendarsync/internal/event"
)

// SourceFailure records a source that could not be fetched.
type SourceFailure struct {
	Type    SourceType `json:"type"`
	Locator string     `json:"locator"`
	Error   string     `json:"error"`
}

// EventFailure records a destination write that did not succeed.
type EventFailure struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Op      string `json:"op"`
	Error   string `json:"error"`
}

const (
	opCreate = "create"
	opUpdate = "update"
)

// RunReport summarizes one sync run.
type RunReport struct {
	SyncID     string       `json:"sync_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Window     event.Window `json:"-"`

	Sources    int `json:"sources"`
	Candidates int `json:"candidates"`
	Filtered   int `json:"filtered"`
	Dropped    int `json:"dropped"`
	Lookups    int `json:"lookups"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`

	SourceNames    map[string]string `json:"source_names"`
	SourceFailures []SourceFailure   `json:"source_failures,omitempty"`
	EventFailures  []EventFailure    `json:"event_failures,omitempty"`
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Partial reports whether any source or event failed.
func (r *RunReport) Partial() bool {
	return len(r.SourceFailures) > 0 || len(r.EventFailures) > 0
}

// Summary is a one-line description suitable for logs and the run history.
func (r *RunReport) Summary() string {
	msg := fmt.Sprintf("Synced %d sources: %d created, %d updated", r.Sources, r.Created, r.Updated)
	if r.Partial() {
		msg += fmt.Sprintf(" (%d sources failed, %d events failed)", len(r.SourceFailures), len(r.EventFailures))
	}
	return msg
}
