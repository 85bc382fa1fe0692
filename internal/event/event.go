// Package event defines the source-independent event representation used by
// the sync engine and the pure functions that build it from iCalendar
// components and Google Calendar API events.
package event

import (
	"errors"
	"time"

	"google.golang.org/api/calendar/v3"
)

var (
	ErrNoUID   = errors.New("event has no UID")
	ErrNoStart = errors.New("event has no resolvable start time")
)

const (
	dateLayout = "2006-01-02"
)

// TimePoint is either a zoned instant or a bare calendar date (all-day).
// All-day values are stored as midnight UTC of their date.
type TimePoint struct {
	Time   time.Time
	AllDay bool
	// Zone is the IANA zone the instant was expressed in, when known.
	Zone string
}

// Instant returns a TimePoint for t, remembering zone when non-empty.
func Instant(t time.Time, zone string) TimePoint {
	return TimePoint{Time: t, Zone: zone}
}

// Date returns an all-day TimePoint.
func Date(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), AllDay: true}
}

// IsZero reports whether the point is unset.
func (p TimePoint) IsZero() bool {
	return p.Time.IsZero()
}

// UTC returns the point as a UTC instant; all-day dates map to midnight UTC.
func (p TimePoint) UTC() time.Time {
	return p.Time.UTC()
}

// Add shifts the point by d. All-day points stay all-day, truncated to the date.
func (p TimePoint) Add(d time.Duration) TimePoint {
	if p.AllDay {
		t := p.Time.Add(d)
		return Date(t.Year(), t.Month(), t.Day())
	}
	return TimePoint{Time: p.Time.Add(d), Zone: p.Zone}
}

// EventDateTime converts the point to the Calendar API representation.
// withZone attaches a timeZone, which the API requires on recurring series.
func (p TimePoint) EventDateTime(withZone bool) *calendar.EventDateTime {
	if p.IsZero() {
		return nil
	}
	if p.AllDay {
		return &calendar.EventDateTime{Date: p.Time.Format(dateLayout)}
	}
	edt := &calendar.EventDateTime{DateTime: p.Time.Format(time.RFC3339)}
	if withZone {
		edt.TimeZone = p.Zone
		if edt.TimeZone == "" {
			edt.TimeZone = "UTC"
		}
	}
	return edt
}

// Event is the canonical event produced by every source adapter.
type Event struct {
	// SourceUID identifies the event at its origin and is the only key used
	// to correlate it with the destination across runs.
	SourceUID   string
	Summary     string
	Description string
	Location    string
	Start       TimePoint
	// End is zero when the source carried neither an end nor a duration.
	End               TimePoint
	IsRecurringMaster bool
	// Recurrence holds RRULE, EXRULE, RDATE and EXDATE lines for masters.
	Recurrence  []string
	Prefix      string
	SourceTitle string
}

// Window is the inclusive range within which non-recurring events must start.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns [now - pastDays, now + futureDays] in UTC.
func NewWindow(now time.Time, pastDays, futureDays int) Window {
	now = now.UTC()
	return Window{
		Start: now.AddDate(0, 0, -pastDays),
		End:   now.AddDate(0, 0, futureDays),
	}
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Includes applies the inclusion policy: recurring masters are always kept,
// anything else must start inside the window.
func (w Window) Includes(ev Event) bool {
	if ev.IsRecurringMaster {
		return true
	}
	if ev.Start.IsZero() {
		return false
	}
	return w.Contains(ev.Start.UTC())
}
