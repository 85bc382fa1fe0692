package event

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
)

// FromRemoteEvent maps a Google Calendar API event to an Event. The API's
// event id is the source UID.
func FromRemoteEvent(e *calendar.Event) (Event, error) {
	if e == nil || e.Id == "" {
		return Event{}, ErrNoUID
	}

	start, err := parseEventDateTime(e.Start)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %w", ErrNoStart, e.Id, err)
	}

	ev := Event{
		SourceUID:   e.Id,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       start,
	}
	if end, err := parseEventDateTime(e.End); err == nil {
		ev.End = end
	}
	if len(e.Recurrence) > 0 {
		ev.IsRecurringMaster = true
		ev.Recurrence = append([]string(nil), e.Recurrence...)
	}
	return ev, nil
}

func parseEventDateTime(edt *calendar.EventDateTime) (TimePoint, error) {
	if edt == nil {
		return TimePoint{}, ErrNoStart
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return TimePoint{}, fmt.Errorf("parse dateTime %q: %w", edt.DateTime, err)
		}
		return Instant(t, edt.TimeZone), nil
	}
	if edt.Date != "" {
		d, err := time.Parse(dateLayout, edt.Date)
		if err != nil {
			return TimePoint{}, fmt.Errorf("parse date %q: %w", edt.Date, err)
		}
		return Date(d.Year(), d.Month(), d.Day()), nil
	}
	return TimePoint{}, ErrNoStart
}
