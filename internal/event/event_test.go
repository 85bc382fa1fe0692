package event

import (
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/calendar/v3"
)

func prop(name, value string, params ...string) ical.Prop {
	p := ical.Prop{Name: name, Value: value, Params: ical.Params{}}
	for i := 0; i+1 < len(params); i += 2 {
		p.Params[params[i]] = []string{params[i+1]}
	}
	return p
}

func vevent(props ...ical.Prop) *ical.Component {
	c := ical.NewComponent(ical.CompEvent)
	for i := range props {
		c.Props.Add(&props[i])
	}
	return c
}

func TestParseTimeProp(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		prop ical.Prop
		want TimePoint
	}{
		{
			name: "utc",
			prop: prop(ical.PropDateTimeStart, "20260112T170000Z"),
			want: Instant(time.Date(2026, 1, 12, 17, 0, 0, 0, time.UTC), ""),
		},
		{
			name: "floating treated as utc",
			prop: prop(ical.PropDateTimeStart, "20260112T170000"),
			want: Instant(time.Date(2026, 1, 12, 17, 0, 0, 0, time.UTC), ""),
		},
		{
			name: "date value",
			prop: prop(ical.PropDateTimeStart, "20260112", ical.ParamValue, "DATE"),
			want: Date(2026, 1, 12),
		},
		{
			name: "bare date without VALUE param",
			prop: prop(ical.PropDateTimeStart, "20260112"),
			want: Date(2026, 1, 12),
		},
		{
			name: "tzid",
			prop: prop(ical.PropDateTimeStart, "20260113T010000", ical.ParamTimezoneID, "America/New_York"),
			want: Instant(time.Date(2026, 1, 13, 1, 0, 0, 0, ny), "America/New_York"),
		},
		{
			name: "unknown tzid falls back to utc",
			prop: prop(ical.PropDateTimeStart, "20260113T010000", ical.ParamTimezoneID, "Custom/Nowhere"),
			want: Instant(time.Date(2026, 1, 13, 1, 0, 0, 0, time.UTC), ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.prop
			got, err := ParseTimeProp(&p)
			if err != nil {
				t.Fatalf("ParseTimeProp failed: %v", err)
			}
			if !got.Time.Equal(tt.want.Time) || got.AllDay != tt.want.AllDay || got.Zone != tt.want.Zone {
				t.Errorf("ParseTimeProp() = %+v, want %+v", got, tt.want)
			}
		})
	}

	t.Run("gmt offset", func(t *testing.T) {
		p := prop(ical.PropDateTimeStart, "20260113T010000", ical.ParamTimezoneID, "GMT-0500")
		got, err := ParseTimeProp(&p)
		if err != nil {
			t.Fatalf("ParseTimeProp failed: %v", err)
		}
		want := time.Date(2026, 1, 13, 6, 0, 0, 0, time.UTC)
		if !got.UTC().Equal(want) {
			t.Errorf("UTC() = %v, want %v", got.UTC(), want)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if _, err := ParseTimeProp(nil); !errors.Is(err, ErrNoStart) {
			t.Errorf("expected ErrNoStart, got %v", err)
		}
	})
}

func TestFromICalComponent(t *testing.T) {
	t.Run("basic event", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "abc@example.com"),
			prop(ical.PropSummary, "Standup"),
			prop(ical.PropDescription, "Daily"),
			prop(ical.PropLocation, "Room 1"),
			prop(ical.PropDateTimeStart, "20260112T170000Z"),
			prop(ical.PropDateTimeEnd, "20260112T173000Z"),
		)

		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}

		want := Event{
			SourceUID:   "abc@example.com",
			Summary:     "Standup",
			Description: "Daily",
			Location:    "Room 1",
			Start:       Instant(time.Date(2026, 1, 12, 17, 0, 0, 0, time.UTC), ""),
			End:         Instant(time.Date(2026, 1, 12, 17, 30, 0, 0, time.UTC), ""),
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("FromICalComponent() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("end from duration", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "dur"),
			prop(ical.PropDateTimeStart, "20260112T170000Z"),
			prop(ical.PropDuration, "PT1H30M"),
		)
		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}
		want := time.Date(2026, 1, 12, 18, 30, 0, 0, time.UTC)
		if !got.End.Time.Equal(want) {
			t.Errorf("End = %v, want %v", got.End.Time, want)
		}
	})

	t.Run("all-day duration stays all-day", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "allday"),
			prop(ical.PropDateTimeStart, "20260112", ical.ParamValue, "DATE"),
			prop(ical.PropDuration, "P1D"),
		)
		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}
		if diff := cmp.Diff(Date(2026, 1, 13), got.End); diff != "" {
			t.Errorf("End mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("no end and no duration", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "open"),
			prop(ical.PropDateTimeStart, "20260112T170000Z"),
		)
		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}
		if !got.End.IsZero() {
			t.Errorf("expected zero End, got %+v", got.End)
		}
	})

	t.Run("recurring master keeps rule lines", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "weekly"),
			prop(ical.PropDateTimeStart, "20200106T090000Z"),
			prop(ical.PropRecurrenceRule, "FREQ=WEEKLY;BYDAY=MO"),
			prop(ical.PropExceptionDates, "20200113T090000Z"),
		)
		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}
		if !got.IsRecurringMaster {
			t.Error("expected recurring master")
		}
		want := []string{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE:20200113T090000Z"}
		if diff := cmp.Diff(want, got.Recurrence); diff != "" {
			t.Errorf("Recurrence mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid rule dropped but still master", func(t *testing.T) {
		comp := vevent(
			prop(ical.PropUID, "broken"),
			prop(ical.PropDateTimeStart, "20200106T090000Z"),
			prop(ical.PropRecurrenceRule, "FREQ=SOMETIMES"),
		)
		got, err := FromICalComponent(comp)
		if err != nil {
			t.Fatalf("FromICalComponent failed: %v", err)
		}
		if !got.IsRecurringMaster {
			t.Error("expected recurring master")
		}
		if len(got.Recurrence) != 0 {
			t.Errorf("expected invalid rule to be dropped, got %v", got.Recurrence)
		}
	})

	t.Run("missing uid", func(t *testing.T) {
		comp := vevent(prop(ical.PropDateTimeStart, "20260112T170000Z"))
		if _, err := FromICalComponent(comp); !errors.Is(err, ErrNoUID) {
			t.Errorf("expected ErrNoUID, got %v", err)
		}
	})

	t.Run("missing start", func(t *testing.T) {
		comp := vevent(prop(ical.PropUID, "nostart"))
		if _, err := FromICalComponent(comp); !errors.Is(err, ErrNoStart) {
			t.Errorf("expected ErrNoStart, got %v", err)
		}
	})
}

func TestFromRemoteEvent(t *testing.T) {
	tests := []struct {
		name    string
		in      *calendar.Event
		want    Event
		wantErr error
	}{
		{
			name: "timed",
			in: &calendar.Event{
				Id:      "evt1",
				Summary: "Lunch",
				Start:   &calendar.EventDateTime{DateTime: "2026-01-12T12:00:00-05:00", TimeZone: "America/New_York"},
				End:     &calendar.EventDateTime{DateTime: "2026-01-12T13:00:00-05:00"},
			},
			want: Event{
				SourceUID: "evt1",
				Summary:   "Lunch",
				Start:     Instant(time.Date(2026, 1, 12, 17, 0, 0, 0, time.UTC), "America/New_York"),
				End:       Instant(time.Date(2026, 1, 12, 18, 0, 0, 0, time.UTC), ""),
			},
		},
		{
			name: "all day",
			in: &calendar.Event{
				Id:    "evt2",
				Start: &calendar.EventDateTime{Date: "2026-02-01"},
				End:   &calendar.EventDateTime{Date: "2026-02-02"},
			},
			want: Event{SourceUID: "evt2", Start: Date(2026, 2, 1), End: Date(2026, 2, 2)},
		},
		{
			name:    "no start",
			in:      &calendar.Event{Id: "evt3"},
			wantErr: ErrNoStart,
		},
		{
			name:    "no id",
			in:      &calendar.Event{Start: &calendar.EventDateTime{Date: "2026-02-01"}},
			wantErr: ErrNoUID,
		},
	}

	timeEqual := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRemoteEvent(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromRemoteEvent failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, timeEqual); diff != "" {
				t.Errorf("FromRemoteEvent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(now, 30, 365)

	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"inside", Event{Start: Instant(now, "")}, true},
		{"40 days ago", Event{Start: Instant(now.AddDate(0, 0, -40), "")}, false},
		{"40 days ago recurring", Event{Start: Instant(now.AddDate(0, 0, -40), ""), IsRecurringMaster: true}, true},
		{"beyond future", Event{Start: Instant(now.AddDate(0, 0, 400), "")}, false},
		{"start bound inclusive", Event{Start: Instant(w.Start, "")}, true},
		{"end bound inclusive", Event{Start: Instant(w.End, "")}, true},
		{"all-day inside", Event{Start: Date(2026, 5, 20)}, true},
		{"all-day just outside", Event{Start: Date(2026, 5, 1)}, false},
		{"no start", Event{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Includes(tt.ev); got != tt.want {
				t.Errorf("Includes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventDateTime(t *testing.T) {
	tests := []struct {
		name     string
		p        TimePoint
		withZone bool
		want     *calendar.EventDateTime
	}{
		{"zero", TimePoint{}, false, nil},
		{"all day", Date(2026, 1, 2), true, &calendar.EventDateTime{Date: "2026-01-02"}},
		{"instant", Instant(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ""), false, &calendar.EventDateTime{DateTime: "2026-01-02T03:04:05Z"}},
		{"instant with default zone", Instant(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ""), true, &calendar.EventDateTime{DateTime: "2026-01-02T03:04:05Z", TimeZone: "UTC"}},
		{"instant with zone", Instant(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "Europe/Paris"), true, &calendar.EventDateTime{DateTime: "2026-01-02T03:04:05Z", TimeZone: "Europe/Paris"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.p.EventDateTime(tt.withZone)); diff != "" {
				t.Errorf("EventDateTime() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
