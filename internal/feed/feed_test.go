package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/validator"
)

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"X-WR-CALNAME:Team Holidays\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:recent@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260520T090000Z\r\n" +
	"DTEND:20260520T100000Z\r\n" +
	"SUMMARY:Recent\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:old@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260401T090000Z\r\n" +
	"SUMMARY:Old\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:weekly@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20200106T090000Z\r\n" +
	"RRULE:FREQ=WEEKLY;BYDAY=MO\r\n" +
	"SUMMARY:Weekly\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260520T090000Z\r\n" +
	"SUMMARY:No UID\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type stubGetter struct {
	body []byte
	err  error
	urls []string
}

func (s *stubGetter) SafeGet(_ context.Context, rawURL string) ([]byte, error) {
	s.urls = append(s.urls, rawURL)
	return s.body, s.err
}

func (s *stubGetter) Open(_ context.Context, rawURL string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(string(s.body))), nil
}

func TestParse(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleFeed))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Name != "Team Holidays" {
		t.Errorf("Name = %q, want %q", doc.Name, "Team Holidays")
	}
	if len(doc.Events) != 4 {
		t.Fatalf("expected 4 top-level events, got %d", len(doc.Events))
	}
	for _, comp := range doc.Events {
		if comp.Name != "VEVENT" {
			t.Errorf("unexpected component %s", comp.Name)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"html", "<html><body>not a calendar</body></html>"},
		{"unterminated", "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.in)); !errors.Is(err, ErrMalformedContent) {
				t.Errorf("expected ErrMalformedContent, got %v", err)
			}
		})
	}
}

func TestICalFetcher(t *testing.T) {
	w := event.NewWindow(testNow, 30, 365)

	t.Run("filters by window and keeps recurring masters", func(t *testing.T) {
		getter := &stubGetter{body: []byte(sampleFeed)}
		res, err := NewICalFetcher(getter).Fetch(context.Background(), "https://example.com/h.ics", w)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}

		var uids []string
		for _, ev := range res.Events {
			uids = append(uids, ev.SourceUID)
		}
		if diff := cmp.Diff([]string{"recent@example.com", "weekly@example.com"}, uids); diff != "" {
			t.Errorf("uids mismatch (-want +got):\n%s", diff)
		}
		if res.Name != "Team Holidays" {
			t.Errorf("Name = %q", res.Name)
		}
		if res.Dropped != 1 || res.Filtered != 1 {
			t.Errorf("Dropped=%d Filtered=%d, want 1/1", res.Dropped, res.Filtered)
		}
	})

	t.Run("name falls back to locator", func(t *testing.T) {
		body := strings.Replace(sampleFeed, "X-WR-CALNAME:Team Holidays\r\n", "", 1)
		getter := &stubGetter{body: []byte(body)}
		res, err := NewICalFetcher(getter).Fetch(context.Background(), "https://example.com/h.ics", w)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if res.Name != "https://example.com/h.ics" {
			t.Errorf("Name = %q", res.Name)
		}
	})

	t.Run("fetch error propagates", func(t *testing.T) {
		getter := &stubGetter{err: validator.ErrPrivateIP}
		_, err := NewICalFetcher(getter).Fetch(context.Background(), "http://10.0.0.1/x.ics", w)
		if !errors.Is(err, validator.ErrPrivateIP) {
			t.Errorf("expected ErrPrivateIP, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		getter := &stubGetter{body: []byte("<html/>")}
		_, err := NewICalFetcher(getter).Fetch(context.Background(), "https://example.com/h.ics", w)
		if !errors.Is(err, ErrMalformedContent) {
			t.Errorf("expected ErrMalformedContent, got %v", err)
		}
	})

	t.Run("moved instance is folded into its series", func(t *testing.T) {
		body := "BEGIN:VCALENDAR\r\n" +
			"VERSION:2.0\r\n" +
			"PRODID:-//test//EN\r\n" +
			"BEGIN:VEVENT\r\n" +
			"UID:standup@example.com\r\n" +
			"DTSTAMP:20260101T000000Z\r\n" +
			"DTSTART:20260105T090000Z\r\n" +
			"DTEND:20260105T091500Z\r\n" +
			"RRULE:FREQ=WEEKLY;BYDAY=MO\r\n" +
			"SUMMARY:Standup\r\n" +
			"END:VEVENT\r\n" +
			"BEGIN:VEVENT\r\n" +
			"UID:standup@example.com\r\n" +
			"DTSTAMP:20260101T000000Z\r\n" +
			"RECURRENCE-ID:20260608T090000Z\r\n" +
			"DTSTART:20260609T090000Z\r\n" +
			"DTEND:20260609T091500Z\r\n" +
			"SUMMARY:Standup (moved)\r\n" +
			"END:VEVENT\r\n" +
			"END:VCALENDAR\r\n"

		getter := &stubGetter{body: []byte(body)}
		res, err := NewICalFetcher(getter).Fetch(context.Background(), "https://example.com/s.ics", w)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if len(res.Events) != 1 {
			t.Fatalf("expected only the series master, got %d events", len(res.Events))
		}
		ev := res.Events[0]
		if ev.Summary != "Standup" || !ev.IsRecurringMaster {
			t.Errorf("got %q master=%v, want the recurring Standup", ev.Summary, ev.IsRecurringMaster)
		}
		if diff := cmp.Diff([]string{"RRULE:FREQ=WEEKLY;BYDAY=MO"}, ev.Recurrence); diff != "" {
			t.Errorf("Recurrence mismatch (-want +got):\n%s", diff)
		}
		if res.Dropped != 0 || res.Filtered != 0 {
			t.Errorf("Dropped=%d Filtered=%d, want 0/0", res.Dropped, res.Filtered)
		}
	})
}

func TestCalendarName(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain", "BEGIN:VCALENDAR\r\nX-WR-CALNAME:Work\r\nEND:VCALENDAR\r\n", "Work"},
		{"with params", "BEGIN:VCALENDAR\r\nX-WR-CALNAME;LANGUAGE=en:Sports\r\n", "Sports"},
		{"lowercase", "BEGIN:VCALENDAR\nx-wr-calname:Lower\n", "Lower"},
		{"after first event is ignored", "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nEND:VEVENT\r\nX-WR-CALNAME:Late\r\n", "https://example.com/c.ics"},
		{"missing", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", "https://example.com/c.ics"},
		{"beyond scan limit", strings.Repeat("X-PAD:"+strings.Repeat("a", 100)+"\r\n", 600) + "X-WR-CALNAME:Far\r\n", "https://example.com/c.ics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalendarName(context.Background(), &stubGetter{body: []byte(tt.body)}, "https://example.com/c.ics")
			if got != tt.want {
				t.Errorf("CalendarName() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("open error", func(t *testing.T) {
		got := CalendarName(context.Background(), &stubGetter{err: errors.New("boom")}, "https://example.com/c.ics")
		if got != "https://example.com/c.ics" {
			t.Errorf("CalendarName() = %q", got)
		}
	})
}

const caldavReport = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/recent.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"1"</d:getetag>
        <c:calendar-data>BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:dav-1
DTSTAMP:20260101T000000Z
DTSTART:20260520T090000Z
DTEND:20260520T100000Z
SUMMARY:From CalDAV
END:VEVENT
END:VCALENDAR
</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestCalDAVFetcher(t *testing.T) {
	var gotAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotAuth = r.BasicAuth()
		switch r.Method {
		case "REPORT":
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, caldavReport)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := validator.New(validator.WithAllowPrivateIPs())
	fetcher := NewCalDAVFetcher(client.HTTPClient())
	w := event.NewWindow(testNow, 30, 365)

	locator := strings.Replace(server.URL, "http://", "http://alice:secret@", 1) + "/cal/"
	res, err := fetcher.Fetch(context.Background(), locator, w)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !gotAuth {
		t.Error("expected basic auth from locator userinfo")
	}
	if len(res.Events) != 1 || res.Events[0].SourceUID != "dav-1" {
		t.Fatalf("unexpected events: %+v", res.Events)
	}
	if res.Events[0].Summary != "From CalDAV" {
		t.Errorf("Summary = %q", res.Events[0].Summary)
	}
	if strings.Contains(res.Name, "secret") {
		t.Errorf("display name leaks credentials: %q", res.Name)
	}
}
