package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/feed"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/logging"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	configs map[string]*SyncConfig
	updates []ConfigUpdate
	err     error
}

func (s *fakeStore) LoadSyncConfig(_ context.Context, id string) (*SyncConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	cfg, ok := s.configs[id]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return cfg, nil
}

func (s *fakeStore) UpdateSyncConfig(_ context.Context, id string, update ConfigUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

type fakeCreds map[string]string

func (c fakeCreds) RefreshToken(_ context.Context, ownerID string) (string, error) {
	tok, ok := c[ownerID]
	if !ok {
		return "", errors.New("user not found")
	}
	return tok, nil
}

// fakeCalendar is an in-memory destination and remote source.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]*calendar.Event
	nextID  int
	lists   map[string]*gcal.EventList
	listErr map[string]error

	lookupBatches [][]string
	writeBatches  [][]gcal.Write
	// transport failure per WriteEvents call index
	writeErr  map[int]error
	failUIDs  map[string]bool
	lookupErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:   make(map[string]*calendar.Event),
		lists:    make(map[string]*gcal.EventList),
		listErr:  make(map[string]error),
		writeErr: make(map[int]error),
		failUIDs: make(map[string]bool),
	}
}

func (f *fakeCalendar) ListEvents(_ context.Context, calendarID string, _, _ time.Time) (*gcal.EventList, error) {
	if err := f.listErr[calendarID]; err != nil {
		return nil, err
	}
	list, ok := f.lists[calendarID]
	if !ok {
		return nil, errors.New("calendar not found")
	}
	return list, nil
}

func (f *fakeCalendar) LookupEvents(_ context.Context, _ string, uids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupBatches = append(f.lookupBatches, append([]string(nil), uids...))
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}

	found := make(map[string]string)
	for _, uid := range uids {
		for id, ev := range f.events {
			if ev.ICalUID == uid {
				found[uid] = id
			}
		}
	}
	return found, nil
}

func (f *fakeCalendar) WriteEvents(_ context.Context, _ string, writes []gcal.Write) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.writeBatches)
	f.writeBatches = append(f.writeBatches, writes)
	if err := f.writeErr[call]; err != nil {
		return nil, err
	}

	errs := make([]error, len(writes))
	for i, w := range writes {
		body := *w.Event
		if w.EventID != "" {
			existing, ok := f.events[w.EventID]
			if !ok {
				errs[i] = errors.New("not found")
				continue
			}
			if body.ICalUID != "" {
				errs[i] = errors.New("iCalUID sent on update")
				continue
			}
			body.ICalUID = existing.ICalUID
			f.events[w.EventID] = &body
			continue
		}
		if f.failUIDs[body.ICalUID] {
			errs[i] = errors.New("rejected")
			continue
		}
		f.nextID++
		f.events[fmt.Sprintf("evt-%d", f.nextID)] = &body
	}
	return errs, nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]gcal.CalendarEntry, error) {
	return nil, nil
}

// snapshot renders the stored events for comparison.
func (f *fakeCalendar) snapshot() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.events))
	for id, ev := range f.events {
		b, _ := json.Marshal(ev)
		out[id] = string(b)
	}
	return out
}

func (f *fakeCalendar) writeCount() (creates, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, batch := range f.writeBatches {
		for _, w := range batch {
			if w.EventID == "" {
				creates++
			} else {
				updates++
			}
		}
	}
	return creates, updates
}

func (f *fakeCalendar) summaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.writeBatches {
		for _, w := range batch {
			out = append(out, w.Event.Summary)
		}
	}
	return out
}

// fakeFetcher serves fixed results per locator and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string][]event.Event
	names   map[string]string
	errs    map[string]error
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string][]event.Event),
		names:   make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, locator string, w event.Window) (*feed.Result, error) {
	f.mu.Lock()
	f.calls[locator]++
	f.mu.Unlock()

	if err := f.errs[locator]; err != nil {
		return nil, err
	}
	res := &feed.Result{Name: f.names[locator]}
	for _, ev := range f.results[locator] {
		if !w.Includes(ev) {
			res.Filtered++
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// feedGetter serves iCalendar bodies by URL for the real feed fetcher.
type feedGetter struct {
	bodies map[string]string
	err    error
}

func (g *feedGetter) SafeGet(_ context.Context, rawURL string) ([]byte, error) {
	if g.err != nil {
		return nil, g.err
	}
	body, ok := g.bodies[rawURL]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return []byte(body), nil
}

func (g *feedGetter) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	body, err := g.SafeGet(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(body))), nil
}

func icsFeed(name string, events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	if name != "" {
		b.WriteString("X-WR-CALNAME:" + name + "\r\n")
	}
	for _, ev := range events {
		b.WriteString(ev)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func icsEvent(uid, summary string, start time.Time, extra ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VEVENT\r\n")
	b.WriteString("UID:" + uid + "\r\n")
	b.WriteString("DTSTAMP:20260101T000000Z\r\n")
	b.WriteString("DTSTART:" + start.UTC().Format("20060102T150405Z") + "\r\n")
	b.WriteString("DTEND:" + start.UTC().Add(time.Hour).Format("20060102T150405Z") + "\r\n")
	b.WriteString("SUMMARY:" + summary + "\r\n")
	for _, line := range extra {
		b.WriteString(line + "\r\n")
	}
	b.WriteString("END:VEVENT\r\n")
	return b.String()
}

func timedEvent(uid, summary string, start time.Time) event.Event {
	return event.Event{
		SourceUID: uid,
		Summary:   summary,
		Start:     event.Instant(start, ""),
		End:       event.Instant(start.Add(time.Hour), ""),
	}
}

type harness struct {
	store  *fakeStore
	dest   *fakeCalendar
	ical   Fetcher
	engine *Engine
	builds int
}

func newHarness(cfg *SyncConfig, ical Fetcher, opts Options) *harness {
	h := &harness{
		store: &fakeStore{configs: map[string]*SyncConfig{cfg.ID: cfg}},
		dest:  newFakeCalendar(),
		ical:  ical,
	}
	opts.Now = func() time.Time { return testNow }
	opts.Logger = logging.Discard()

	var mu sync.Mutex
	h.engine = NewEngine(Deps{
		Store:       h.store,
		Credentials: fakeCreds{cfg.OwnerID: "refresh-" + cfg.OwnerID},
		Services: func(_ context.Context, token string) (Calendar, error) {
			mu.Lock()
			h.builds++
			mu.Unlock()
			if token == "" {
				return nil, gcal.ErrNoRefreshToken
			}
			return h.dest, nil
		},
		ICal:   ical,
		CalDAV: ical,
	}, opts)
	return h
}
