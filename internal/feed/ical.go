package feed

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/emersion/go-ical"
	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/logging"
)

// Result is what a source fetch produces.
type Result struct {
	Name   string
	Events []event.Event
	// Dropped counts components without a UID or start time.
	Dropped int
	// Filtered counts valid events outside the window.
	Filtered int
}

// Getter performs a guarded GET returning the full body.
type Getter interface {
	SafeGet(ctx context.Context, rawURL string) ([]byte, error)
}

// ICalFetcher reads public iCalendar feeds.
type ICalFetcher struct {
	getter Getter
}

// NewICalFetcher creates a fetcher that downloads through getter.
func NewICalFetcher(getter Getter) *ICalFetcher {
	return &ICalFetcher{getter: getter}
}

// Fetch downloads and parses the feed at locator, keeping recurring masters
// and events starting inside w.
func (f *ICalFetcher) Fetch(ctx context.Context, locator string, w event.Window) (*Result, error) {
	body, err := f.getter.SafeGet(ctx, locator)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	res := collect(doc.Events, w, locator)
	res.Name = doc.Name
	if res.Name == "" {
		res.Name = locator
	}
	return res, nil
}

// collect normalizes components and applies the window policy. Overridden
// instances share their master's UID and are skipped; the master carries the
// series.
func collect(comps []*ical.Component, w event.Window, locator string) *Result {
	res := &Result{Events: make([]event.Event, 0, len(comps))}
	for _, comp := range comps {
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		ev, err := event.FromICalComponent(comp)
		if err != nil {
			res.Dropped++
			if !errors.Is(err, event.ErrNoUID) {
				slog.Debug("dropping event", "component", "feed", "url", logging.RedactURL(locator), "error", err)
			}
			continue
		}
		if !w.Includes(ev) {
			res.Filtered++
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}
