package calsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/feed"
	"github.com/macjediwizard/calendarsync/internal/logging"
)

// Fetcher retrieves the events of one source that fall inside a window.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, w event.Window) (*feed.Result, error)
}

// failedSuffix marks the display name of a source whose fetch failed.
const failedSuffix = " (Failed)"

// FailedName is the display name recorded for a source that failed to fetch.
func FailedName(locator string) string {
	return locator + failedSuffix
}

// recordedLocator is the form of a source locator that may be stored in
// names and reports. CalDAV locators can carry credentials in their userinfo.
func recordedLocator(typ SourceType, locator string) string {
	if typ == SourceCalDAV {
		return logging.RedactURL(locator)
	}
	return locator
}

// remoteFetcher reads a Google calendar with the owner's cached client.
type remoteFetcher struct {
	services *ServiceCache
	token    string
}

func (f remoteFetcher) Fetch(ctx context.Context, calendarID string, w event.Window) (*feed.Result, error) {
	cal, err := f.services.Get(ctx, f.token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	list, err := cal.ListEvents(ctx, calendarID, w.Start, w.End)
	if err != nil {
		return nil, err
	}

	res := &feed.Result{Name: list.Summary, Events: make([]event.Event, 0, len(list.Items))}
	if res.Name == "" {
		res.Name = calendarID
	}
	for _, item := range list.Items {
		ev, err := event.FromRemoteEvent(item)
		if err != nil {
			res.Dropped++
			continue
		}
		// The API bounds by end time, so ongoing events may start before the window.
		if !w.Includes(ev) {
			res.Filtered++
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// dedupe returns the sources with distinct (type, locator) keys, keeping the
// first occurrence of each in configuration order.
func dedupe(sources []Source) []Source {
	seen := make(map[sourceKey]bool, len(sources))
	unique := make([]Source, 0, len(sources))
	for _, s := range sources {
		k := s.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		s.Type = k.typ
		unique = append(unique, s)
	}
	return unique
}

type fetchOutcome struct {
	res *feed.Result
	err error
}

// fetchAll fetches every source concurrently on a bounded pool. Outcomes are
// indexed like sources.
func (e *Engine) fetchAll(ctx context.Context, services *ServiceCache, token string, sources []Source, w event.Window) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, src := range sources {
		g.Go(func() error {
			fetcher, err := e.fetcherFor(src.Type, services, token)
			if err != nil {
				outcomes[i] = fetchOutcome{err: err}
				return nil
			}
			res, err := fetcher.Fetch(gctx, src.Locator, w)
			outcomes[i] = fetchOutcome{res: res, err: err}
			return nil
		})
	}
	// Workers never return errors; failures are carried in outcomes.
	_ = g.Wait()

	return outcomes
}

func (e *Engine) fetcherFor(typ SourceType, services *ServiceCache, token string) (Fetcher, error) {
	switch typ {
	case SourceGoogle:
		return remoteFetcher{services: services, token: token}, nil
	case SourceICal:
		if e.ical != nil {
			return e.ical, nil
		}
	case SourceCalDAV:
		if e.caldav != nil {
			return e.caldav, nil
		}
	}
	return nil, fmt.Errorf("unsupported source type %q", typ)
}

// collectEvents fetches the distinct sources and merges their events
// in configuration order, stamping each with its source's prefix and title.
func (e *Engine) collectEvents(ctx context.Context, services *ServiceCache, token string, sources []Source, w event.Window, report *RunReport) []event.Event {
	unique := dedupe(sources)
	report.Sources = len(unique)
	outcomes := e.fetchAll(ctx, services, token, unique, w)

	var events []event.Event
	for i, src := range unique {
		out := outcomes[i]
		recorded := recordedLocator(src.Type, src.Locator)
		if out.err != nil {
			e.logger.Warn("source fetch failed",
				"type", src.Type, "url", logging.RedactURL(src.Locator), "error", out.err)
			report.SourceFailures = append(report.SourceFailures, SourceFailure{
				Type:    src.Type,
				Locator: recorded,
				Error:   out.err.Error(),
			})
			report.SourceNames[src.Locator] = FailedName(recorded)
			continue
		}

		if _, ok := report.SourceNames[src.Locator]; !ok {
			report.SourceNames[src.Locator] = out.res.Name
		}
		report.Filtered += out.res.Filtered
		report.Dropped += out.res.Dropped

		for _, ev := range out.res.Events {
			ev.Prefix = src.Prefix
			ev.SourceTitle = out.res.Name
			events = append(events, ev)
		}
		e.logger.Debug("source fetched",
			"type", src.Type, "url", logging.RedactURL(src.Locator),
			"events", len(out.res.Events), "filtered", out.res.Filtered)
	}
	return events
}
