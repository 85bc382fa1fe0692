package calsync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calendarsync/internal/feed"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/logging"
)

const nameWorkers = 5

// ResolveSourceNames returns a display name per source locator. Google
// sources are named from calendars; feeds are scanned for their calendar
// name through opener. CalDAV sources are named by their redacted URL until
// their first run.
func ResolveSourceNames(ctx context.Context, sources []Source, calendars []gcal.CalendarEntry, opener feed.Opener) map[string]string {
	byID := make(map[string]string, len(calendars))
	for _, c := range calendars {
		byID[c.ID] = c.Summary
	}

	names := make(map[string]string, len(sources))
	var feeds []string
	for _, src := range dedupe(sources) {
		switch src.Type {
		case SourceGoogle:
			if name, ok := byID[src.Locator]; ok {
				names[src.Locator] = name
			} else {
				names[src.Locator] = src.Locator
			}
		case SourceCalDAV:
			names[src.Locator] = logging.RedactURL(src.Locator)
		default:
			feeds = append(feeds, src.Locator)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(nameWorkers)
	for _, u := range feeds {
		g.Go(func() error {
			name := feed.CalendarName(ctx, opener, u)
			mu.Lock()
			names[u] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return names
}
