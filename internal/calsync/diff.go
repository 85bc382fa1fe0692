package calsync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calendarsync/internal/event"
)

// uniqueUIDs returns the distinct source UIDs of events in first-seen order.
func uniqueUIDs(events []event.Event) []string {
	seen := make(map[string]bool, len(events))
	uids := make([]string, 0, len(events))
	for _, ev := range events {
		if seen[ev.SourceUID] {
			continue
		}
		seen[ev.SourceUID] = true
		uids = append(uids, ev.SourceUID)
	}
	return uids
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// resolveIndex builds the destination index for exactly uids: one batched
// lookup per batchLimit UIDs, run concurrently. A failed lookup batch leaves
// its UIDs on the create path.
func (e *Engine) resolveIndex(ctx context.Context, services *ServiceCache, token, calendarID string, uids []string, report *RunReport) map[string]string {
	batches := chunk(uids, e.opts.BatchLimit)
	report.Lookups = len(batches)
	if len(batches) == 0 {
		return map[string]string{}
	}

	dest, err := services.Get(ctx, token)
	if err != nil {
		e.logger.Error("destination lookup skipped", "uids", len(uids), "error", err)
		return map[string]string{}
	}

	found := make([]map[string]string, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			m, err := dest.LookupEvents(gctx, calendarID, batch)
			if err != nil {
				e.logger.Error("destination lookup failed", "batch", i, "uids", len(batch), "error", err)
				return nil
			}
			found[i] = m
			return nil
		})
	}
	_ = g.Wait()

	index := make(map[string]string, len(uids))
	for _, m := range found {
		for uid, id := range m {
			index[uid] = id
		}
	}
	return index
}
