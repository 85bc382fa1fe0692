package calsync

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/gcal"
)

// DisplaySummary applies a source prefix to a summary.
func DisplaySummary(prefix, summary string) string {
	if prefix == "" {
		return summary
	}
	return "[" + prefix + "] " + summary
}

// BuildBody converts ev into a destination event with iCalUID set. When
// baseURL is non-empty the event links back to this service as its source.
func BuildBody(ev event.Event, baseURL string) *calendar.Event {
	body := &calendar.Event{
		ICalUID:     ev.SourceUID,
		Summary:     DisplaySummary(ev.Prefix, ev.Summary),
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start.EventDateTime(ev.IsRecurringMaster),
		End:         ev.End.EventDateTime(ev.IsRecurringMaster),
	}
	if ev.IsRecurringMaster && len(ev.Recurrence) > 0 {
		body.Recurrence = append([]string(nil), ev.Recurrence...)
	}
	if baseURL != "" && ev.SourceTitle != "" {
		body.Source = &calendar.EventSource{Title: ev.SourceTitle, Url: baseURL}
	}
	return body
}

type pendingWrite struct {
	uid     string
	summary string
	op      string
	write   gcal.Write
}

func (e *Engine) planWrites(events []event.Event, index map[string]string) []pendingWrite {
	writes := make([]pendingWrite, 0, len(events))
	for _, ev := range events {
		body := BuildBody(ev, e.opts.BaseURL)
		pw := pendingWrite{uid: ev.SourceUID, summary: body.Summary, op: opCreate}

		if id, ok := index[ev.SourceUID]; ok {
			// iCalUID is immutable once the event exists.
			body.ICalUID = ""
			pw.op = opUpdate
			pw.write = gcal.Write{EventID: id, Event: body}
		} else {
			pw.write = gcal.Write{Event: body}
		}
		writes = append(writes, pw)
	}
	return writes
}

// upsert writes every event in batches of at most BatchLimit, one batch at a
// time, paced by limiter. Failures are recorded and never stop later batches.
func (e *Engine) upsert(ctx context.Context, services *ServiceCache, token, calendarID string, events []event.Event, index map[string]string, report *RunReport) {
	writes := e.planWrites(events, index)
	if len(writes) == 0 {
		return
	}

	dest, err := services.Get(ctx, token)
	if err != nil {
		e.recordBatchFailure(writes, fmt.Errorf("%w: %w", ErrCredentials, err), report)
		return
	}

	limiter := e.newLimiter()
	for n, batch := range chunk(writes, e.opts.BatchLimit) {
		if err := limiter.Wait(ctx); err != nil {
			e.recordBatchFailure(batch, err, report)
			continue
		}

		items := make([]gcal.Write, len(batch))
		for i, pw := range batch {
			items[i] = pw.write
		}

		errs, err := dest.WriteEvents(ctx, calendarID, items)
		if err != nil {
			e.logger.Error("write batch failed", "batch", n, "size", len(batch), "error", err)
			e.recordBatchFailure(batch, err, report)
			continue
		}

		for i, pw := range batch {
			var itemErr error
			if i < len(errs) {
				itemErr = errs[i]
			}
			if itemErr != nil {
				e.logger.Warn("event write failed", "uid", pw.uid, "op", pw.op, "error", itemErr)
				report.EventFailures = append(report.EventFailures, EventFailure{
					UID: pw.uid, Summary: pw.summary, Op: pw.op, Error: itemErr.Error(),
				})
				continue
			}
			if pw.op == opUpdate {
				report.Updated++
			} else {
				report.Created++
			}
		}
	}
}

func (e *Engine) recordBatchFailure(batch []pendingWrite, err error, report *RunReport) {
	for _, pw := range batch {
		report.EventFailures = append(report.EventFailures, EventFailure{
			UID: pw.uid, Summary: pw.summary, Op: pw.op, Error: err.Error(),
		})
	}
}

func (e *Engine) newLimiter() *rate.Limiter {
	if e.opts.BatchRPS <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(e.opts.BatchRPS), 1)
}
