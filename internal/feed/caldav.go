package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/macjediwizard/calendarsync/internal/event"
	"github.com/macjediwizard/calendarsync/internal/logging"
	"github.com/macjediwizard/calendarsync/internal/validator"
)

// CalDAVFetcher reads events from a CalDAV calendar collection. Credentials,
// when needed, are taken from the locator's userinfo.
type CalDAVFetcher struct {
	httpClient *http.Client
}

// NewCalDAVFetcher creates a fetcher that talks through httpClient, which
// should be the SSRF-guarded client.
func NewCalDAVFetcher(httpClient *http.Client) *CalDAVFetcher {
	return &CalDAVFetcher{httpClient: httpClient}
}

// Fetch queries the collection at locator for VEVENTs overlapping w.
// Servers evaluate the time range against expanded occurrences, so a series
// with any occurrence in the window is returned as its master.
func (f *CalDAVFetcher) Fetch(ctx context.Context, locator string, w event.Window) (*Result, error) {
	if err := validator.ValidateURL(locator, false); err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", validator.ErrInvalidURL, err)
	}

	var httpClient webdav.HTTPClient = f.httpClient
	if endpoint.User != nil {
		password, _ := endpoint.User.Password()
		httpClient = webdav.HTTPClientWithBasicAuth(f.httpClient, endpoint.User.Username(), password)
		endpoint.User = nil
	}

	client, err := caldav.NewClient(httpClient, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("create CalDAV client: %w", err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{
				{Name: ical.CompEvent, AllProps: true},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{
				{Name: ical.CompEvent, Start: w.Start, End: w.End},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, endpoint.Path, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var comps []*ical.Component
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, child := range obj.Data.Children {
			if child.Name == ical.CompEvent {
				comps = append(comps, child)
			}
		}
	}

	res := collect(comps, w, locator)
	res.Name = f.collectionName(ctx, client, endpoint.Path)
	if res.Name == "" {
		res.Name = logging.RedactURL(locator)
	}
	return res, nil
}

func (f *CalDAVFetcher) collectionName(ctx context.Context, client *caldav.Client, path string) string {
	cals, err := client.FindCalendars(ctx, path)
	if err != nil {
		slog.Debug("calendar name lookup failed", "component", "feed", "path", path, "error", err)
		return ""
	}
	want := strings.TrimSuffix(path, "/")
	for _, cal := range cals {
		if strings.TrimSuffix(cal.Path, "/") == want && cal.Name != "" {
			return cal.Name
		}
	}
	return ""
}
