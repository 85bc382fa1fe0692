// Package gcal wraps the Google Calendar v3 API: paginated listing through
// the generated client, and multipart HTTP batches for lookups and writes.
package gcal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultRootURL = "https://www.googleapis.com/"
	apiPath        = "calendar/v3/"
	batchPath      = "batch/calendar/v3"

	// MaxPageSize is the largest page events.list accepts.
	MaxPageSize = 2500

	sourceEventFields = "summary,nextPageToken,items(id,summary,description,location,start,end)"
	calendarFields    = "nextPageToken,items(id,summary)"
)

// EventList is every page of one events.list call, merged.
type EventList struct {
	Summary string
	Items   []*calendar.Event
}

// CalendarEntry is one calendar from the user's calendar list.
type CalendarEntry struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Client is an authenticated Calendar API client for one identity.
type Client struct {
	svc         *calendar.Service
	httpClient  *http.Client
	rootURL     string
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRootURL points the client at a different API host, e.g. a test server.
// The value must end with a slash.
func WithRootURL(root string) Option {
	return func(c *Client) {
		c.rootURL = root
	}
}

// WithRetry sets the number of attempts for retryable batch failures and the
// delay before each retry.
func WithRetry(attempts int, backoff func(attempt int) time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.backoff = backoff
	}
}

// NewClient builds a Client on top of an already authenticated HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...Option) (*Client, error) {
	c := &Client{
		httpClient:  httpClient,
		rootURL:     defaultRootURL,
		maxAttempts: 3,
		backoff:     exponentialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}

	svc, err := calendar.NewService(ctx,
		option.WithHTTPClient(httpClient),
		option.WithEndpoint(c.rootURL+apiPath),
	)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	c.svc = svc
	return c, nil
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// ListEvents returns all single-instance events of calendarID intersecting
// [timeMin, timeMax], following every page.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) (*EventList, error) {
	list := &EventList{}
	pageToken := ""

	for {
		call := c.svc.Events.List(calendarID).
			Context(ctx).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(MaxPageSize).
			Fields(googleapi.Field(sourceEventFields))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list events for %s: %w", calendarID, err)
		}

		if list.Summary == "" {
			list.Summary = page.Summary
		}
		list.Items = append(list.Items, page.Items...)

		if page.NextPageToken == "" {
			return list, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListCalendars returns the user's calendars sorted case-insensitively by summary.
func (c *Client) ListCalendars(ctx context.Context) ([]CalendarEntry, error) {
	var entries []CalendarEntry

	err := c.svc.CalendarList.List().
		Fields(googleapi.Field(calendarFields)).
		Pages(ctx, func(page *calendar.CalendarList) error {
			for _, item := range page.Items {
				summary := item.Summary
				if summary == "" {
					summary = item.Id
				}
				entries = append(entries, CalendarEntry{ID: item.Id, Summary: summary})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Summary) < strings.ToLower(entries[j].Summary)
	})
	return entries, nil
}

func eventsPath(calendarID string) string {
	return "calendars/" + url.PathEscape(calendarID) + "/events"
}
