package gcal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

var (
	ErrBatch = errors.New("batch request failed")
)

// Request is one sub-request of a batch. Path is relative to the API root,
// e.g. "calendars/primary/events".
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Response is the outcome of one sub-request. Err is a *googleapi.Error for
// non-2xx statuses.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Batch sends reqs as one multipart/mixed request and returns the responses
// in request order. The whole request is retried on 429 and 5xx.
func (c *Client) Batch(ctx context.Context, reqs []Request) ([]Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	payload, contentType, err := c.encodeBatch(reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrBatch, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			slog.Debug("retrying batch", "component", "gcal", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resps, err := c.doBatch(ctx, payload, contentType, len(reqs))
		if err == nil {
			return resps, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrBatch, lastErr)
}

func (c *Client) encodeBatch(reqs []Request) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	base, err := url.Parse(c.rootURL)
	if err != nil {
		return nil, "", err
	}
	prefix := strings.TrimSuffix(base.Path, "/") + "/" + apiPath

	for i, req := range reqs {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set("Content-ID", "<item-"+strconv.Itoa(i)+">")

		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", err
		}

		target := prefix + req.Path
		if len(req.Query) > 0 {
			target += "?" + req.Query.Encode()
		}
		fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", req.Method, target)

		if req.Body != nil {
			body, err := json.Marshal(req.Body)
			if err != nil {
				return nil, "", fmt.Errorf("item %d: %w", i, err)
			}
			fmt.Fprintf(part, "Content-Type: application/json\r\nContent-Length: %d\r\n\r\n", len(body))
			part.Write(body)
			io.WriteString(part, "\r\n")
		} else {
			io.WriteString(part, "\r\n")
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

func (c *Client) doBatch(ctx context.Context, payload []byte, contentType string, n int) ([]Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+batchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch content type %q", resp.Header.Get("Content-Type"))
	}

	return decodeBatch(multipart.NewReader(resp.Body, params["boundary"]), n)
}

// decodeBatch reads the multipart response, matching parts to requests by
// Content-ID and falling back to position when the ID is missing.
func decodeBatch(mr *multipart.Reader, n int) ([]Response, error) {
	out := make([]Response, n)
	seen := make([]bool, n)
	pos := 0

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}

		idx, ok := contentIndex(part.Header.Get("Content-ID"))
		if !ok {
			idx = pos
		}
		pos++
		if idx < 0 || idx >= n {
			part.Close()
			continue
		}

		sub, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			out[idx] = Response{Err: fmt.Errorf("parse batch item: %w", err)}
			seen[idx] = true
			part.Close()
			continue
		}
		body, err := io.ReadAll(sub.Body)
		sub.Body.Close()
		part.Close()
		if err != nil {
			out[idx] = Response{StatusCode: sub.StatusCode, Err: fmt.Errorf("read batch item: %w", err)}
			seen[idx] = true
			continue
		}

		out[idx] = Response{StatusCode: sub.StatusCode, Body: body}
		if sub.StatusCode < 200 || sub.StatusCode > 299 {
			out[idx].Err = itemError(sub, body)
		}
		seen[idx] = true
	}

	for i := range out {
		if !seen[i] {
			out[i].Err = errors.New("missing batch response")
		}
	}
	return out, nil
}

// contentIndex parses "<response-item-N>".
func contentIndex(id string) (int, bool) {
	id = strings.Trim(id, "<>")
	id = strings.TrimPrefix(id, "response-")
	num, ok := strings.CutPrefix(id, "item-")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func itemError(resp *http.Response, body []byte) error {
	apiErr := &googleapi.Error{
		Code:   resp.StatusCode,
		Body:   string(body),
		Header: resp.Header,
	}
	var envelope struct {
		Error *googleapi.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Errors = envelope.Error.Errors
	}
	return apiErr
}

// LookupEvents resolves iCalUIDs to destination event ids with one batch of
// events.list calls. UIDs with no match, or whose lookup failed, are absent
// from the result.
func (c *Client) LookupEvents(ctx context.Context, calendarID string, uids []string) (map[string]string, error) {
	reqs := make([]Request, len(uids))
	for i, uid := range uids {
		reqs[i] = Request{
			Method: http.MethodGet,
			Path:   eventsPath(calendarID),
			Query:  url.Values{"iCalUID": {uid}, "fields": {"items(id,iCalUID)"}},
		}
	}

	resps, err := c.Batch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	found := make(map[string]string, len(uids))
	for i, resp := range resps {
		if resp.Err != nil {
			slog.Warn("event lookup failed", "component", "gcal", "uid", uids[i], "error", resp.Err)
			continue
		}
		var page struct {
			Items []struct {
				ID      string `json:"id"`
				ICalUID string `json:"iCalUID"`
			} `json:"items"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			slog.Warn("event lookup decode failed", "component", "gcal", "uid", uids[i], "error", err)
			continue
		}
		for _, item := range page.Items {
			if item.ID != "" && item.ICalUID != "" {
				found[item.ICalUID] = item.ID
				break
			}
		}
	}
	return found, nil
}

// Write is one destination write. An empty EventID imports a new event.
type Write struct {
	EventID string
	Event   *calendar.Event
}

// WriteEvents applies writes as one batch of events.update / events.import
// calls. The returned slice holds one error (or nil) per write.
func (c *Client) WriteEvents(ctx context.Context, calendarID string, writes []Write) ([]error, error) {
	reqs := make([]Request, len(writes))
	query := url.Values{"fields": {"id"}}
	for i, w := range writes {
		if w.EventID != "" {
			reqs[i] = Request{
				Method: http.MethodPut,
				Path:   eventsPath(calendarID) + "/" + url.PathEscape(w.EventID),
				Query:  query,
				Body:   w.Event,
			}
		} else {
			reqs[i] = Request{
				Method: http.MethodPost,
				Path:   eventsPath(calendarID) + "/import",
				Query:  query,
				Body:   w.Event,
			}
		}
	}

	resps, err := c.Batch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	errs := make([]error, len(resps))
	for i, resp := range resps {
		errs[i] = resp.Err
	}
	return errs, nil
}
