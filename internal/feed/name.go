package feed

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/macjediwizard/calendarsync/internal/logging"
)

const maxNameScanBytes = 50 * 1024

// Opener opens a streamed GET for a URL.
type Opener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// CalendarName streams the feed at rawURL looking for X-WR-CALNAME. It stops
// at the first VEVENT or after 50KB and returns rawURL when no name is found.
func CalendarName(ctx context.Context, opener Opener, rawURL string) string {
	body, err := opener.Open(ctx, rawURL)
	if err != nil {
		slog.Warn("failed to open feed for name", "component", "feed", "url", logging.RedactURL(rawURL), "error", err)
		return rawURL
	}
	defer body.Close()

	if name := scanCalendarName(body); name != "" {
		return name
	}
	return rawURL
}

func scanCalendarName(r io.Reader) string {
	scanner := bufio.NewScanner(io.LimitReader(r, maxNameScanBytes))
	scanner.Buffer(make([]byte, 0, 4096), maxNameScanBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		upper := strings.ToUpper(line)

		if strings.HasPrefix(upper, PropCalendarName) {
			// Parameters may precede the value, e.g. X-WR-CALNAME;LANGUAGE=en:Name
			if _, value, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(value)
			}
		}
		if strings.HasPrefix(upper, "BEGIN:VEVENT") {
			break
		}
	}
	return ""
}
