// Package feed fetches calendar sources reachable over plain HTTP (iCalendar
// feeds and CalDAV collections) and turns them into canonical events.
package feed

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-ical"
)

var (
	ErrMalformedContent = errors.New("malformed calendar content")
)

// PropCalendarName is the non-standard but widely used calendar title property.
const PropCalendarName = "X-WR-CALNAME"

// Document is a parsed iCalendar stream.
type Document struct {
	Name string
	// Events holds top-level VEVENT components only; nested components such
	// as VALARM stay inside their parent.
	Events []*ical.Component
}

// Parse decodes every VCALENDAR object in r.
func Parse(r io.Reader) (*Document, error) {
	dec := ical.NewDecoder(r)
	doc := &Document{}
	found := false

	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
		}
		found = true

		if doc.Name == "" {
			if name, err := cal.Props.Text(PropCalendarName); err == nil {
				doc.Name = strings.TrimSpace(name)
			}
		}
		for _, child := range cal.Children {
			if child.Name == ical.CompEvent {
				doc.Events = append(doc.Events, child)
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: no VCALENDAR object", ErrMalformedContent)
	}
	return doc, nil
}
