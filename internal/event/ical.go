package event

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	utcLayout      = "20060102T150405Z"
	floatingLayout = "20060102T150405"
	icalDateLayout = "20060102"
)

// propExceptionRule is deprecated in RFC 5545 and has no go-ical constant.
const propExceptionRule = "EXRULE"

var recurrenceProps = []string{ical.PropRecurrenceRule, propExceptionRule, ical.PropRecurrenceDates, ical.PropExceptionDates}

// FromICalComponent maps a VEVENT component to an Event. It returns ErrNoUID
// or ErrNoStart for components that cannot be synced.
func FromICalComponent(comp *ical.Component) (Event, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Event{}, ErrNoUID
	}

	start, err := ParseTimeProp(comp.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %w", ErrNoStart, uid, err)
	}

	ev := Event{
		SourceUID:         uid,
		Summary:           text(comp, ical.PropSummary),
		Description:       text(comp, ical.PropDescription),
		Location:          text(comp, ical.PropLocation),
		Start:             start,
		IsRecurringMaster: comp.Props.Get(ical.PropRecurrenceRule) != nil,
	}

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if end, err := ParseTimeProp(endProp); err == nil {
			ev.End = end
		}
	}
	if ev.End.IsZero() {
		if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
			if d, err := durProp.Duration(); err == nil {
				ev.End = start.Add(d)
			}
		}
	}

	if ev.IsRecurringMaster {
		ev.Recurrence = recurrenceLines(comp, uid)
	}

	return ev, nil
}

func text(comp *ical.Component, name string) string {
	v, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

// ParseTimeProp normalizes a DTSTART/DTEND style property. Dates become
// all-day points, "Z" values are UTC, TZID values are resolved in their
// zone, and floating values are read as UTC.
func ParseTimeProp(prop *ical.Prop) (TimePoint, error) {
	if prop == nil || strings.TrimSpace(prop.Value) == "" {
		return TimePoint{}, ErrNoStart
	}
	value := strings.TrimSpace(prop.Value)

	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) || len(value) == len(icalDateLayout) {
		d, err := time.Parse(icalDateLayout, value)
		if err != nil {
			return TimePoint{}, fmt.Errorf("parse date %q: %w", value, err)
		}
		return Date(d.Year(), d.Month(), d.Day()), nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcLayout, value)
		if err != nil {
			return TimePoint{}, fmt.Errorf("parse UTC time %q: %w", value, err)
		}
		return Instant(t, ""), nil
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc := loadLocation(tzid)
		t, err := time.ParseInLocation(floatingLayout, value, loc)
		if err != nil {
			return TimePoint{}, fmt.Errorf("parse time %q in %s: %w", value, tzid, err)
		}
		zone := ""
		if loc != time.UTC && !isFixedZone(loc) {
			zone = loc.String()
		}
		return Instant(t, zone), nil
	}

	t, err := time.ParseInLocation(floatingLayout, value, time.UTC)
	if err != nil {
		return TimePoint{}, fmt.Errorf("parse floating time %q: %w", value, err)
	}
	return Instant(t, ""), nil
}

// loadLocation resolves a TZID, accepting IANA names and "GMT-0400" style
// offsets, and falls back to UTC.
func loadLocation(tzid string) *time.Location {
	tzid = strings.Trim(tzid, `"`)
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}
	if loc := parseGMTOffset(tzid); loc != nil {
		return loc
	}
	slog.Debug("unknown TZID, assuming UTC", "component", "event", "tzid", tzid)
	return time.UTC
}

func isFixedZone(loc *time.Location) bool {
	return strings.HasPrefix(loc.String(), "GMT") || strings.HasPrefix(loc.String(), "UTC") || strings.HasPrefix(loc.String(), "Etc/GMT")
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// recurrenceLines renders the recurrence properties as RFC 5545 content lines.
// Rules that rrule-go cannot parse are dropped so one bad rule does not make
// the destination reject the whole event.
func recurrenceLines(comp *ical.Component, uid string) []string {
	var lines []string
	for _, name := range recurrenceProps {
		for _, prop := range comp.Props.Values(name) {
			if name == ical.PropRecurrenceRule || name == propExceptionRule {
				if _, err := rrule.StrToROption(prop.Value); err != nil {
					slog.Warn("dropping invalid recurrence rule", "component", "event", "uid", uid, "rule", prop.Value, "error", err)
					continue
				}
			}
			lines = append(lines, contentLine(prop))
		}
	}
	return lines
}

func contentLine(prop ical.Prop) string {
	var b strings.Builder
	b.WriteString(prop.Name)

	keys := make([]string, 0, len(prop.Params))
	for k := range prop.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.Join(prop.Params[k], ","))
	}

	b.WriteString(":")
	b.WriteString(prop.Value)
	return b.String()
}
