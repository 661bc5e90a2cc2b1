package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "guidesync/internal/log"
)

const propRecurrenceID = ical.ComponentProperty("RECURRENCE-ID")

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Attendees holds invitee addresses without the mailto: prefix.
	Attendees []string

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT overrides one recurring instance
}

// ParseICS parses a calendar payload into a list of ParsedEvent. name only
// identifies the calendar in logs.
//
// RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; see
// ExpandOccurrences.
func ParseICS(name string, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", name)
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			// Skip this event, keep the others.
			appLog.Error("ics vevent parse failed", perr, "calendar", name)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "calendar", name, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		// DTEND is optional; a zero-length event is fine for matching.
		end = start
	}
	out.Start = start
	out.End = end

	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if vs := dtStartProp.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	for _, a := range ve.Attendees() {
		if email := a.Email(); email != "" {
			out.Attendees = append(out.Attendees, trimMailto(email))
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(propRecurrenceID); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

func trimMailto(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

// parseICSTime parses a bare DATE / DATE-TIME value as found in EXDATE and
// RECURRENCE-ID without parameter context.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	// 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.Local)
	}
	// 20250101
	return time.ParseInLocation("20060102", v, time.Local)
}

func formatICSTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
