package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "guidesync/internal/log"
)

const defaultMaxOccurrencesPerEvent = 5000

// Occurrence is one concrete instance of an event.
type Occurrence struct {
	UID       string
	Summary   string
	Start     time.Time
	End       time.Time
	AllDay    bool
	Attendees []string

	// Recurring is set for instances generated from an RRULE.
	Recurring bool
	// Overridden is set when a RECURRENCE-ID VEVENT replaced the instance.
	Overridden bool
}

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the timezone occurrences are converted to. Nil means
	// time.Local.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive time window.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps expansion of a single RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences expands events into concrete occurrences within the
// configured range, applying EXDATE and RECURRENCE-ID overrides. The result
// is sorted by start time.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]Occurrence, 0)
	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		for _, ev := range baseEvents {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, cfg)...)
				continue
			}
			occ, hitCap := expandRecurring(ev, ov, cfg)
			if hitCap {
				appLog.Warn("expand: occurrences truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func expandSingle(ev ParsedEvent, cfg ExpandConfig) []Occurrence {
	if !timeRangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []Occurrence{makeOccurrence(ev, ev.Start, ev.End, cfg.Location)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	times := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]Occurrence, 0, len(times))
	for _, start := range times {
		var end time.Time
		if ev.AllDay {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			start, end = day, day.AddDate(0, 0, 1)
		} else {
			end = start.Add(ev.End.Sub(ev.Start))
		}

		occ := makeOccurrence(ev, start, end, cfg.Location)
		if o, ok := findOverride(overrides, start); ok {
			occ = makeOccurrence(o, o.Start, o.End, cfg.Location)
			occ.Overridden = true
		}
		occ.Recurring = true
		out = append(out, occ)
	}
	return out, hitCap
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, start, end time.Time, loc *time.Location) Occurrence {
	return Occurrence{
		UID:       ev.UID,
		Summary:   ev.Summary,
		Start:     start.In(loc),
		End:       end.In(loc),
		AllDay:    ev.AllDay,
		Attendees: append([]string(nil), ev.Attendees...),
	}
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
