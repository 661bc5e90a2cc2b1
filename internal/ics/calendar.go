package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"guidesync/internal/config"
	appLog "guidesync/internal/log"
	"guidesync/internal/model"
)

const productID = "-//guidesync//turnos//ES"

// FileCalendar is the shared shift calendar kept in a local .ics file. Each
// shift is the VEVENT starting at the period's configured time on that date;
// assigned guides are its ATTENDEEs.
type FileCalendar struct {
	Path     string
	Location *time.Location
	// Duration of events created for shifts that have none yet.
	Duration time.Duration
	// StartOf returns the configured start hour and minute of a period.
	StartOf func(model.Period) (int, int)
	Now     func() time.Time

	mu sync.Mutex
}

// NewFileCalendar builds the calendar named by cfg.CalendarID.
func NewFileCalendar(cfg *config.Config) *FileCalendar {
	return &FileCalendar{
		Path:     cfg.CalendarID,
		Location: cfg.Location(),
		Duration: time.Duration(cfg.EventMinutes) * time.Minute,
		StartOf:  cfg.ShiftStart,
		Now:      time.Now,
	}
}

// AddInvitee registers email on the shift's event, creating the event (or
// the override of a recurring instance) when needed.
func (c *FileCalendar) AddInvitee(ctx context.Context, date model.Date, period model.Period, email string) error {
	return c.update(ctx, date, period, true, func(ve *ical.VEvent) bool {
		if hasAttendee(ve, email) {
			return false
		}
		ve.AddAttendee(email,
			ical.CalendarUserTypeIndividual,
			ical.ParticipationStatusNeedsAction,
			ical.ParticipationRoleReqParticipant,
			ical.WithRSVP(true),
		)
		return true
	})
}

// RemoveInvitee drops email from the shift's event. A missing event or
// attendee is not an error.
func (c *FileCalendar) RemoveInvitee(ctx context.Context, date model.Date, period model.Period, email string) error {
	return c.update(ctx, date, period, false, func(ve *ical.VEvent) bool {
		return removeAttendee(ve, email)
	})
}

// Occurrences lists the expanded events between from and to.
func (c *FileCalendar) Occurrences(ctx context.Context, from, to time.Time) ([]Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	data, err := os.ReadFile(c.Path)
	c.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return []Occurrence{}, nil
	}
	if err != nil {
		return nil, err
	}

	events, err := ParseICS(c.Path, data)
	if err != nil {
		return nil, err
	}
	return ExpandOccurrences(events, ExpandConfig{
		Location:   c.loc(),
		RangeStart: from,
		RangeEnd:   to,
	})
}

// update loads the calendar, locates the event of the shift and saves the
// file only when mutate reports a change.
func (c *FileCalendar) update(ctx context.Context, date model.Date, period model.Period, create bool, mutate func(*ical.VEvent) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cal, err := c.load()
	if err != nil {
		return err
	}

	h, m := c.StartOf(period)
	start := date.At(c.loc(), h, m)

	ve := c.eventAt(cal, start, period, create)
	if ve == nil {
		appLog.Debug("no calendar event for shift", "date", date, "period", period)
		return nil
	}
	if !mutate(ve) {
		return nil
	}
	ve.SetDtStampTime(c.now())
	return c.save(cal)
}

// eventAt finds the VEVENT for start: a single event or an override
// starting there, else a recurring instance (for which an override is
// added). When create is set and nothing matches, a new event is added.
func (c *FileCalendar) eventAt(cal *ical.Calendar, start time.Time, period model.Period, create bool) *ical.VEvent {
	vevents := cal.Events()
	parsed := make([]*ParsedEvent, len(vevents))
	for i, ve := range vevents {
		ev, err := parseVEvent(ve)
		if err != nil {
			continue
		}
		parsed[i] = &ev
		if ev.IsOverride && ev.Recurrence.Equal(start) {
			return ve
		}
		if !ev.IsOverride && ev.RawRRule == "" && ev.Start.Equal(start) {
			return ve
		}
	}

	for _, ev := range parsed {
		if ev == nil || ev.IsOverride || ev.RawRRule == "" {
			continue
		}
		occ, err := ExpandOccurrences([]ParsedEvent{*ev}, ExpandConfig{
			Location:   c.loc(),
			RangeStart: start,
			RangeEnd:   start,
		})
		if err != nil {
			continue
		}
		for _, o := range occ {
			if o.Start.Equal(start) {
				return addOverride(cal, *ev, o)
			}
		}
	}

	if !create {
		return nil
	}
	ve := cal.AddEvent(uuid.NewString())
	ve.SetSummary(summaryFor(period))
	ve.SetStartAt(start)
	ve.SetEndAt(start.Add(c.Duration))
	return ve
}

// addOverride adds a VEVENT replacing one instance of a recurring event.
// It starts with the series' attendees.
func addOverride(cal *ical.Calendar, base ParsedEvent, occ Occurrence) *ical.VEvent {
	ve := cal.AddEvent(base.UID)
	ve.SetSummary(base.Summary)
	ve.SetStartAt(occ.Start)
	ve.SetEndAt(occ.End)
	ve.AddProperty(propRecurrenceID, formatICSTime(occ.Start))
	for _, a := range base.Attendees {
		ve.AddAttendee(a)
	}
	return ve
}

func summaryFor(p model.Period) string {
	if p.IsAfternoon() {
		return fmt.Sprintf("Turno %s %s", model.LabelAfternoon, p)
	}
	return "Turno " + model.LabelMorning
}

func hasAttendee(ve *ical.VEvent, email string) bool {
	for _, a := range ve.Attendees() {
		if strings.EqualFold(trimMailto(a.Email()), email) {
			return true
		}
	}
	return false
}

func removeAttendee(ve *ical.VEvent, email string) bool {
	removed := false
	kept := ve.Properties[:0]
	for _, p := range ve.Properties {
		if p.IANAToken == string(ical.ComponentPropertyAttendee) && strings.EqualFold(trimMailto(p.Value), email) {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	ve.Properties = kept
	return removed
}

func (c *FileCalendar) load() (*ical.Calendar, error) {
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(bytes.TrimSpace(data)) == 0) {
		cal := ical.NewCalendar()
		cal.SetProductId(productID)
		cal.SetMethod(ical.MethodPublish)
		return cal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calendar %s: %w", c.Path, err)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse calendar %s: %w", c.Path, err)
	}
	return cal, nil
}

func (c *FileCalendar) save(cal *ical.Calendar) error {
	if err := config.WriteFileAtomic(c.Path, []byte(cal.Serialize()), ".guidesync-ics-*.tmp"); err != nil {
		return fmt.Errorf("write calendar %s: %w", c.Path, err)
	}
	return nil
}

func (c *FileCalendar) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c *FileCalendar) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
