package model

import (
	"sort"
	"time"
)

// SlotKey identifies one schedulable slot of a guide.
type SlotKey struct {
	Date   Date
	Period Period
}

// Location is a cell coordinate inside a workbook page. Row and Col are
// zero-based.
type Location struct {
	Page string
	Row  int
	Col  int
}

func (l Location) Valid() bool {
	return l.Page != ""
}

// ShiftState is the unit of reconciliation: one guide, one date, one
// period. The observed fields are filled by the reader; the Final* fields
// and flags are produced by the resolver.
type ShiftState struct {
	Date   Date
	Period Period

	// Observed.
	MasterLabel     string
	GuideLabel      string
	GuideLock       Lock
	GuideTimestamp  time.Time // zero when the Guide side never recorded a write
	MasterTimestamp time.Time // start of the pass

	// Where each side was observed. A zero Location means the side has no
	// cell for this slot.
	MasterAt Location
	GuideAt  Location

	// Resolved.
	FinalLabel         string
	FinalLock          Lock
	NeedsMasterWrite   bool
	NeedsGuideWrite    bool
	NeedsNotify        bool
	NeedsReleaseNotice bool
}

func (s ShiftState) Key() SlotKey {
	return SlotKey{Date: s.Date, Period: s.Period}
}

// Dirty reports whether any side effect was requested by the resolver.
func (s ShiftState) Dirty() bool {
	return s.NeedsMasterWrite || s.NeedsGuideWrite || s.NeedsNotify || s.NeedsReleaseNotice
}

// Guide is a worker together with the slots observed for it during one
// pass. The shift index is owned by the guide and rebuilt every pass.
type Guide struct {
	Code        string
	Name        string
	Email       string
	CalendarRef string

	shifts map[SlotKey]*ShiftState
}

func NewGuide(code, name, email, calendarRef string) *Guide {
	return &Guide{
		Code:        code,
		Name:        name,
		Email:       email,
		CalendarRef: calendarRef,
		shifts:      make(map[SlotKey]*ShiftState),
	}
}

// Reset drops every slot.
func (g *Guide) Reset() {
	g.shifts = make(map[SlotKey]*ShiftState)
}

func (g *Guide) Len() int {
	return len(g.shifts)
}

// Lookup returns the slot for key, if any.
func (g *Guide) Lookup(key SlotKey) (*ShiftState, bool) {
	s, ok := g.shifts[key]
	return s, ok
}

// Slot returns the slot for (date, period), creating it when absent.
func (g *Guide) Slot(date Date, period Period) *ShiftState {
	if g.shifts == nil {
		g.shifts = make(map[SlotKey]*ShiftState)
	}
	key := SlotKey{Date: date, Period: period}
	if s, ok := g.shifts[key]; ok {
		return s
	}
	s := &ShiftState{Date: date, Period: period}
	g.shifts[key] = s
	return s
}

// Morning returns the morning slot for date.
func (g *Guide) Morning(date Date) *ShiftState {
	return g.Slot(date, PeriodMorning)
}

// Afternoon returns the single afternoon slot for date. The sub-period is
// classified from labels; a slot whose sub-period was only defaulted is
// moved when a later observation names a specific one.
func (g *Guide) Afternoon(date Date, labels ...string) *ShiftState {
	want, specific := ClassifyAfternoon(labels...)

	existing := g.findAfternoon(date)
	if existing == nil {
		return g.Slot(date, want)
	}
	if !specific || existing.Period == want {
		return existing
	}
	if _, wasSpecific := ClassifyAfternoon(existing.MasterLabel, existing.GuideLabel, string(existing.GuideLock)); wasSpecific {
		return existing
	}

	delete(g.shifts, existing.Key())
	existing.Period = want
	g.shifts[existing.Key()] = existing
	return existing
}

// FindAfternoon returns the afternoon slot for date regardless of its
// sub-period.
func (g *Guide) FindAfternoon(date Date) (*ShiftState, bool) {
	s := g.findAfternoon(date)
	return s, s != nil
}

func (g *Guide) findAfternoon(date Date) *ShiftState {
	for _, p := range []Period{PeriodT1, PeriodT2, PeriodT3} {
		if s, ok := g.shifts[SlotKey{Date: date, Period: p}]; ok {
			return s
		}
	}
	return nil
}

// Shifts returns every slot ordered by date, then period.
func (g *Guide) Shifts() []*ShiftState {
	out := make([]*ShiftState, 0, len(g.shifts))
	for _, s := range g.shifts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Period.order() < out[j].Period.order()
	})
	return out
}
