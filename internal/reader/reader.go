// Package reader parses the Master grid and the per-guide calendar grids
// into model.ShiftState values.
//
// Only pages named after a month (MM_YYYY or YYYY_MM) are scanned. Cells that
// cannot be turned into a date are skipped and counted; they never abort a
// read.
package reader

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"guidesync/internal/config"
	"guidesync/internal/grid"
	"guidesync/internal/log"
	"guidesync/internal/model"
)

var (
	monthYearRe = regexp.MustCompile(`^(\d{1,2})_(\d{4})$`)
	yearMonthRe = regexp.MustCompile(`^(\d{4})_(\d{1,2})$`)
)

// FormatError describes a cell whose content cannot be interpreted, such as
// an out-of-range day anchor or a date that does not exist.
type FormatError struct {
	Page   string
	Row    int
	Col    int
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s!%d:%d %q: %s", e.Page, e.Row, e.Col, e.Value, e.Reason)
}

// Options carries the per-pass values every read needs.
type Options struct {
	// Location is the schedule timezone, used for timestamps without offset.
	Location *time.Location
	// PassStart is recorded as MasterTimestamp on every Master observation.
	PassStart time.Time
}

func (o Options) loc() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// Stats summarizes one read.
type Stats struct {
	Pages   int
	Slots   int
	Skipped int
}

func (s *Stats) add(o Stats) {
	s.Pages += o.Pages
	s.Slots += o.Slots
	s.Skipped += o.Skipped
}

// ParseMonthPage recognizes month page names.
func ParseMonthPage(name string) (time.Month, int, bool) {
	name = strings.TrimSpace(name)
	var ms, ys string
	if m := monthYearRe.FindStringSubmatch(name); m != nil {
		ms, ys = m[1], m[2]
	} else if m := yearMonthRe.FindStringSubmatch(name); m != nil {
		ys, ms = m[1], m[2]
	} else {
		return 0, 0, false
	}
	month, _ := strconv.Atoi(ms)
	year, _ := strconv.Atoi(ys)
	if month < 1 || month > 12 {
		return 0, 0, false
	}
	return time.Month(month), year, true
}

// MapColumns returns, per guide code, the column of the guide's morning
// cell. The afternoon cell is the next column. A guide is matched on the
// first header cell carrying its code as a token whose sub-headers read
// MAÑANA and TARDE. Guides without a match are absent from the result.
func MapColumns(header, subHeader []string, guides []*model.Guide) map[string]int {
	cols := make(map[string]int, len(guides))
	for _, g := range guides {
		for c, cell := range header {
			if !hasToken(cell, g.Code) {
				continue
			}
			if c+1 >= len(subHeader) {
				continue
			}
			if model.NormalizeLabel(subHeader[c]) != model.LabelMorning ||
				model.NormalizeLabel(subHeader[c+1]) != model.LabelAfternoon {
				continue
			}
			cols[g.Code] = c
			break
		}
	}
	return cols
}

func hasToken(cell, code string) bool {
	tokens := strings.FieldsFunc(cell, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, t := range tokens {
		if t == code {
			return true
		}
	}
	return false
}

// ReadMaster fills MasterLabel, MasterAt and MasterTimestamp for every
// guide mapped on a month page.
func ReadMaster(ctx context.Context, wb grid.Workbook, guides []*model.Guide, opts Options) (Stats, error) {
	var st Stats

	pages, err := wb.Pages(ctx)
	if err != nil {
		return st, fmt.Errorf("list master pages: %w", err)
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if _, _, ok := ParseMonthPage(page); !ok {
			continue
		}
		g, err := wb.Read(ctx, page)
		if err != nil {
			return st, fmt.Errorf("read master page %s: %w", page, err)
		}
		ps := readMasterPage(page, g, guides, opts)
		st.add(ps)
	}
	return st, nil
}

func readMasterPage(page string, g *grid.Grid, guides []*model.Guide, opts Options) Stats {
	st := Stats{Pages: 1}

	cols := MapColumns(g.Row(0), g.Row(1), guides)
	if len(cols) == 0 {
		log.Debug("no guide columns on master page", "page", page)
		return st
	}

	for r := 2; r < g.NumRows(); r++ {
		raw := strings.TrimSpace(g.Value(r, 0))
		if raw == "" {
			continue
		}
		date, err := ParseDate(raw)
		if err != nil {
			st.Skipped++
			log.Debug("skipping master row", "err", &FormatError{Page: page, Row: r, Col: 0, Value: raw, Reason: err.Error()})
			continue
		}

		for _, gd := range guides {
			c, ok := cols[gd.Code]
			if !ok {
				continue
			}

			morning := model.NormalizeLabel(g.Value(r, c))
			s := gd.Morning(date)
			s.MasterLabel = morning
			s.MasterAt = model.Location{Page: page, Row: r, Col: c}
			s.MasterTimestamp = opts.PassStart

			afternoon := model.NormalizeLabel(g.Value(r, c+1))
			s = gd.Afternoon(date, afternoon)
			s.MasterLabel = afternoon
			s.MasterAt = model.Location{Page: page, Row: r, Col: c + 1}
			s.MasterTimestamp = opts.PassStart

			st.Slots += 2
		}
	}
	return st
}

var dateLayouts = []string{
	"2006-01-02",
	"2/1/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseDate accepts YYYY-MM-DD, DD/MM/YYYY and D/M/YYYY. Date-times are
// reduced to their date.
func ParseDate(raw string) (model.Date, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return model.DateOf(t), nil
		}
	}
	return model.Date{}, fmt.Errorf("unrecognized date")
}

// ReadGuide fills the Guide-side fields of gd's slots from its calendar
// workbook.
func ReadGuide(ctx context.Context, wb grid.Workbook, gd *model.Guide, layout config.GuideLayout, opts Options) (Stats, error) {
	var st Stats

	pages, err := wb.Pages(ctx)
	if err != nil {
		return st, fmt.Errorf("list pages of %s: %w", gd.Code, err)
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		month, year, ok := ParseMonthPage(page)
		if !ok {
			continue
		}
		g, err := wb.Read(ctx, page)
		if err != nil {
			return st, fmt.Errorf("read page %s of %s: %w", page, gd.Code, err)
		}
		st.add(readGuidePage(page, g, year, month, gd, layout, opts))
	}
	return st, nil
}

func readGuidePage(page string, g *grid.Grid, year int, month time.Month, gd *model.Guide, layout config.GuideLayout, opts Options) Stats {
	st := Stats{Pages: 1}
	// A week block is the anchor row followed by its label rows; numbers
	// typed into label rows are never anchors.
	block := max(layout.RowsPerDay, 3)

	for r := 0; r < g.NumRows(); {
		anchored := false
		for c := 0; c < layout.DaysPerWeek; c++ {
			raw := strings.TrimSpace(g.Value(r, c))
			day, err := strconv.Atoi(raw)
			if err != nil {
				// Labels, headers and blanks are not anchors.
				continue
			}
			anchored = true
			if day < 1 || day > 31 {
				st.Skipped++
				log.Debug("skipping anchor", "err", &FormatError{Page: page, Row: r, Col: c, Value: raw, Reason: "day out of range"})
				continue
			}
			date, err := model.NewDate(year, month, day)
			if err != nil {
				st.Skipped++
				log.Debug("skipping anchor", "err", &FormatError{Page: page, Row: r, Col: c, Value: raw, Reason: err.Error()})
				continue
			}

			obs := observe(g, page, r+1, c, layout, opts)
			s := gd.Morning(date)
			obs.applyTo(s)

			obs = observe(g, page, r+2, c, layout, opts)
			s = gd.Afternoon(date, obs.label, string(obs.lock))
			obs.applyTo(s)

			st.Slots += 2
		}
		if anchored {
			r += block
		} else {
			r++
		}
	}
	return st
}

type observation struct {
	label string
	lock  model.Lock
	at    time.Time
	loc   model.Location
}

func (o observation) applyTo(s *model.ShiftState) {
	s.GuideLabel = o.label
	s.GuideLock = o.lock
	s.GuideTimestamp = o.at
	s.GuideAt = o.loc
}

func observe(g *grid.Grid, page string, row, col int, layout config.GuideLayout, opts Options) observation {
	o := observation{
		label: model.NormalizeLabel(g.Value(row, col)),
		loc:   model.Location{Page: page, Row: row, Col: col},
	}

	lockCol, tsCol := layout.SideColumns(col)
	rawLock := g.Value(row, lockCol)
	lock, err := model.ParseLock(rawLock)
	if err != nil {
		log.Warn("treating unknown lock as empty", "page", page, "row", row, "col", lockCol, "value", rawLock)
	}
	o.lock = lock

	if raw := strings.TrimSpace(g.Value(row, tsCol)); raw != "" {
		ts, err := ParseTimestamp(raw, opts.loc())
		if err != nil {
			log.Debug("ignoring timestamp", "page", page, "row", row, "value", raw)
		}
		o.at = ts
	}
	return o
}

// ParseTimestamp parses a side-column timestamp. RFC3339 is what the writer
// produces; a zone-less "YYYY-MM-DD HH:MM:SS" is read in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
