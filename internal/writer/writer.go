// Package writer turns resolved shift states into batched grid updates.
package writer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"guidesync/internal/config"
	"guidesync/internal/grid"
	"guidesync/internal/log"
	"guidesync/internal/model"
)

// Palette maps visible labels to background colors.
type Palette struct {
	Unavailable string
	Assigned    string
	Neutral     string
}

func PaletteFrom(c config.ColorConfig) Palette {
	return Palette{
		Unavailable: c.Unavailable,
		Assigned:    c.Assigned,
		Neutral:     c.Available,
	}
}

func (p Palette) ColorFor(label string) string {
	switch {
	case label == model.LabelUnavailable:
		return p.Unavailable
	case model.IsAssignedLabel(label):
		return p.Assigned
	default:
		return p.Neutral
	}
}

// MasterChoices is the dropdown of a Master cell for period p.
func MasterChoices(p model.Period) []string {
	if p == model.PeriodMorning {
		return []string{"", model.LabelRelease, model.DirectiveAssignMorning}
	}
	return []string{"", model.LabelRelease, model.DirectiveAssignT1, model.DirectiveAssignT2, model.DirectiveAssignT3}
}

// GuideChoices is the dropdown of a Guide cell for period p.
func GuideChoices(p model.Period) []string {
	return []string{p.InitialLabel(), model.LabelUnavailable, model.LabelRelease}
}

// Plan holds the updates to send, grouped by page.
type Plan map[string][]grid.Update

// Len is the number of cell updates in the plan.
func (p Plan) Len() int {
	n := 0
	for _, u := range p {
		n += len(u)
	}
	return n
}

func (p Plan) add(page string, u grid.Update) {
	p[page] = append(p[page], u)
}

func (p Plan) sort() {
	for _, us := range p {
		sort.Slice(us, func(i, j int) bool {
			if us[i].Row != us[j].Row {
				return us[i].Row < us[j].Row
			}
			return us[i].Col < us[j].Col
		})
	}
}

// reverted reports whether the slot went back to its initial label, in
// which case the cell's dropdown is re-created.
func reverted(s *model.ShiftState) bool {
	return s.FinalLabel == s.Period.InitialLabel()
}

// PlanMaster collects the Master cells of every slot flagged for a Master
// write. Slots without a Master cell are skipped.
func PlanMaster(guides []*model.Guide, pal Palette) Plan {
	plan := make(Plan)
	for _, g := range guides {
		for _, s := range g.Shifts() {
			if !s.NeedsMasterWrite {
				continue
			}
			if !s.MasterAt.Valid() {
				log.Debug("no master cell for slot", "guide", g.Code, "date", s.Date, "period", s.Period)
				continue
			}
			u := grid.Update{
				Row:   s.MasterAt.Row,
				Col:   s.MasterAt.Col,
				Value: s.FinalLock.MasterLabel(),
				Color: pal.ColorFor(s.FinalLabel),
			}
			if reverted(s) {
				u.Choices = MasterChoices(s.Period)
			}
			plan.add(s.MasterAt.Page, u)
		}
	}
	plan.sort()
	return plan
}

// PlanGuide collects the writes for one guide calendar: the visible cell,
// the lock side cell and the timestamp side cell, stamped with now.
func PlanGuide(g *model.Guide, layout config.GuideLayout, pal Palette, now time.Time) Plan {
	plan := make(Plan)
	stamp := now.Format(time.RFC3339)
	for _, s := range g.Shifts() {
		if !s.NeedsGuideWrite {
			continue
		}
		at := s.GuideAt
		if !at.Valid() {
			log.Debug("no guide cell for slot", "guide", g.Code, "date", s.Date, "period", s.Period)
			continue
		}
		u := grid.Update{
			Row:   at.Row,
			Col:   at.Col,
			Value: s.FinalLabel,
			Color: pal.ColorFor(s.FinalLabel),
		}
		if reverted(s) {
			u.Choices = GuideChoices(s.Period)
		}
		plan.add(at.Page, u)
		lockCol, tsCol := layout.SideColumns(at.Col)
		plan.add(at.Page, grid.Update{Row: at.Row, Col: lockCol, Value: string(s.FinalLock)})
		plan.add(at.Page, grid.Update{Row: at.Row, Col: tsCol, Value: stamp})
	}
	plan.sort()
	return plan
}

// Apply sends each page's batch in one call, in page name order. It stops
// at the first failing page.
func Apply(ctx context.Context, wb grid.Workbook, plan Plan) error {
	pages := make([]string, 0, len(plan))
	for p := range plan {
		pages = append(pages, p)
	}
	sort.Strings(pages)

	for _, page := range pages {
		if err := wb.Apply(ctx, page, plan[page]); err != nil {
			return fmt.Errorf("write page %s: %w", page, err)
		}
	}
	return nil
}
