// Package engine drives one reconciliation pass: load guides, read the
// Master, read every guide calendar, resolve, write the Master, write the
// guide calendars and dispatch notifications.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guidesync/internal/config"
	"guidesync/internal/grid"
	"guidesync/internal/log"
	"guidesync/internal/model"
	"guidesync/internal/notify"
	"guidesync/internal/reader"
	"guidesync/internal/resolve"
	"guidesync/internal/writer"
)

// ErrPassInProgress is returned by RunOnce while another pass is running.
var ErrPassInProgress = errors.New("engine: a pass is already running")

// FatalError aborts a pass: the registry is unusable or the Master cannot
// be read or written.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pass aborted at %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Stage names where a guide failed.
type Stage string

const (
	StageOpen  Stage = "open"
	StageRead  Stage = "read"
	StageWrite Stage = "write"
)

// GuideResult is the outcome of one guide's steps. A guide with an error
// takes no further part in the pass.
type GuideResult struct {
	Code   string `json:"code"`
	Slots  int    `json:"slots"`
	Writes int    `json:"writes"`
	Stage  Stage  `json:"stage,omitempty"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`
}

func (g GuideResult) OK() bool { return g.Err == nil }

func (g *GuideResult) fail(stage Stage, err error) {
	g.Stage = stage
	g.Err = err
	g.Error = err.Error()
}

// Report summarizes a pass.
type Report struct {
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Guides        []GuideResult `json:"guides"`
	Slots         int           `json:"slots"`
	Skipped       int           `json:"skipped_cells"`
	MasterWrites  int           `json:"master_writes"`
	GuideWrites   int           `json:"guide_writes"`
	Notifications int           `json:"notifications"`
	Failures      []string      `json:"failures,omitempty"`
	Fatal         string        `json:"fatal,omitempty"`
}

// Failed lists every per-guide and notification failure.
func (r Report) Failed() []string {
	var out []string
	for _, g := range r.Guides {
		if !g.OK() {
			out = append(out, fmt.Sprintf("%s: %s: %v", g.Code, g.Stage, g.Err))
		}
	}
	return append(out, r.Failures...)
}

// Runner runs passes. At most one pass runs at a time.
type Runner struct {
	cfg        *config.Config
	opener     grid.Opener
	dispatcher *notify.Dispatcher
	now        func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *Report
}

func NewRunner(cfg *config.Config, opener grid.Opener, dispatcher *notify.Dispatcher) *Runner {
	return &Runner{
		cfg:        cfg,
		opener:     opener,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// SetClock replaces the time source of the Runner and its Dispatcher.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
	if r.dispatcher != nil {
		r.dispatcher.Now = now
	}
}

// Last returns the report of the most recent pass.
func (r *Runner) Last() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Busy reports whether a pass is running.
func (r *Runner) Busy() bool {
	if r.running.TryLock() {
		r.running.Unlock()
		return false
	}
	return true
}

// RunOnce runs a full pass. The returned error is ErrPassInProgress, a
// *FatalError or a context error; per-guide failures are only in the report.
// Cancellation is honored until the Master write; after it the pass
// completes.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrPassInProgress
	}
	defer r.running.Unlock()

	start := r.now()
	rep, err := r.run(ctx, start)
	rep.Started = start
	rep.Duration = r.now().Sub(start)
	if err != nil {
		rep.Fatal = err.Error()
		log.Error("sync pass failed", err, "duration", rep.Duration)
	} else {
		log.Info("sync pass completed",
			"duration", rep.Duration,
			"guides", len(rep.Guides),
			"slots", rep.Slots,
			"master_writes", rep.MasterWrites,
			"guide_writes", rep.GuideWrites,
			"notifications", rep.Notifications,
			"failures", len(rep.Failed()),
		)
	}

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()

	r.alertManager(context.WithoutCancel(ctx), rep)
	return rep, err
}

func (r *Runner) alertManager(ctx context.Context, rep Report) {
	lines := rep.Failed()
	if rep.Fatal != "" {
		lines = append([]string{rep.Fatal}, lines...)
	}
	if len(lines) == 0 || r.cfg.ManagerEmail == "" || r.dispatcher == nil {
		return
	}
	if err := r.dispatcher.NotifyManager(ctx, r.cfg.ManagerEmail, "Incidencias de sincronización", lines); err != nil {
		log.Warn("manager notification failed", "err", err)
	}
}

// guideRun is the per-guide state carried through a pass.
type guideRun struct {
	guide  *model.Guide
	wb     grid.Workbook
	result GuideResult
}

func (r *Runner) run(ctx context.Context, start time.Time) (Report, error) {
	var rep Report

	runs, err := r.loadGuides()
	if err != nil {
		return rep, err
	}
	defer func() {
		for _, gr := range runs {
			if gr.wb != nil {
				gr.wb.Close()
			}
		}
	}()

	guides := make([]*model.Guide, len(runs))
	for i, gr := range runs {
		guides[i] = gr.guide
	}

	opts := reader.Options{Location: r.cfg.Location(), PassStart: start}

	master, err := r.opener.Open(ctx, r.cfg.Master)
	if err != nil {
		return rep, &FatalError{Stage: "open master", Err: err}
	}
	defer master.Close()

	mst, err := reader.ReadMaster(ctx, master, guides, opts)
	if err != nil {
		return rep, &FatalError{Stage: "read master", Err: err}
	}
	rep.Skipped += mst.Skipped

	// Every Master read is complete before any guide is read or resolved.
	var skipMu sync.Mutex
	r.forEachGuide(ctx, runs, func(ctx context.Context, gr *guideRun) {
		wb, err := r.opener.Open(ctx, gr.guide.CalendarRef)
		if err != nil {
			gr.result.fail(StageOpen, err)
			return
		}
		gr.wb = wb
		st, err := reader.ReadGuide(ctx, wb, gr.guide, r.cfg.Layout, opts)
		if err != nil {
			gr.result.fail(StageRead, err)
			return
		}
		gr.result.Slots = gr.guide.Len()
		skipMu.Lock()
		rep.Skipped += st.Skipped
		skipMu.Unlock()
	})
	if err := ctx.Err(); err != nil {
		return r.finish(rep, runs), err
	}

	healthy := healthyGuides(runs)
	for _, g := range healthy {
		resolve.ResolveAll(g.Shifts())
		rep.Slots += g.Len()
	}

	pal := writer.PaletteFrom(r.cfg.Colors)

	// The Master has a single writer.
	plan := writer.PlanMaster(healthy, pal)
	if err := writer.Apply(ctx, master, plan); err != nil {
		return r.finish(rep, runs), &FatalError{Stage: "write master", Err: err}
	}
	rep.MasterWrites = plan.Len()

	// The Master is committed. Guide writes and notifications run to the end
	// even if ctx is canceled, so both grids hold the same locks.
	ctx = context.WithoutCancel(ctx)

	r.forEachGuide(ctx, runs, func(ctx context.Context, gr *guideRun) {
		if !gr.result.OK() {
			return
		}
		gp := writer.PlanGuide(gr.guide, r.cfg.Layout, pal, r.now())
		if err := writer.Apply(ctx, gr.wb, gp); err != nil {
			gr.result.fail(StageWrite, err)
			return
		}
		gr.result.Writes = guideWrites(gr.guide)
	})

	rep = r.finish(rep, runs)
	for _, g := range rep.Guides {
		rep.GuideWrites += g.Writes
	}

	if r.dispatcher != nil {
		nr := r.dispatcher.Dispatch(ctx, healthyGuides(runs))
		rep.Notifications = nr.Mails
		for _, f := range nr.Failures {
			rep.Failures = append(rep.Failures, f.Error())
		}
	}
	return rep, ctx.Err()
}

// loadGuides turns the registry into per-pass guides.
func (r *Runner) loadGuides() ([]*guideRun, error) {
	if len(r.cfg.Guides) == 0 {
		return nil, &FatalError{Stage: "load guides", Err: errors.New("no guides registered")}
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, &FatalError{Stage: "load guides", Err: err}
	}
	runs := make([]*guideRun, len(r.cfg.Guides))
	for i, g := range r.cfg.Guides {
		runs[i] = &guideRun{
			guide:  model.NewGuide(g.Code, g.Name, g.Email, g.Calendar),
			result: GuideResult{Code: g.Code},
		}
	}
	return runs, nil
}

// forEachGuide runs fn for every guide, at most cfg.Workers at a time. fn
// records failures in the guide's result; it never stops the others.
func (r *Runner) forEachGuide(ctx context.Context, runs []*guideRun, fn func(context.Context, *guideRun)) {
	var eg errgroup.Group
	eg.SetLimit(max(r.cfg.Workers, 1))
	for _, gr := range runs {
		eg.Go(func() error {
			if !gr.result.OK() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return nil
			}
			fn(ctx, gr)
			if !gr.result.OK() {
				log.Error("guide skipped for this pass", gr.result.Err, "guide", gr.guide.Code, "stage", gr.result.Stage)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (r *Runner) finish(rep Report, runs []*guideRun) Report {
	rep.Guides = make([]GuideResult, len(runs))
	for i, gr := range runs {
		rep.Guides[i] = gr.result
	}
	return rep
}

func healthyGuides(runs []*guideRun) []*model.Guide {
	out := make([]*model.Guide, 0, len(runs))
	for _, gr := range runs {
		if gr.result.OK() {
			out = append(out, gr.guide)
		}
	}
	return out
}

func guideWrites(g *model.Guide) int {
	n := 0
	for _, s := range g.Shifts() {
		if s.NeedsGuideWrite && s.GuideAt.Valid() {
			n++
		}
	}
	return n
}
