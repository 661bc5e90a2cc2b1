// Package schedule runs the reconciliation pass on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guidesync/internal/log"
)

// Job is one scheduled unit of work. The context is canceled by Stop.
type Job func(ctx context.Context) error

// Scheduler fires a Job on a cron expression. A firing that comes due while
// the previous one is still running is skipped.
type Scheduler struct {
	cron *cron.Cron
	id   cron.EntryID
	spec string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New parses spec (five fields or a descriptor such as "@every 10m") and
// binds job to it. Times are evaluated in loc.
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := log.CronLogger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, spec: spec, ctx: ctx, cancel: cancel}

	id, err := c.AddFunc(spec, func() {
		if err := job(s.ctx); err != nil {
			log.Warn("scheduled pass ended with error", "err", err, "spec", spec)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s.id = id
	return s, nil
}

// Start begins firing in the background. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info("scheduler started", "spec", s.spec)
}

// Next is the time of the next firing. It is zero until the scheduler has
// started running.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.id).Next
}

// Stop prevents further firings, cancels the running job's context and
// waits for it to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
