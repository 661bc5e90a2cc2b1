package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidesync/internal/config"
	"guidesync/internal/grid"
	"guidesync/internal/model"
	"guidesync/internal/notify"
)

var passTime = time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)

const stamp = "2025-11-02T10:00:00Z"

type invite struct {
	op     string
	date   string
	period model.Period
	email  string
}

type fakeCalendar struct {
	mu    sync.Mutex
	calls []invite
}

func (f *fakeCalendar) AddInvitee(_ context.Context, d model.Date, p model.Period, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invite{"add", d.String(), p, email})
	return nil
}

func (f *fakeCalendar) RemoveInvitee(_ context.Context, d model.Date, p model.Period, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invite{"remove", d.String(), p, email})
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (f *fakeMailer) Send(_ context.Context, m notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

// calendarPage is one week (3rd to 9th) of free slots.
func calendarPage() [][]string {
	rows := make([][]string, 3)
	for i := range rows {
		rows[i] = make([]string, 21)
	}
	for c := 0; c < 7; c++ {
		rows[0][c] = strconv.Itoa(3 + c)
		rows[1][c] = "MAÑANA"
		rows[2][c] = "TARDE"
	}
	return rows
}

type fixture struct {
	cfg    *config.Config
	opener *grid.MemoryOpener
	master *grid.Memory
	cals   map[string]*grid.Memory
	cal    *fakeCalendar
	mail   *fakeMailer
	runner *Runner
}

func newFixture(t *testing.T, masterRows [][]string, pages map[string][][]string) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Workers = 2
	cfg.Guides = []config.GuideConfig{
		{Code: "G01", Name: "Ana", Email: "ana@example.com", Calendar: "cal_G01"},
		{Code: "G02", Name: "Luis", Email: "luis@example.com", Calendar: "cal_G02"},
	}

	f := &fixture{
		cfg:    cfg,
		master: grid.NewMemory(),
		cals:   map[string]*grid.Memory{},
		cal:    &fakeCalendar{},
		mail:   &fakeMailer{},
	}
	require.NoError(t, f.master.PutPage(ctx, "11_2025", masterRows))
	f.opener = &grid.MemoryOpener{Books: map[string]*grid.Memory{"master": f.master}, Fail: map[string]error{}}
	for _, g := range cfg.Guides {
		wb := grid.NewMemory()
		rows, ok := pages[g.Code]
		if !ok {
			rows = calendarPage()
		}
		require.NoError(t, wb.PutPage(ctx, "11_2025", rows))
		f.cals[g.Code] = wb
		f.opener.Books[g.Calendar] = wb
	}

	f.runner = NewRunner(cfg, f.opener, notify.NewDispatcher(f.cal, f.mail, nil))
	f.runner.SetClock(func() time.Time { return passTime })
	return f
}

func masterRows() [][]string {
	return [][]string{
		{"FECHA", "G01 Ana", "", "G02 Luis", ""},
		{"", "MAÑANA", "TARDE", "MAÑANA", "TARDE"},
		{"2025-11-03", "ASIGNAR MAÑANA", "", "", ""},
		{"2025-11-04", "", "", "", "ASIGNAR T2"},
	}
}

func anaPages() map[string][][]string {
	ana := calendarPage()
	ana[1][1] = "NO DISPONIBLE" // 4th, morning
	return map[string][][]string{"G01": ana}
}

func read(t *testing.T, wb *grid.Memory) *grid.Grid {
	t.Helper()
	g, err := wb.Read(context.Background(), "11_2025")
	require.NoError(t, err)
	return g
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())

	rep, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.MasterWrites)
	assert.Equal(t, 3, rep.GuideWrites)
	assert.Equal(t, 2, rep.Notifications)
	assert.Empty(t, rep.Failed())
	assert.Equal(t, passTime, rep.Started)

	m := read(t, f.master)
	assert.Equal(t, "ASIGNADO M", m.Value(2, 1))
	assert.Equal(t, "#00FF00", m.Cell(2, 1).Color)
	assert.Equal(t, "NO DISPONIBLE", m.Value(3, 1))
	assert.Equal(t, "#FF0000", m.Cell(3, 1).Color)
	assert.Equal(t, "ASIGNADO T2", m.Value(3, 4))

	ana := read(t, f.cals["G01"])
	assert.Equal(t, "ASIGNADO M", ana.Value(1, 0))
	assert.Equal(t, "M-AM", ana.Value(1, 7))
	assert.Equal(t, stamp, ana.Value(1, 14))
	assert.Equal(t, "G-ND", ana.Value(1, 8))

	luis := read(t, f.cals["G02"])
	assert.Equal(t, "ASIGNADO T2", luis.Value(2, 1))
	assert.Equal(t, "M-AT2", luis.Value(2, 8))

	assert.ElementsMatch(t, []invite{
		{"add", "2025-11-03", model.PeriodMorning, "ana@example.com"},
		{"add", "2025-11-04", model.PeriodT2, "luis@example.com"},
	}, f.cal.calls)
	assert.Len(t, f.mail.sent, 2)

	last, ok := f.runner.Last()
	require.True(t, ok)
	assert.Equal(t, rep.MasterWrites, last.MasterWrites)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())

	_, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)

	rep, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.MasterWrites)
	assert.Equal(t, 0, rep.GuideWrites)
	assert.Equal(t, 0, rep.Notifications)
	assert.Len(t, f.mail.sent, 2)
}

func TestRunOnceGuideKeepsEarlierUnavailability(t *testing.T) {
	luis := calendarPage()
	luis[1][0] = "NO DISPONIBLE"
	luis[1][7] = "G-ND"
	luis[1][14] = "2025-11-01T09:00:00Z"

	rows := masterRows()
	rows[2][3] = "ASIGNAR MAÑANA"
	f := newFixture(t, rows, map[string][][]string{"G02": luis})

	rep, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)

	m := read(t, f.master)
	assert.Equal(t, "NO DISPONIBLE", m.Value(2, 3))
	assert.Equal(t, "NO DISPONIBLE", read(t, f.cals["G02"]).Value(1, 0))
	assert.NotContains(t, f.cal.calls, invite{"add", "2025-11-03", model.PeriodMorning, "luis@example.com"})
	assert.Equal(t, 2, rep.Notifications)
}

func TestRunOnceIsolatesFailingGuide(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())
	f.opener.Fail["cal_G02"] = errors.New("calendar locked")

	rep, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Guides, 2)
	assert.True(t, rep.Guides[0].OK())
	assert.Equal(t, StageOpen, rep.Guides[1].Stage)
	assert.Equal(t, "calendar locked", rep.Guides[1].Error)
	assert.Equal(t, []string{"G02: open: calendar locked"}, rep.Failed())

	// G01 is written; the Master cells of G02 are left alone.
	m := read(t, f.master)
	assert.Equal(t, "ASIGNADO M", m.Value(2, 1))
	assert.Equal(t, "ASIGNAR T2", m.Value(3, 4))
	assert.Equal(t, 1, rep.Notifications)
}

func TestRunOnceAlertsManager(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())
	f.cfg.ManagerEmail = "office@example.com"
	f.opener.Fail["cal_G02"] = errors.New("calendar locked")

	_, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)

	var manager []notify.Message
	for _, m := range f.mail.sent {
		if m.To == "office@example.com" {
			manager = append(manager, m)
		}
	}
	require.Len(t, manager, 1)
	assert.Contains(t, manager[0].Text, "G02: open: calendar locked")
	assert.Contains(t, manager[0].Text, "Hora: 02/11/2025 10:00:00")
}

func TestRunOnceFatal(t *testing.T) {
	t.Run("empty registry", func(t *testing.T) {
		f := newFixture(t, masterRows(), nil)
		f.cfg.Guides = nil

		rep, err := f.runner.RunOnce(context.Background())
		var fatal *FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, "load guides", fatal.Stage)
		assert.NotEmpty(t, rep.Fatal)
	})

	t.Run("master unavailable", func(t *testing.T) {
		f := newFixture(t, masterRows(), nil)
		delete(f.opener.Books, "master")

		_, err := f.runner.RunOnce(context.Background())
		var fatal *FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, "open master", fatal.Stage)
		assert.Empty(t, f.mail.sent)
	})
}

// blockingOpener holds the first Open until released.
type blockingOpener struct {
	grid.Opener
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingOpener) Open(ctx context.Context, ref string) (grid.Workbook, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.Opener.Open(ctx, ref)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	f := newFixture(t, masterRows(), nil)
	bo := &blockingOpener{Opener: f.opener, started: make(chan struct{}), release: make(chan struct{})}
	r := NewRunner(f.cfg, bo, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background())
		done <- err
	}()
	<-bo.started

	assert.True(t, r.Busy())
	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(bo.release)
	require.NoError(t, <-done)
	assert.False(t, r.Busy())
}

// cancelAfterApply cancels the pass once the wrapped workbook has applied
// its batch.
type cancelAfterApply struct {
	grid.Workbook
	cancel context.CancelFunc
}

func (c *cancelAfterApply) Apply(ctx context.Context, page string, updates []grid.Update) error {
	err := c.Workbook.Apply(ctx, page, updates)
	c.cancel()
	return err
}

type wrapOpener struct {
	grid.Opener
	wrap map[string]func(grid.Workbook) grid.Workbook
}

func (w *wrapOpener) Open(ctx context.Context, ref string) (grid.Workbook, error) {
	wb, err := w.Opener.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	if fn, ok := w.wrap[ref]; ok {
		return fn(wb), nil
	}
	return wb, nil
}

func TestRunOnceCompletesAfterMasterWrite(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opener := &wrapOpener{Opener: f.opener, wrap: map[string]func(grid.Workbook) grid.Workbook{
		"master": func(wb grid.Workbook) grid.Workbook { return &cancelAfterApply{Workbook: wb, cancel: cancel} },
	}}
	r := NewRunner(f.cfg, opener, notify.NewDispatcher(f.cal, f.mail, nil))
	r.SetClock(func() time.Time { return passTime })

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.Equal(t, 3, rep.MasterWrites)
	assert.Equal(t, 3, rep.GuideWrites)
	assert.Equal(t, 2, rep.Notifications)

	assert.Equal(t, "ASIGNADO M", read(t, f.master).Value(2, 1))
	assert.Equal(t, "M-AM", read(t, f.cals["G01"]).Value(1, 7))

	// The next pass finds both sides in agreement.
	rep, err = f.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.MasterWrites)
	assert.Equal(t, "ASIGNADO M", read(t, f.master).Value(2, 1))
}

func TestRunOnceCanceledBeforeMasterWrite(t *testing.T) {
	f := newFixture(t, masterRows(), anaPages())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.runner.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.MasterWrites)
	assert.Equal(t, "ASIGNAR MAÑANA", read(t, f.master).Value(2, 1))
	assert.Empty(t, f.mail.sent)
}
