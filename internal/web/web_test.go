package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidesync/internal/config"
	"guidesync/internal/engine"
	"guidesync/internal/ics"
)

type fakeSyncer struct {
	busy bool
	last *engine.Report
	rep  engine.Report
	err  error
	runs int
}

func (f *fakeSyncer) RunOnce(context.Context) (engine.Report, error) {
	f.runs++
	return f.rep, f.err
}

func (f *fakeSyncer) Last() (engine.Report, bool) {
	if f.last == nil {
		return engine.Report{}, false
	}
	return *f.last, true
}

func (f *fakeSyncer) Busy() bool { return f.busy }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.CalendarBaseURL = "https://calendars.example.com/"
	cfg.Guides = []config.GuideConfig{
		{Code: "G01", Name: "Ana", Email: "ana@example.com", Calendar: "cal_G01"},
	}
	return cfg
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(testConfig(), &fakeSyncer{}, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStatus(t *testing.T) {
	last := engine.Report{MasterWrites: 3, GuideWrites: 2}
	s := NewServer(testConfig(), &fakeSyncer{busy: true, last: &last}, nil)
	next := time.Date(2025, 11, 2, 10, 5, 0, 0, time.UTC)
	s.SetNextRun(func() time.Time { return next })

	rec := do(t, s.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Busy)
	assert.Equal(t, 1, got.Guides)
	require.NotNil(t, got.NextRun)
	assert.True(t, next.Equal(*got.NextRun))
	require.NotNil(t, got.Last)
	assert.Equal(t, 3, got.Last.MasterWrites)
}

func TestSync(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		fs := &fakeSyncer{rep: engine.Report{MasterWrites: 1}}
		rec := do(t, NewServer(testConfig(), fs, nil).Handler(), http.MethodPost, "/api/sync")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"master_writes":1`)
		assert.Equal(t, 1, fs.runs)
	})

	t.Run("busy", func(t *testing.T) {
		fs := &fakeSyncer{err: engine.ErrPassInProgress}
		rec := do(t, NewServer(testConfig(), fs, nil).Handler(), http.MethodPost, "/api/sync")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("fatal", func(t *testing.T) {
		fs := &fakeSyncer{
			rep: engine.Report{Fatal: "pass aborted at open master: gone"},
			err: &engine.FatalError{Stage: "open master", Err: errors.New("gone")},
		}
		rec := do(t, NewServer(testConfig(), fs, nil).Handler(), http.MethodPost, "/api/sync")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "open master")
	})

	t.Run("wrong method", func(t *testing.T) {
		fs := &fakeSyncer{}
		rec := do(t, NewServer(testConfig(), fs, nil).Handler(), http.MethodGet, "/api/sync")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, 0, fs.runs)
	})
}

func TestGuides(t *testing.T) {
	rec := do(t, NewServer(testConfig(), &fakeSyncer{}, nil).Handler(), http.MethodGet, "/api/guides")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []guideDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []guideDTO{{
		Code:        "G01",
		Name:        "Ana",
		Email:       "ana@example.com",
		Calendar:    "cal_G01",
		CalendarURL: "https://calendars.example.com/cal_G01",
	}}, got)
}

const sharedICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:shift-1\r\n" +
	"SUMMARY:Turno MAÑANA\r\n" +
	"DTSTART:20251103T121500Z\r\n" +
	"DTEND:20251103T150000Z\r\n" +
	"ATTENDEE;RSVP=TRUE:mailto:ana@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestCalendar(t *testing.T) {
	cfg := testConfig()
	cfg.CalendarID = filepath.Join(t.TempDir(), "turnos.ics")
	require.NoError(t, os.WriteFile(cfg.CalendarID, []byte(sharedICS), 0o600))
	s := NewServer(cfg, &fakeSyncer{}, ics.NewFileCalendar(cfg))

	rec := do(t, s.Handler(), http.MethodGet, "/api/calendar?from=2025-11-03&to=2025-11-03")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got calendarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Occurrences, 1)
	assert.Equal(t, "shift-1", got.Occurrences[0].UID)
	assert.Equal(t, []string{"ana@example.com"}, got.Occurrences[0].Attendees)

	rec = do(t, s.Handler(), http.MethodGet, "/api/calendar?from=2025-11-04")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got.Occurrences)
}

func TestCalendarBadRequests(t *testing.T) {
	s := NewServer(testConfig(), &fakeSyncer{}, ics.NewFileCalendar(testConfig()))
	for _, target := range []string{
		"/api/calendar?from=03/11/2025",
		"/api/calendar?to=tomorrow",
		"/api/calendar?from=2025-11-05&to=2025-11-01",
	} {
		rec := do(t, s.Handler(), http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := do(t, NewServer(testConfig(), &fakeSyncer{}, nil).Handler(), http.MethodGet, "/api/calendar")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	cfg := testConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	h := NewServer(cfg, &fakeSyncer{}, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)

	rec := do(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
