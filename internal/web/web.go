package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"guidesync/internal/config"
	"guidesync/internal/engine"
	"guidesync/internal/ics"
	appLog "guidesync/internal/log"
)

// Syncer runs reconciliation passes and remembers the last one.
type Syncer interface {
	RunOnce(ctx context.Context) (engine.Report, error)
	Last() (engine.Report, bool)
	Busy() bool
}

// CalendarReader lists the shared calendar's events in a window.
type CalendarReader interface {
	Occurrences(ctx context.Context, from, to time.Time) ([]ics.Occurrence, error)
}

// Server provides the HTTP status and control API.
type Server struct {
	cfg      *config.Config
	syncer   Syncer
	calendar CalendarReader
	next     func() time.Time
	now      func() time.Time
	mux      *http.ServeMux
}

// NewServer constructs a new Server. calendar may be nil when no shared
// calendar is configured.
func NewServer(cfg *config.Config, syncer Syncer, calendar CalendarReader) *Server {
	s := &Server{
		cfg:      cfg,
		syncer:   syncer,
		calendar: calendar,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetNextRun reports the scheduler's next firing in /api/status.
func (s *Server) SetNextRun(fn func() time.Time) {
	s.next = fn
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="guidesync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/guides", s.handleGuides)
	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Busy    bool           `json:"busy"`
	Guides  int            `json:"guides"`
	NextRun *time.Time     `json:"next_run,omitempty"`
	Last    *engine.Report `json:"last,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Busy:   s.syncer.Busy(),
		Guides: len(s.cfg.Guides),
	}
	if rep, ok := s.syncer.Last(); ok {
		resp.Last = &rep
	}
	if s.next != nil {
		if t := s.next(); !t.IsZero() {
			resp.NextRun = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs a pass and returns its report. The pass outlives a
// disconnected client.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.syncer.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, engine.ErrPassInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		appLog.Error("api sync: pass failed", err)
		writeJSON(w, http.StatusInternalServerError, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

type guideDTO struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Calendar    string `json:"calendar"`
	CalendarURL string `json:"calendar_url,omitempty"`
}

func (s *Server) handleGuides(w http.ResponseWriter, _ *http.Request) {
	out := make([]guideDTO, 0, len(s.cfg.Guides))
	for _, g := range s.cfg.Guides {
		out = append(out, guideDTO{
			Code:        g.Code,
			Name:        g.Name,
			Email:       g.Email,
			Calendar:    g.Calendar,
			CalendarURL: s.cfg.CalendarURL(g.Calendar),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type calendarResponse struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

type occurrenceDTO struct {
	UID        string    `json:"uid"`
	Summary    string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Attendees  []string  `json:"attendees"`
	Recurring  bool      `json:"recurring,omitempty"`
	Overridden bool      `json:"overridden,omitempty"`
}

// handleCalendar lists shared-calendar events.
//
// GET /api/calendar?from=2025-11-01&to=2025-11-30
//   - from: first day, default today
//   - to:   last day (inclusive), default from + 14 days
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if s.calendar == nil {
		writeError(w, http.StatusNotFound, "no shared calendar configured")
		return
	}

	loc := s.cfg.Location()
	q := r.URL.Query()

	now := s.now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if v := q.Get("from"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	last := from.AddDate(0, 0, 14)
	if v := q.Get("to"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		last = t
	}
	if last.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}
	to := last.AddDate(0, 0, 1)

	occs, err := s.calendar.Occurrences(r.Context(), from, to)
	if err != nil {
		appLog.Error("api calendar: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendar")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, o := range occs {
		att := o.Attendees
		if att == nil {
			att = []string{}
		}
		dtos = append(dtos, occurrenceDTO{
			UID:        o.UID,
			Summary:    o.Summary,
			Start:      o.Start,
			End:        o.End,
			Attendees:  att,
			Recurring:  o.Recurring,
			Overridden: o.Overridden,
		})
	}
	writeJSON(w, http.StatusOK, calendarResponse{From: from, To: to, Occurrences: dtos})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
