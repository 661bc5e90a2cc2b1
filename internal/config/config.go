package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"guidesync/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. The guide registry lives in the same file.

var (
	guideCodeRe = regexp.MustCompile(`^[A-Z]\d{2}$`)
	emailRe     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	// ErrGuideExists is returned by AddGuide for a duplicate code.
	ErrGuideExists = errors.New("guide already registered")
	// ErrGuideNotFound is returned by RemoveGuide for an unknown code.
	ErrGuideNotFound = errors.New("guide not registered")
)

// GuideConfig is one entry of the guide registry.
type GuideConfig struct {
	// Code is the short unique identifier shown in the Master header (e.g. G01).
	Code  string `yaml:"code" json:"code"`
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
	// Calendar is the workbook reference of the guide's personal calendar.
	Calendar string `yaml:"calendar" json:"calendar"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SMTPConfig configures outbound mail. An empty Host disables sending and
// mails are only logged.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
}

// ColorConfig maps resolved states to background colors.
type ColorConfig struct {
	Available   string `yaml:"available" json:"available"`
	Unavailable string `yaml:"unavailable" json:"unavailable"`
	Assigned    string `yaml:"assigned" json:"assigned"`
}

// GuideLayout describes the fixed geometry of a guide calendar page.
//
// Each week occupies RowsPerDay rows: the anchor row with day numbers in
// columns [0, DaysPerWeek), then the morning row and the afternoon row.
// The lock marker and last-write timestamp for weekday column c live in
// LockColumn+c and TimestampColumn+c of the same row. With
// SharedSideColumns every day of a row uses LockColumn and TimestampColumn
// themselves, which is how older calendars are laid out.
type GuideLayout struct {
	DaysPerWeek       int  `yaml:"days_per_week" json:"days_per_week"`
	RowsPerDay        int  `yaml:"rows_per_day" json:"rows_per_day"`
	LockColumn        int  `yaml:"lock_column" json:"lock_column"`
	TimestampColumn   int  `yaml:"timestamp_column" json:"timestamp_column"`
	SharedSideColumns bool `yaml:"shared_side_columns,omitempty" json:"shared_side_columns,omitempty"`
}

// SideColumns returns the lock and timestamp columns of the day in col.
func (l GuideLayout) SideColumns(col int) (lock, timestamp int) {
	if l.SharedSideColumns {
		return l.LockColumn, l.TimestampColumn
	}
	return l.LockColumn + col, l.TimestampColumn + col
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone of the schedule (e.g. "Europe/Madrid").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is the cron-style schedule of the periodic pass.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Workers bounds how many guide workbooks are read/written at once.
	// 1 keeps the pass fully sequential.
	Workers int `yaml:"workers" json:"workers"`

	// WorkbookDir is where workbook references are resolved.
	WorkbookDir string `yaml:"workbook_dir" json:"workbook_dir"`

	// Master is the workbook reference of the Master schedule.
	Master string `yaml:"master" json:"master"`

	// CalendarID identifies the shared calendar (an .ics file path) on which
	// assigned guides are registered as invitees. Empty disables the step.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// ShiftTimes maps a period (MANANA, T1, T2, T3) to its "HH:MM" start.
	ShiftTimes map[string]string `yaml:"shift_times" json:"shift_times"`

	// EventMinutes is the duration of calendar events created for a shift.
	EventMinutes int `yaml:"event_minutes" json:"event_minutes"`

	// CalendarBaseURL, if set, is used to build the link to a guide's
	// calendar in the welcome mail: <CalendarBaseURL>/<calendar ref>.
	CalendarBaseURL string `yaml:"calendar_base_url" json:"calendar_base_url"`

	// ManagerEmail receives a summary when a pass has failures.
	ManagerEmail string `yaml:"manager_email" json:"manager_email"`

	Colors ColorConfig   `yaml:"colors" json:"colors"`
	Layout GuideLayout   `yaml:"guide_layout" json:"guide_layout"`
	SMTP   SMTPConfig    `yaml:"smtp" json:"smtp"`
	Guides []GuideConfig `yaml:"guides" json:"guides"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Europe/Madrid",
		RefreshCron: "*/5 * * * *",
		Workers:     1,
		WorkbookDir: "/var/lib/guidesync/workbooks",
		Master:      "master",
		ShiftTimes:  defaultShiftTimes(),
		// Tours run a little under three hours.
		EventMinutes: 165,
		Colors:       defaultColors(),
		Layout:       defaultLayout(),
		SMTP:         SMTPConfig{Port: 587},
		Guides:       []GuideConfig{},
		BasicAuth:    nil,
	}
}

func defaultShiftTimes() map[string]string {
	return map[string]string{
		string(model.PeriodMorning): "12:15",
		string(model.PeriodT1):      "17:15",
		string(model.PeriodT2):      "18:15",
		string(model.PeriodT3):      "19:15",
	}
}

func defaultColors() ColorConfig {
	return ColorConfig{
		Available:   "#FFFFFF",
		Unavailable: "#FF0000",
		Assigned:    "#00FF00",
	}
}

func defaultLayout() GuideLayout {
	return GuideLayout{
		DaysPerWeek:     7,
		RowsPerDay:      3,
		LockColumn:      7,
		TimestampColumn: 14,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Madrid"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.WorkbookDir == "" {
		c.WorkbookDir = "/var/lib/guidesync/workbooks"
	}
	if c.Master == "" {
		c.Master = "master"
	}
	if c.ShiftTimes == nil {
		c.ShiftTimes = defaultShiftTimes()
	}
	for k, v := range defaultShiftTimes() {
		if _, ok := c.ShiftTimes[k]; !ok {
			c.ShiftTimes[k] = v
		}
	}
	if c.EventMinutes <= 0 {
		c.EventMinutes = 165
	}

	d := defaultColors()
	if c.Colors.Available == "" {
		c.Colors.Available = d.Available
	}
	if c.Colors.Unavailable == "" {
		c.Colors.Unavailable = d.Unavailable
	}
	if c.Colors.Assigned == "" {
		c.Colors.Assigned = d.Assigned
	}

	l := defaultLayout()
	if c.Layout.DaysPerWeek <= 0 {
		c.Layout.DaysPerWeek = l.DaysPerWeek
	}
	if c.Layout.RowsPerDay < 3 {
		c.Layout.RowsPerDay = l.RowsPerDay
	}
	// Side columns must sit right of the day columns.
	if c.Layout.LockColumn < c.Layout.DaysPerWeek {
		c.Layout.LockColumn = c.Layout.DaysPerWeek
	}
	width := c.Layout.DaysPerWeek
	if c.Layout.SharedSideColumns {
		width = 1
	}
	if c.Layout.TimestampColumn < c.Layout.LockColumn+width {
		c.Layout.TimestampColumn = c.Layout.LockColumn + width
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Guides == nil {
		c.Guides = []GuideConfig{}
	}
}

// Validate reports configuration errors the engine cannot recover from.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	for k, v := range c.ShiftTimes {
		if _, err := model.ParsePeriod(k); err != nil {
			errs = append(errs, fmt.Errorf("shift_times: %w", err))
			continue
		}
		if _, _, err := ParseClock(v); err != nil {
			errs = append(errs, fmt.Errorf("shift_times[%s]: %w", k, err))
		}
	}
	seen := make(map[string]bool, len(c.Guides))
	for _, g := range c.Guides {
		if err := ValidateGuide(g); err != nil {
			errs = append(errs, err)
		}
		if seen[g.Code] {
			errs = append(errs, fmt.Errorf("guide %s: %w", g.Code, ErrGuideExists))
		}
		seen[g.Code] = true
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, or time.Local if it is invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ShiftStart returns the configured start hour and minute of p.
func (c *Config) ShiftStart(p model.Period) (int, int) {
	v, ok := c.ShiftTimes[string(p)]
	if !ok {
		v = defaultShiftTimes()[string(p)]
	}
	h, m, err := ParseClock(v)
	if err != nil {
		h, m, _ = ParseClock(defaultShiftTimes()[string(p)])
	}
	return h, m
}

// ParseClock parses "HH:MM".
func ParseClock(v string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}

// ValidateGuide checks the code format (one capital letter and two digits),
// the email address and the calendar reference.
func ValidateGuide(g GuideConfig) error {
	if !guideCodeRe.MatchString(g.Code) {
		return fmt.Errorf("guide %q: invalid code, want format G01", g.Code)
	}
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("guide %s: name is empty", g.Code)
	}
	if !emailRe.MatchString(g.Email) {
		return fmt.Errorf("guide %s: invalid email %q", g.Code, g.Email)
	}
	if strings.TrimSpace(g.Calendar) == "" {
		return fmt.Errorf("guide %s: calendar reference is empty", g.Code)
	}
	return nil
}

// AddGuide validates g and appends it to the registry.
func (c *Config) AddGuide(g GuideConfig) error {
	if err := ValidateGuide(g); err != nil {
		return err
	}
	if _, ok := c.Guide(g.Code); ok {
		return fmt.Errorf("guide %s: %w", g.Code, ErrGuideExists)
	}
	c.Guides = append(c.Guides, g)
	return nil
}

// RemoveGuide drops the guide with code from the registry.
func (c *Config) RemoveGuide(code string) error {
	for i, g := range c.Guides {
		if g.Code == code {
			c.Guides = append(c.Guides[:i], c.Guides[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("guide %s: %w", code, ErrGuideNotFound)
}

// Guide looks up a registry entry by code.
func (c *Config) Guide(code string) (GuideConfig, bool) {
	for _, g := range c.Guides {
		if g.Code == code {
			return g, true
		}
	}
	return GuideConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".guidesync-config-*.tmp")
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory and renames it over the target with 0600 permissions.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// CalendarURL is the link to a guide calendar sent in the welcome mail.
func (c *Config) CalendarURL(ref string) string {
	if c.CalendarBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.CalendarBaseURL, "/") + "/" + ref
}

// Save is a convenience method on Config that delegates to the package-level
// Save function:
//
//	cfg, _ := config.Load(path)
//	// ... mutate cfg ...
//	if err := cfg.Save(path); err != nil { ... }
func (c *Config) Save(path string) error {
	return Save(path, c)
}
