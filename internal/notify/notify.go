// Package notify emits the side effects of resolved assignments: calendar
// invitations and templated mails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guidesync/internal/log"
	"guidesync/internal/model"
)

// ErrNoCalendar is reported when no shared calendar is configured. The
// calendar step is skipped and mails are still sent.
var ErrNoCalendar = errors.New("notify: no calendar configured")

// Calendar is the shared shift calendar on which assigned guides are
// registered as invitees.
type Calendar interface {
	AddInvitee(ctx context.Context, date model.Date, period model.Period, email string) error
	RemoveInvitee(ctx context.Context, date model.Date, period model.Period, email string) error
}

// Message is one outbound mail. HTML is optional.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Failure is a side effect that could not be completed for one slot.
type Failure struct {
	Guide  string
	Date   model.Date
	Period model.Period
	Step   string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s %s %s: %v", f.Guide, f.Date, f.Period, f.Step, f.Err)
}

// Report counts what one Dispatch did.
type Report struct {
	Assignments int
	Releases    int
	Invites     int
	Mails       int
	Failures    []Failure
}

// Dispatcher sends the notifications flagged on resolved slots.
type Dispatcher struct {
	// Calendar may be nil; see ErrNoCalendar.
	Calendar  Calendar
	Mailer    Mailer
	Templates *Templates
	// Now stamps system notices.
	Now func() time.Time
}

func NewDispatcher(cal Calendar, m Mailer, t *Templates) *Dispatcher {
	if t == nil {
		t = DefaultTemplates()
	}
	return &Dispatcher{Calendar: cal, Mailer: m, Templates: t, Now: time.Now}
}

// Dispatch processes every slot flagged NeedsNotify (assignment) or
// NeedsReleaseNotice (release). A failing step is recorded and the loop
// moves on.
func (d *Dispatcher) Dispatch(ctx context.Context, guides []*model.Guide) Report {
	var rep Report
	warned := false

	for _, g := range guides {
		for _, s := range g.Shifts() {
			if !s.NeedsNotify && !s.NeedsReleaseNotice {
				continue
			}
			if err := ctx.Err(); err != nil {
				rep.Failures = append(rep.Failures, Failure{Guide: g.Code, Date: s.Date, Period: s.Period, Step: "canceled", Err: err})
				return rep
			}

			kind := KindAssignment
			if s.NeedsNotify {
				rep.Assignments++
			} else {
				kind = KindRelease
				rep.Releases++
			}

			fail := func(step string, err error) {
				f := Failure{Guide: g.Code, Date: s.Date, Period: s.Period, Step: step, Err: err}
				log.Error("notification step failed", err, "guide", g.Code, "date", s.Date, "period", s.Period, "step", step)
				rep.Failures = append(rep.Failures, f)
			}

			switch {
			case d.Calendar == nil:
				if !warned {
					log.Warn("skipping calendar invitations", "err", ErrNoCalendar)
					warned = true
				}
			case kind == KindAssignment:
				if err := d.Calendar.AddInvitee(ctx, s.Date, s.Period, g.Email); err != nil {
					fail("invite", err)
				} else {
					rep.Invites++
				}
			default:
				if err := d.Calendar.RemoveInvitee(ctx, s.Date, s.Period, g.Email); err != nil {
					fail("uninvite", err)
				} else {
					rep.Invites++
				}
			}

			if err := d.send(ctx, kind, g.Email, Data{
				Name:  g.Name,
				Code:  g.Code,
				Email: g.Email,
				Date:  s.Date,
				Shift: ShiftName(s.Period),
			}); err != nil {
				fail("mail", err)
			} else {
				rep.Mails++
			}
		}
	}
	return rep
}

// Welcome sends the registration mail to a new guide.
func (d *Dispatcher) Welcome(ctx context.Context, g *model.Guide, calendarURL string) error {
	return d.send(ctx, KindWelcome, g.Email, Data{
		Name:        g.Name,
		Code:        g.Code,
		Email:       g.Email,
		CalendarURL: calendarURL,
	})
}

// NotifyManager sends a system notice to the office.
func (d *Dispatcher) NotifyManager(ctx context.Context, to, subject string, lines []string) error {
	if to == "" {
		return nil
	}
	return d.send(ctx, KindManager, to, Data{
		Subject: subject,
		Body:    "- " + strings.Join(lines, "\n- "),
		Time:    d.now(),
	})
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Dispatcher) send(ctx context.Context, kind Kind, to string, data Data) error {
	if d.Mailer == nil {
		return errors.New("notify: no mailer")
	}
	msg, err := d.Templates.Render(kind, data)
	if err != nil {
		return err
	}
	msg.To = to
	return d.Mailer.Send(ctx, msg)
}
