package model

import (
	"fmt"
	"strings"
)

// Lock is the persisted ownership marker stored in the Guide grid's side
// column. The set of values is closed; see ParseLock.
type Lock string

const (
	LockEmpty            Lock = ""
	LockGuideUnavailable Lock = "G-ND"
	LockAssignedMorning  Lock = "M-AM"
	LockAssignedT1       Lock = "M-AT1"
	LockAssignedT2       Lock = "M-AT2"
	LockAssignedT3       Lock = "M-AT3"
	LockReleasedByGuide  Lock = "L-G"
	LockReleasedByMaster Lock = "L-M"
)

const masterAssignedPrefix = "M-A"

// ParseLock accepts only the known markers. Surrounding whitespace is
// ignored.
func ParseLock(raw string) (Lock, error) {
	l := Lock(strings.TrimSpace(raw))
	switch l {
	case LockEmpty, LockGuideUnavailable,
		LockAssignedMorning, LockAssignedT1, LockAssignedT2, LockAssignedT3,
		LockReleasedByGuide, LockReleasedByMaster:
		return l, nil
	}
	return LockEmpty, fmt.Errorf("unknown lock marker %q", raw)
}

func (l Lock) IsMasterAssigned() bool {
	return strings.HasPrefix(string(l), masterAssignedPrefix)
}

// AssignedPeriod returns the period of a master-assigned lock.
func (l Lock) AssignedPeriod() (Period, bool) {
	switch l {
	case LockAssignedMorning:
		return PeriodMorning, true
	case LockAssignedT1:
		return PeriodT1, true
	case LockAssignedT2:
		return PeriodT2, true
	case LockAssignedT3:
		return PeriodT3, true
	}
	return "", false
}

// VisibleLabel is the label a slot holding l shows. Locks that carry no
// visible state (empty, released) fall back to the period's initial label.
func (l Lock) VisibleLabel(p Period) string {
	if l == LockGuideUnavailable {
		return LabelUnavailable
	}
	if ap, ok := l.AssignedPeriod(); ok {
		return ap.AssignedLabel()
	}
	return p.InitialLabel()
}

// MasterLabel is the value the Master cell must hold for l. Free slots
// are blank in the Master grid.
func (l Lock) MasterLabel() string {
	if l == LockGuideUnavailable {
		return LabelUnavailable
	}
	if ap, ok := l.AssignedPeriod(); ok {
		return ap.AssignedLabel()
	}
	return ""
}
