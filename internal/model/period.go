package model

import "fmt"

// Period is a schedulable segment of a day: the morning or one of the
// three mutually exclusive afternoon variants.
type Period string

const (
	PeriodMorning Period = "MANANA"
	PeriodT1      Period = "T1"
	PeriodT2      Period = "T2"
	PeriodT3      Period = "T3"
)

// Periods lists every period in display order.
var Periods = []Period{PeriodMorning, PeriodT1, PeriodT2, PeriodT3}

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodMorning, PeriodT1, PeriodT2, PeriodT3:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

func (p Period) IsAfternoon() bool {
	return p == PeriodT1 || p == PeriodT2 || p == PeriodT3
}

// InitialLabel is the label a free slot shows in the Guide grid.
func (p Period) InitialLabel() string {
	if p == PeriodMorning {
		return LabelMorning
	}
	return LabelAfternoon
}

func (p Period) AssignedLabel() string {
	switch p {
	case PeriodMorning:
		return LabelAssignedMorning
	case PeriodT1:
		return LabelAssignedT1
	case PeriodT2:
		return LabelAssignedT2
	case PeriodT3:
		return LabelAssignedT3
	}
	return ""
}

func (p Period) AssignDirective() string {
	switch p {
	case PeriodMorning:
		return DirectiveAssignMorning
	case PeriodT1:
		return DirectiveAssignT1
	case PeriodT2:
		return DirectiveAssignT2
	case PeriodT3:
		return DirectiveAssignT3
	}
	return ""
}

// AssignedLock is the lock a Master assignment of p persists.
func (p Period) AssignedLock() Lock {
	switch p {
	case PeriodMorning:
		return LockAssignedMorning
	case PeriodT1:
		return LockAssignedT1
	case PeriodT2:
		return LockAssignedT2
	case PeriodT3:
		return LockAssignedT3
	}
	return LockEmpty
}

// order is used to sort shifts within a day.
func (p Period) order() int {
	for i, q := range Periods {
		if q == p {
			return i
		}
	}
	return len(Periods)
}

// ClassifyAfternoon picks the afternoon sub-period named by the first label
// that identifies one (ASIGNAR Tn, ASIGNADO Tn or a lock marker). When none
// does, it returns T1 and ok=false.
func ClassifyAfternoon(labels ...string) (Period, bool) {
	for _, l := range labels {
		switch l {
		case DirectiveAssignT1, LabelAssignedT1, string(LockAssignedT1):
			return PeriodT1, true
		case DirectiveAssignT2, LabelAssignedT2, string(LockAssignedT2):
			return PeriodT2, true
		case DirectiveAssignT3, LabelAssignedT3, string(LockAssignedT3):
			return PeriodT3, true
		}
	}
	return PeriodT1, false
}
