// Package resolve merges the Master and Guide views of one slot into a
// single authoritative outcome.
//
// Resolve is a pure function: it takes a ShiftState by value, never touches
// shared state and always returns the same result for the same input.
// Directives are evaluated in a fixed priority order:
//
//  1. Guide marks NO DISPONIBLE.
//  2. Master issues ASIGNAR <period>.
//  3. Master issues LIBERAR.
//  4. Guide issues LIBERAR.
//  5. No directive: propagate the held lock.
//
// Applying Resolve to its own outcome (both sides showing the final label
// and lock) produces no write flags.
package resolve

import (
	"time"

	"guidesync/internal/model"
)

// Resolve computes FinalLabel, FinalLock and the side-effect flags for s.
func Resolve(s model.ShiftState) model.ShiftState {
	s = clearOutcome(s)
	assignPeriod, masterAssigns := model.ParseAssignDirective(s.MasterLabel)

	switch {
	case s.GuideLabel == model.LabelUnavailable &&
		!(s.GuideLock == model.LockGuideUnavailable && masterAssigns):
		// A held G-ND facing an ASIGNAR is a real conflict and goes to
		// First-Wins arbitration below.
		return guideUnavailable(s)
	case masterAssigns:
		return masterAssign(s, assignPeriod.AssignedLock())
	case s.MasterLabel == model.LabelRelease:
		return masterRelease(s)
	case s.GuideLabel == model.LabelRelease:
		return guideRelease(s)
	default:
		return hold(s, s.GuideLock)
	}
}

// ResolveAll resolves every state in place.
func ResolveAll(states []*model.ShiftState) {
	for _, st := range states {
		*st = Resolve(*st)
	}
}

func clearOutcome(s model.ShiftState) model.ShiftState {
	s.FinalLabel = ""
	s.FinalLock = model.LockEmpty
	s.NeedsMasterWrite = false
	s.NeedsGuideWrite = false
	s.NeedsNotify = false
	s.NeedsReleaseNotice = false
	return s
}

func guideUnavailable(s model.ShiftState) model.ShiftState {
	if s.GuideLock.IsMasterAssigned() {
		// Rejected: the Guide cannot override a Master assignment.
		s = hold(s, s.GuideLock)
		s.NeedsGuideWrite = true
		return s
	}

	s.FinalLabel = model.LabelUnavailable
	s.FinalLock = model.LockGuideUnavailable
	s.NeedsMasterWrite = s.MasterLabel != model.LabelUnavailable
	s.NeedsGuideWrite = s.GuideLock != model.LockGuideUnavailable
	return s
}

func masterAssign(s model.ShiftState, lock model.Lock) model.ShiftState {
	switch {
	case s.GuideLock == lock:
		// Already assigned. Only the directive text is normalized.
		return hold(s, lock)

	case s.GuideLock == model.LockGuideUnavailable:
		if MasterWins(s.MasterTimestamp, s.GuideTimestamp) {
			return grant(s, lock)
		}
		s.FinalLabel = model.LabelUnavailable
		s.FinalLock = model.LockGuideUnavailable
		s.NeedsMasterWrite = true
		s.NeedsGuideWrite = guideDisagrees(s)
		return s

	default:
		return grant(s, lock)
	}
}

func masterRelease(s model.ShiftState) model.ShiftState {
	switch {
	case s.GuideLock.IsMasterAssigned():
		s.FinalLabel = s.Period.InitialLabel()
		s.FinalLock = model.LockReleasedByMaster
		s.NeedsMasterWrite = true
		s.NeedsGuideWrite = true
		s.NeedsReleaseNotice = true
		return s

	case s.GuideLock == model.LockGuideUnavailable:
		// The Master cannot release a Guide-held unavailability.
		s.FinalLabel = model.LabelUnavailable
		s.FinalLock = model.LockGuideUnavailable
		s.NeedsMasterWrite = true
		s.NeedsGuideWrite = guideDisagrees(s)
		return s

	default:
		// Already free; the LIBERAR text is cleared from the Master.
		return hold(s, s.GuideLock)
	}
}

func guideRelease(s model.ShiftState) model.ShiftState {
	switch {
	case s.GuideLock == model.LockGuideUnavailable:
		s.FinalLabel = s.Period.InitialLabel()
		s.FinalLock = model.LockReleasedByGuide
		s.NeedsMasterWrite = true
		s.NeedsGuideWrite = true
		return s

	case s.GuideLock.IsMasterAssigned():
		// The Guide cannot release a Master-held assignment.
		s = hold(s, s.GuideLock)
		s.NeedsGuideWrite = true
		return s

	default:
		s.FinalLabel = s.Period.InitialLabel()
		s.FinalLock = model.LockEmpty
		s.NeedsMasterWrite = !masterAgrees(s.MasterLabel, model.LockEmpty, s.Period)
		s.NeedsGuideWrite = true
		return s
	}
}

// grant applies a new or changed Master assignment to both sides.
func grant(s model.ShiftState, lock model.Lock) model.ShiftState {
	s.FinalLock = lock
	s.FinalLabel = lock.VisibleLabel(s.Period)
	s.NeedsMasterWrite = true
	s.NeedsGuideWrite = true
	s.NeedsNotify = true
	return s
}

// hold keeps lock and flags whichever side does not yet show it.
func hold(s model.ShiftState, lock model.Lock) model.ShiftState {
	s.FinalLock = lock
	s.FinalLabel = lock.VisibleLabel(s.Period)
	s.NeedsMasterWrite = !masterAgrees(s.MasterLabel, lock, s.Period)
	s.NeedsGuideWrite = guideDisagrees(s)
	return s
}

// masterAgrees reports whether a Master cell showing label already reflects
// lock. A free slot may be blank or show its initial label.
func masterAgrees(label string, lock model.Lock, p model.Period) bool {
	want := lock.MasterLabel()
	if label == want {
		return true
	}
	return want == "" && label == p.InitialLabel()
}

// guideDisagrees is only true when the Guide grid actually has a cell for
// the slot and that cell differs from the outcome.
func guideDisagrees(s model.ShiftState) bool {
	if !s.GuideAt.Valid() {
		return false
	}
	return s.GuideLabel != s.FinalLabel || s.GuideLock != s.FinalLock
}

// MasterWins arbitrates an ASIGNAR against a held NO DISPONIBLE: the
// earlier action wins and equal timestamps favor the Master. A Guide side
// without a recorded timestamp loses by default; a missing Master
// timestamp keeps the Guide's unavailability.
func MasterWins(master, guide time.Time) bool {
	switch {
	case guide.IsZero():
		return true
	case master.IsZero():
		return false
	default:
		return !guide.Before(master)
	}
}
