package resolve

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidesync/internal/model"
)

var (
	day       = model.Date{Year: 2025, Month: time.November, Day: 12}
	nineAM    = time.Date(2025, time.November, 10, 9, 0, 0, 0, time.UTC)
	tenAM     = time.Date(2025, time.November, 10, 10, 0, 0, 0, time.UTC)
	masterAt  = model.Location{Page: "11_2025", Row: 13, Col: 1}
	guideAt   = model.Location{Page: "11_2025", Row: 4, Col: 2}
	allLocks  = []model.Lock{model.LockEmpty, model.LockGuideUnavailable, model.LockAssignedMorning, model.LockAssignedT1, model.LockAssignedT2, model.LockAssignedT3, model.LockReleasedByGuide, model.LockReleasedByMaster}
	allMaster = []string{"", model.LabelRelease, model.LabelUnavailable, model.LabelAssignedMorning, model.LabelAssignedT2, model.DirectiveAssignMorning, model.DirectiveAssignT1, model.DirectiveAssignT2, model.DirectiveAssignT3, model.LabelAfternoon}
	allGuide  = []string{"", model.LabelMorning, model.LabelAfternoon, model.LabelUnavailable, model.LabelRelease, model.LabelAssignedT1, model.LabelAssignedMorning}
)

func slot(period model.Period) model.ShiftState {
	return model.ShiftState{
		Date:            day,
		Period:          period,
		MasterTimestamp: tenAM,
		MasterAt:        masterAt,
		GuideAt:         guideAt,
		GuideLabel:      period.InitialLabel(),
	}
}

func TestScenarioA_GuideMarksUnavailable(t *testing.T) {
	s := slot(model.PeriodMorning)
	s.GuideLabel = model.LabelUnavailable

	got := Resolve(s)

	assert.Equal(t, model.LabelUnavailable, got.FinalLabel)
	assert.Equal(t, model.LockGuideUnavailable, got.FinalLock)
	assert.True(t, got.NeedsMasterWrite)
	assert.True(t, got.NeedsGuideWrite)
	assert.False(t, got.NeedsNotify)
}

func TestScenarioB_MasterAssignsEmptySlot(t *testing.T) {
	s := slot(model.PeriodT1)
	s.MasterLabel = model.DirectiveAssignT1

	got := Resolve(s)

	assert.Equal(t, model.LabelAssignedT1, got.FinalLabel)
	assert.Equal(t, model.LockAssignedT1, got.FinalLock)
	assert.True(t, got.NeedsMasterWrite)
	assert.True(t, got.NeedsGuideWrite)
	assert.True(t, got.NeedsNotify)
}

func TestScenarioC_EarlierGuideUnavailabilityWins(t *testing.T) {
	s := slot(model.PeriodMorning)
	s.GuideLabel = model.LabelUnavailable
	s.GuideLock = model.LockGuideUnavailable
	s.GuideTimestamp = nineAM
	s.MasterTimestamp = tenAM
	s.MasterLabel = model.DirectiveAssignMorning

	got := Resolve(s)

	assert.Equal(t, model.LabelUnavailable, got.FinalLabel)
	assert.Equal(t, model.LockGuideUnavailable, got.FinalLock)
	assert.True(t, got.NeedsMasterWrite)
	assert.False(t, got.NeedsGuideWrite)
	assert.False(t, got.NeedsNotify)
}

func TestScenarioD_MasterReleasesAssignment(t *testing.T) {
	s := slot(model.PeriodT2)
	s.GuideLabel = model.LabelAssignedT2
	s.GuideLock = model.LockAssignedT2
	s.MasterLabel = model.LabelRelease

	got := Resolve(s)

	assert.Equal(t, model.LabelAfternoon, got.FinalLabel)
	assert.Equal(t, model.LockReleasedByMaster, got.FinalLock)
	assert.True(t, got.NeedsMasterWrite)
	assert.True(t, got.NeedsGuideWrite)
	assert.True(t, got.NeedsReleaseNotice)
	assert.False(t, got.NeedsNotify)
}

func TestFirstWins(t *testing.T) {
	tests := []struct {
		name       string
		master     time.Time
		guide      time.Time
		wantMaster bool
	}{
		{"master earlier", nineAM, tenAM, true},
		{"guide earlier", tenAM, nineAM, false},
		{"equal favors master", tenAM, tenAM, true},
		{"guide timestamp missing", tenAM, time.Time{}, true},
		{"master timestamp missing", time.Time{}, nineAM, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := slot(model.PeriodT3)
			s.GuideLabel = model.LabelUnavailable
			s.GuideLock = model.LockGuideUnavailable
			s.MasterLabel = model.DirectiveAssignT3
			s.MasterTimestamp = tt.master
			s.GuideTimestamp = tt.guide

			got := Resolve(s)

			if tt.wantMaster {
				assert.Equal(t, model.LockAssignedT3, got.FinalLock)
				assert.Equal(t, model.LabelAssignedT3, got.FinalLabel)
				assert.True(t, got.NeedsGuideWrite)
				assert.True(t, got.NeedsNotify)
			} else {
				assert.Equal(t, model.LockGuideUnavailable, got.FinalLock)
				assert.Equal(t, model.LabelUnavailable, got.FinalLabel)
				assert.False(t, got.NeedsNotify)
			}
			assert.True(t, got.NeedsMasterWrite)
		})
	}
}

func TestGuideCannotOverrideMasterAssignment(t *testing.T) {
	for _, label := range []string{model.LabelUnavailable, model.LabelRelease} {
		t.Run(label, func(t *testing.T) {
			s := slot(model.PeriodT2)
			s.GuideLock = model.LockAssignedT2
			s.GuideLabel = label
			s.MasterLabel = model.LabelAssignedT2

			got := Resolve(s)

			assert.Equal(t, model.LockAssignedT2, got.FinalLock)
			assert.Equal(t, model.LabelAssignedT2, got.FinalLabel)
			assert.True(t, got.NeedsGuideWrite)
			assert.False(t, got.NeedsMasterWrite)
			assert.False(t, got.NeedsNotify)
		})
	}
}

func TestMasterCannotReleaseGuideUnavailability(t *testing.T) {
	s := slot(model.PeriodMorning)
	s.GuideLock = model.LockGuideUnavailable
	s.GuideLabel = model.LabelUnavailable
	s.MasterLabel = model.LabelRelease

	got := Resolve(s)

	assert.Equal(t, model.LockGuideUnavailable, got.FinalLock)
	assert.Equal(t, model.LabelUnavailable, got.FinalLabel)
	assert.True(t, got.NeedsMasterWrite)
	assert.False(t, got.NeedsGuideWrite)
}

func TestGuideReleasesUnavailability(t *testing.T) {
	s := slot(model.PeriodT1)
	s.GuideLock = model.LockGuideUnavailable
	s.GuideLabel = model.LabelRelease
	s.MasterLabel = model.LabelUnavailable

	got := Resolve(s)

	assert.Equal(t, model.LabelAfternoon, got.FinalLabel)
	assert.Equal(t, model.LockReleasedByGuide, got.FinalLock)
	assert.True(t, got.NeedsMasterWrite)
	assert.True(t, got.NeedsGuideWrite)
}

func TestReassignmentNotifies(t *testing.T) {
	s := slot(model.PeriodT2)
	s.GuideLock = model.LockAssignedT1
	s.GuideLabel = model.LabelAssignedT1
	s.MasterLabel = model.DirectiveAssignT2

	got := Resolve(s)

	assert.Equal(t, model.LockAssignedT2, got.FinalLock)
	assert.True(t, got.NeedsNotify)
}

func TestAssignDirectiveMatchingLockIsNormalizedOnly(t *testing.T) {
	s := slot(model.PeriodT1)
	s.GuideLock = model.LockAssignedT1
	s.GuideLabel = model.LabelAssignedT1
	s.MasterLabel = model.DirectiveAssignT1

	got := Resolve(s)

	assert.Equal(t, model.LabelAssignedT1, got.FinalLabel)
	assert.True(t, got.NeedsMasterWrite)
	assert.False(t, got.NeedsGuideWrite)
	assert.False(t, got.NeedsNotify)
}

func TestStableWithoutLockShowsInitialLabel(t *testing.T) {
	s := slot(model.PeriodMorning)
	got := Resolve(s)

	assert.Equal(t, model.LabelMorning, got.FinalLabel)
	assert.Equal(t, model.LockEmpty, got.FinalLock)
	assert.False(t, got.Dirty())
}

func TestMissingGuideCellIsNotNormalized(t *testing.T) {
	s := slot(model.PeriodT1)
	s.GuideAt = model.Location{}
	s.GuideLabel = ""

	got := Resolve(s)
	assert.False(t, got.NeedsGuideWrite)
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	s := slot(model.PeriodT1)
	s.MasterLabel = model.DirectiveAssignT1
	before := s

	first := Resolve(s)
	second := Resolve(s)

	assert.Empty(t, cmp.Diff(before, s))
	assert.Empty(t, cmp.Diff(first, second))
}

func TestResolveAll(t *testing.T) {
	a := slot(model.PeriodMorning)
	a.GuideLabel = model.LabelUnavailable
	b := slot(model.PeriodT1)
	b.MasterLabel = model.DirectiveAssignT1

	states := []*model.ShiftState{&a, &b}
	ResolveAll(states)

	assert.Equal(t, model.LockGuideUnavailable, a.FinalLock)
	assert.Equal(t, model.LockAssignedT1, b.FinalLock)
}

// every enumerates a broad grid of observed inputs.
func every(t *testing.T, fn func(t *testing.T, s model.ShiftState)) {
	t.Helper()
	stamps := [][2]time.Time{{nineAM, tenAM}, {tenAM, nineAM}, {tenAM, time.Time{}}}
	for _, p := range model.Periods {
		for _, lock := range allLocks {
			for _, ml := range allMaster {
				for _, gl := range allGuide {
					for _, ts := range stamps {
						s := slot(p)
						s.GuideLock = lock
						s.MasterLabel = ml
						s.GuideLabel = gl
						s.MasterTimestamp = ts[0]
						s.GuideTimestamp = ts[1]
						fn(t, s)
					}
				}
			}
		}
	}
}

func TestPropertyIdempotence(t *testing.T) {
	every(t, func(t *testing.T, s model.ShiftState) {
		first := Resolve(s)

		for _, masterView := range []string{first.FinalLock.MasterLabel(), first.FinalLabel} {
			next := first
			next.MasterLabel = masterView
			next.GuideLabel = first.FinalLabel
			next.GuideLock = first.FinalLock

			second := Resolve(next)

			msg := fmt.Sprintf("input %+v", s)
			require.Equal(t, first.FinalLabel, second.FinalLabel, msg)
			require.Equal(t, first.FinalLock, second.FinalLock, msg)
			require.False(t, second.NeedsMasterWrite, msg)
			require.False(t, second.NeedsGuideWrite, msg)
			require.False(t, second.NeedsNotify, msg)
			require.False(t, second.NeedsReleaseNotice, msg)
		}
	})
}

func TestPropertyExclusivity(t *testing.T) {
	every(t, func(t *testing.T, s model.ShiftState) {
		got := Resolve(s)
		if got.FinalLock == model.LockGuideUnavailable {
			require.Equal(t, model.LabelUnavailable, got.FinalLabel)
			require.False(t, got.NeedsNotify)
		}
		if got.FinalLock.IsMasterAssigned() {
			require.True(t, model.IsAssignedLabel(got.FinalLabel), "input %+v", s)
		}
	})
}

func TestPropertyNoAuthorityOverride(t *testing.T) {
	for _, ml := range []string{"", model.LabelAssignedT2, model.LabelAfternoon, model.LabelUnavailable} {
		s := slot(model.PeriodT2)
		s.GuideLock = model.LockAssignedT2
		s.GuideLabel = model.LabelRelease
		s.MasterLabel = ml

		got := Resolve(s)
		assert.Equal(t, model.LockAssignedT2, got.FinalLock, "master label %q", ml)
	}
}

func TestPropertyDeterminism(t *testing.T) {
	every(t, func(t *testing.T, s model.ShiftState) {
		require.Empty(t, cmp.Diff(Resolve(s), Resolve(s)))
	})
}
