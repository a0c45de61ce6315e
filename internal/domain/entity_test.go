package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func durationPtr(d time.Duration) *time.Duration { return &d }

// TestActivityDuration verifies percent scaling and downtime subtraction
func TestActivityDuration(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	act := &Activity{
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}
	act.AddHost("desktop", 100)

	assert.Equal(t, time.Hour, act.Duration(start.Add(2*time.Hour)))

	act.Downtime = 10 * time.Minute
	assert.Equal(t, 50*time.Minute, act.Duration(start.Add(2*time.Hour)))
}

// TestActivityDuration_OpenUsesReference verifies that an open activity
// is measured against the reference time
func TestActivityDuration_OpenUsesReference(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	act := &Activity{StartTime: start}
	act.AddHost("desktop", 100)

	assert.Equal(t, 30*time.Minute, act.Duration(start.Add(30*time.Minute)))
}

// TestActivityDuration_NeverNegative verifies clamping when downtime
// exceeds the wall clock interval
func TestActivityDuration_NeverNegative(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	act := &Activity{
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Downtime:  time.Hour,
	}
	assert.Equal(t, time.Duration(0), act.Duration(start.Add(time.Hour)))
}

// TestActivityMaxPercent verifies the multi-host percent cap
func TestActivityMaxPercent(t *testing.T) {
	act := &Activity{}
	assert.Equal(t, 100, act.MaxPercent(), "no host contributions count fully")

	act.AddHost("desktop", 40)
	act.AddHost("laptop", 70)
	assert.Equal(t, 70, act.MaxPercent())

	act.AddHost("tablet", 150)
	assert.Equal(t, 100, act.MaxPercent(), "capped at 100 for concurrent logins")
}

// TestDayStatisticsAdd verifies bucket aggregation
func TestDayStatisticsAdd(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first := Activity{StartTime: start, EndTime: start.Add(time.Hour)}
	first.AddHost("desktop", 100)
	second := Activity{StartTime: start.Add(2 * time.Hour), EndTime: start.Add(3 * time.Hour)}
	second.AddHost("desktop", 100)

	var day DayStatistics
	day.Add(first)
	day.Add(second)

	assert.Equal(t, start, day.MinTime)
	assert.Equal(t, start.Add(3*time.Hour), day.MaxTime)
	assert.Equal(t, 2*time.Hour, day.Duration(start.Add(4*time.Hour)))
	assert.Equal(t, 2, day.HostStats["desktop"].Count)
}

// TestUserActivityStateTodayDuration verifies the day-zero accessor
func TestUserActivityStateTodayDuration(t *testing.T) {
	ref := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	state := &UserActivityState{Username: "kid"}
	assert.Equal(t, time.Duration(0), state.TodayDuration(ref))

	act := Activity{StartTime: ref.Add(-time.Hour), EndTime: ref.Add(-30 * time.Minute)}
	act.AddHost("desktop", 100)
	var day DayStatistics
	day.Add(act)
	state.Days = []*DayStatistics{&day}

	assert.Equal(t, 30*time.Minute, state.TodayDuration(ref))
}

// TestUserActivityStateActiveAnywhere verifies the open-process check
func TestUserActivityStateActiveAnywhere(t *testing.T) {
	state := &UserActivityState{
		OpenProcesses: map[string][]OpenProcess{"desktop": nil},
	}
	assert.False(t, state.ActiveAnywhere())

	state.OpenProcesses["desktop"] = []OpenProcess{{PID: 1234}}
	assert.True(t, state.ActiveAnywhere())
}

// TestRuleOverrideApply verifies field-by-field merging
func TestRuleOverrideApply(t *testing.T) {
	base := RuleSetConfig{
		Username:  "kid",
		Priority:  1,
		MaxPerDay: durationPtr(2 * time.Hour),
		MinBreak:  durationPtr(10 * time.Minute),
	}

	var nilOverride *RuleOverride
	assert.Equal(t, base, nilOverride.Apply(base), "nil override is a no-op")

	freePlay := true
	override := &RuleOverride{
		Username:  "kid",
		MaxPerDay: durationPtr(0),
		FreePlay:  &freePlay,
	}
	eff := override.Apply(base)

	assert.Equal(t, time.Duration(0), *eff.MaxPerDay, "override replaces the quota")
	assert.True(t, eff.FreePlay)
	assert.Equal(t, 10*time.Minute, *eff.MinBreak, "untouched fields keep the base value")
	require.NotNil(t, base.MaxPerDay)
	assert.Equal(t, 2*time.Hour, *base.MaxPerDay, "base is left unmodified")
}

// TestTimeExtensionActiveAt verifies the half-open interval
func TestTimeExtensionActiveAt(t *testing.T) {
	start := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	ext := &TimeExtension{StartTime: start, EndTime: start.Add(30 * time.Minute)}

	assert.False(t, ext.ActiveAt(start.Add(-time.Second)))
	assert.True(t, ext.ActiveAt(start))
	assert.True(t, ext.ActiveAt(start.Add(29*time.Minute)))
	assert.False(t, ext.ActiveAt(start.Add(30*time.Minute)), "end instant is excluded")

	var nilExt *TimeExtension
	assert.False(t, nilExt.ActiveAt(start))
}

// TestEvalResultAllowed verifies the denying/informational split
func TestEvalResultAllowed(t *testing.T) {
	res := &EvalResult{MinutesLeftToday: -1, MinutesLeftSession: -1}
	assert.True(t, res.Allowed())

	res.AddReason(ReasonTimeLeftToday, map[string]string{"minutes": "90"})
	assert.True(t, res.Allowed(), "informational reasons do not deny")

	res.AddReason(ReasonDailyQuota, map[string]string{"quota": "120"})
	assert.False(t, res.Allowed())
	assert.True(t, res.Has(ReasonDailyQuota))
	assert.False(t, res.Has(ReasonMinBreak))
}

// TestReasonKindTemplates verifies every kind renders a message template
func TestReasonKindTemplates(t *testing.T) {
	kinds := []ReasonKind{
		ReasonFreePlay, ReasonTooEarly, ReasonTooLate, ReasonDayBlocked,
		ReasonDailyQuota, ReasonSessionCap, ReasonMinBreak,
		ReasonTimeExtension, ReasonTimeLeftToday, ReasonTimeLeftSession,
	}
	for _, kind := range kinds {
		assert.NotEmpty(t, kind.Template(), string(kind))
	}
}
