// Package policy evaluates the configured rule sets, overrides and time
// extensions into a single allow/deny decision with tagged reasons.
package policy

import (
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/rulecontext"
)

// Evaluator runs the ordered policy checks for one user and reference
// time. It holds no per-user state; everything it needs is passed in.
type Evaluator struct {
	contexts       *rulecontext.Registry
	warningMinutes int
	logger         *zap.Logger
}

// NewEvaluator creates an evaluator. warningMinutes is the threshold at
// or below which an approaching-logout warning is raised.
func NewEvaluator(contexts *rulecontext.Registry, warningMinutes int, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		contexts:       contexts,
		warningMinutes: warningMinutes,
		logger:         logger,
	}
}

// SelectActiveRuleSet returns the rule set with the strictly highest
// priority among those whose context is active on the reference date, or
// nil if none applies. Ties keep the first one found; configuration
// validation enforces unique priorities per user so ties cannot arise
// from a valid configuration.
func (e *Evaluator) SelectActiveRuleSet(ruleSets []*domain.RuleSetConfig, ref time.Time) *domain.RuleSetConfig {
	var best *domain.RuleSetConfig
	for _, rs := range ruleSets {
		pred, err := e.contexts.Lookup(rs.ContextID)
		if err != nil {
			e.logger.Error("rule set references unregistered context, skipped",
				zap.String("username", rs.Username),
				zap.String("context", rs.ContextID))
			continue
		}
		if !pred.IsActive(ref, rs.ContextDetail) {
			continue
		}
		if best == nil || rs.Priority > best.Priority {
			best = rs
		}
	}
	return best
}

// Evaluate resolves the active rule set, merges the override and the
// extension, and runs the checks in fixed order. A user with no active
// rule set is unrestricted.
func (e *Evaluator) Evaluate(
	ruleSets []*domain.RuleSetConfig,
	state *domain.UserActivityState,
	ext *domain.TimeExtension,
	override *domain.RuleOverride,
	ref time.Time,
) *domain.EvalResult {
	res := &domain.EvalResult{MinutesLeftToday: -1, MinutesLeftSession: -1}

	active := e.SelectActiveRuleSet(ruleSets, ref)
	if active == nil {
		return res
	}
	eff := override.Apply(*active)
	extActive := ext.ActiveAt(ref)

	denied := false
	if eff.FreePlay {
		res.AddReason(domain.ReasonFreePlay, nil)
	} else {
		denied = e.checkTimeOfDay(&eff, ext, extActive, ref, res)
		if !denied {
			denied = e.checkDailyQuota(&eff, state, ref, res)
		}
		if !denied {
			denied = e.checkSessionCap(&eff, state, ref, res)
		}
		if !denied && !extActive {
			denied = e.checkMinBreak(&eff, state, ref, res)
		}
	}

	e.informationalPass(ext, extActive, denied, ref, res)
	return res
}

// checkTimeOfDay denies outside the [min, max] window. An active time
// extension widens the implied end of the window.
func (e *Evaluator) checkTimeOfDay(
	eff *domain.RuleSetConfig,
	ext *domain.TimeExtension,
	extActive bool,
	ref time.Time,
	res *domain.EvalResult,
) bool {
	if eff.MinTimeOfDay != nil && ref.Before(eff.MinTimeOfDay.At(ref)) {
		res.AddReason(domain.ReasonTooEarly, map[string]string{"start": eff.MinTimeOfDay.String()})
		res.MinutesLeftSession = 0
		return true
	}
	if eff.MaxTimeOfDay == nil {
		return false
	}
	end := eff.MaxTimeOfDay.At(ref)
	if extActive && ext.EndTime.After(end) {
		end = ext.EndTime
	}
	if ref.After(end) {
		res.AddReason(domain.ReasonTooLate, map[string]string{"end": eff.MaxTimeOfDay.String()})
		res.MinutesLeftSession = 0
		return true
	}
	minutes := minutesLeft(end.Sub(ref))
	res.MinutesLeftToday = minutes
	res.MinutesLeftSession = minutes
	res.SessionEnd = end
	res.BindingLimit = domain.ReasonTooLate
	return false
}

// checkDailyQuota denies when today's accumulated activity reaches the
// per-day limit. A limit of exactly zero blocks the whole day with a
// distinct message.
func (e *Evaluator) checkDailyQuota(
	eff *domain.RuleSetConfig,
	state *domain.UserActivityState,
	ref time.Time,
	res *domain.EvalResult,
) bool {
	if eff.MaxPerDay == nil {
		return false
	}
	if *eff.MaxPerDay == 0 {
		res.AddReason(domain.ReasonDayBlocked, nil)
		res.MinutesLeftToday = 0
		res.MinutesLeftSession = 0
		return true
	}
	today := state.TodayDuration(ref)
	if today >= *eff.MaxPerDay {
		res.AddReason(domain.ReasonDailyQuota, map[string]string{
			"quota": strconv.Itoa(int(eff.MaxPerDay.Minutes())),
		})
		res.MinutesLeftToday = 0
		res.MinutesLeftSession = 0
		return true
	}
	remain := *eff.MaxPerDay - today
	minutes := minutesLeft(remain)
	if res.MinutesLeftToday < 0 || minutes < res.MinutesLeftToday {
		res.MinutesLeftToday = minutes
	}
	if res.MinutesLeftSession < 0 || minutes < res.MinutesLeftSession {
		res.MinutesLeftSession = minutes
		res.SessionEnd = ref.Add(remain)
		res.BindingLimit = domain.ReasonDailyQuota
	}
	return false
}

// checkSessionCap denies when the current open activity exceeds the
// continuous session limit.
func (e *Evaluator) checkSessionCap(
	eff *domain.RuleSetConfig,
	state *domain.UserActivityState,
	ref time.Time,
	res *domain.EvalResult,
) bool {
	if eff.MaxDuration == nil || state.Current == nil {
		return false
	}
	dur := state.Current.Duration(ref)
	if dur > *eff.MaxDuration {
		res.AddReason(domain.ReasonSessionCap, map[string]string{
			"cap": strconv.Itoa(int(eff.MaxDuration.Minutes())),
		})
		res.MinutesLeftSession = 0
		return true
	}
	remain := *eff.MaxDuration - dur
	minutes := minutesLeft(remain)
	if res.MinutesLeftSession < 0 || minutes < res.MinutesLeftSession {
		res.MinutesLeftSession = minutes
		res.SessionEnd = ref.Add(remain)
		res.BindingLimit = domain.ReasonSessionCap
	}
	return false
}

// checkMinBreak denies a new session until enough of a break has passed.
// The required break scales linearly with how much of the allowed
// session duration the previous session actually used.
func (e *Evaluator) checkMinBreak(
	eff *domain.RuleSetConfig,
	state *domain.UserActivityState,
	ref time.Time,
	res *domain.EvalResult,
) bool {
	if eff.MinBreak == nil || *eff.MinBreak == 0 || state.Previous == nil {
		return false
	}
	prev := state.Previous
	factor := 1.0
	if eff.MaxDuration != nil && *eff.MaxDuration > 0 {
		factor = prev.Duration(ref).Seconds() / eff.MaxDuration.Seconds()
		if factor > 1 {
			factor = 1
		}
	}
	required := time.Duration(factor * float64(*eff.MinBreak))
	elapsed := ref.Sub(prev.EndTime)
	if elapsed >= required {
		return false
	}
	remaining := int(math.Ceil((required - elapsed).Seconds() / 60))
	res.AddReason(domain.ReasonMinBreak, map[string]string{
		"minutes": strconv.Itoa(remaining),
	})
	res.MinutesLeftSession = 0
	return true
}

// informationalPass always runs last. It attaches remaining-time
// messages and raises the approaching-logout flag for the constraint
// that actually binds.
func (e *Evaluator) informationalPass(
	ext *domain.TimeExtension,
	extActive bool,
	denied bool,
	ref time.Time,
	res *domain.EvalResult,
) {
	if extActive {
		res.AddReason(domain.ReasonTimeExtension, map[string]string{
			"until": ext.EndTime.Format("15:04"),
		})
	}
	if denied {
		res.MinutesLeftSession = 0
		return
	}
	if res.MinutesLeftToday >= 0 {
		res.AddReason(domain.ReasonTimeLeftToday, map[string]string{
			"minutes": strconv.Itoa(res.MinutesLeftToday),
		})
	}
	if res.MinutesLeftSession >= 0 {
		res.AddReason(domain.ReasonTimeLeftSession, map[string]string{
			"minutes": strconv.Itoa(res.MinutesLeftSession),
		})
	}

	if extActive && res.MinutesLeftSession < 0 {
		// No hard session limit binds: the extension's own remaining
		// minutes drive the warning.
		minutes := minutesLeft(ext.EndTime.Sub(ref))
		if minutes <= e.warningMinutes {
			res.ApproachingLogout = true
			res.BindingLimit = domain.ReasonTimeExtension
			res.SessionEnd = ext.EndTime
		}
		return
	}
	if res.MinutesLeftSession >= 0 && res.MinutesLeftSession <= e.warningMinutes {
		res.ApproachingLogout = true
	}
}

// minutesLeft rounds a remaining duration to the nearest whole minute,
// never negative.
func minutesLeft(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 0 {
		return 0
	}
	return (secs + 30) / 60
}
