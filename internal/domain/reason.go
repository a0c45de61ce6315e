package domain

import "time"

// ReasonKind tags one rule outcome attached to an evaluation result.
// Denying kinds block activity; informational kinds only carry messages.
type ReasonKind string

const (
	ReasonFreePlay        ReasonKind = "free-play"
	ReasonTooEarly        ReasonKind = "too-early"
	ReasonTooLate         ReasonKind = "too-late"
	ReasonDayBlocked      ReasonKind = "day-blocked"
	ReasonDailyQuota      ReasonKind = "daily-quota"
	ReasonSessionCap      ReasonKind = "session-cap"
	ReasonMinBreak        ReasonKind = "min-break"
	ReasonTimeExtension   ReasonKind = "time-extension"
	ReasonTimeLeftToday   ReasonKind = "time-left-today"
	ReasonTimeLeftSession ReasonKind = "time-left-session"
)

// Denies reports whether a reason of this kind blocks activity.
func (k ReasonKind) Denies() bool {
	switch k {
	case ReasonTooEarly, ReasonTooLate, ReasonDayBlocked,
		ReasonDailyQuota, ReasonSessionCap, ReasonMinBreak:
		return true
	}
	return false
}

// Template returns the English message template for the kind. Arguments
// are substituted by name; a localization layer may swap templates per
// locale without touching evaluation.
func (k ReasonKind) Template() string {
	switch k {
	case ReasonFreePlay:
		return "free play is active today, no limits apply"
	case ReasonTooEarly:
		return "it is too early, activity starts at {start}"
	case ReasonTooLate:
		return "it is too late, activity ends at {end}"
	case ReasonDayBlocked:
		return "activity is blocked for the whole day"
	case ReasonDailyQuota:
		return "the daily allowance of {quota} minutes is used up"
	case ReasonSessionCap:
		return "the maximum session length of {cap} minutes is reached"
	case ReasonMinBreak:
		return "a break is required, {minutes} more minutes to wait"
	case ReasonTimeExtension:
		return "a time extension is active until {until}"
	case ReasonTimeLeftToday:
		return "{minutes} minutes left today"
	case ReasonTimeLeftSession:
		return "{minutes} minutes left in this session"
	}
	return string(k)
}

// Reason is one tagged evaluation outcome with message substitutions.
type Reason struct {
	Kind ReasonKind
	Args map[string]string
}

// EvalResult is the output of one policy evaluation. It is ephemeral and
// recomputed every cycle. Minutes fields of -1 mean "unlimited".
type EvalResult struct {
	Reasons            []Reason
	MinutesLeftToday   int
	MinutesLeftSession int
	ApproachingLogout  bool
	SessionEnd         time.Time
	// BindingLimit names the tightest constraint driving SessionEnd, so
	// an approaching-logout warning cites the real cause.
	BindingLimit ReasonKind
}

// Allowed reports whether no denying reason is present.
func (r *EvalResult) Allowed() bool {
	for _, reason := range r.Reasons {
		if reason.Kind.Denies() {
			return false
		}
	}
	return true
}

// Has reports whether a reason of the given kind is present.
func (r *EvalResult) Has(kind ReasonKind) bool {
	for _, reason := range r.Reasons {
		if reason.Kind == kind {
			return true
		}
	}
	return false
}

// AddReason appends a tagged reason.
func (r *EvalResult) AddReason(kind ReasonKind, args map[string]string) {
	r.Reasons = append(r.Reasons, Reason{Kind: kind, Args: args})
}
