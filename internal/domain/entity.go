// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"time"
)

// NoPID is the sentinel PID for records observed without a process id,
// e.g. login sessions reported by a device-presence scanner.
const NoPID = -1

// ProcessKey is the identity of an observed process lifetime.
// Two records with the same key are the same process.
type ProcessKey struct {
	Host      string
	PID       int
	StartUnix int64
}

// ProcessRecord is a single observed process lifetime on a host.
// Records are append-only: created on a START boundary, mutated to set
// EndTime on an END boundary, never deleted.
type ProcessRecord struct {
	Host        string
	PID         int
	Username    string
	ScannerID   string
	ProcessName string // empty for device-presence records
	StartTime   time.Time
	EndTime     time.Time // zero while the process is still running
	Downtime    time.Duration
	Percent     int // 0..100, fraction of wall clock counted as active
}

// Key returns the record's identity key.
func (r *ProcessRecord) Key() ProcessKey {
	return ProcessKey{Host: r.Host, PID: r.PID, StartUnix: r.StartTime.Unix()}
}

// Open reports whether the process has not ended yet.
func (r *ProcessRecord) Open() bool {
	return r.EndTime.IsZero()
}

// HostStat summarizes one host's contribution to an activity.
type HostStat struct {
	Percent int // max percent observed from this host
	Count   int // number of contributing process records
}

// Activity is a merged, possibly multi-host usage interval. Concurrent
// logins on several hosts count as one session capped at 100 percent.
type Activity struct {
	StartTime time.Time
	EndTime   time.Time // zero while the activity is still open
	Downtime  time.Duration
	HostStats map[string]HostStat
}

// AddHost folds a record's host contribution into the activity.
func (a *Activity) AddHost(host string, percent int) {
	if a.HostStats == nil {
		a.HostStats = make(map[string]HostStat)
	}
	st := a.HostStats[host]
	if percent > st.Percent {
		st.Percent = percent
	}
	st.Count++
	a.HostStats[host] = st
}

// MaxPercent returns the maximum percent across contributing hosts,
// capped at 100. An activity with no host contributions counts fully.
func (a *Activity) MaxPercent() int {
	max := 0
	for _, st := range a.HostStats {
		if st.Percent > max {
			max = st.Percent
		}
	}
	if max == 0 {
		return 100
	}
	if max > 100 {
		return 100
	}
	return max
}

// Duration returns the counted duration of the activity. For an open
// activity the reference time stands in for the end.
func (a *Activity) Duration(ref time.Time) time.Duration {
	end := a.EndTime
	if end.IsZero() {
		end = ref
	}
	wall := end.Sub(a.StartTime)
	if wall < 0 {
		return 0
	}
	d := time.Duration(float64(wall)*float64(a.MaxPercent())/100.0) - a.Downtime
	if d < 0 {
		return 0
	}
	return d
}

// DayStatistics is one lookback-day bucket of closed activities.
type DayStatistics struct {
	Activities []Activity
	MinTime    time.Time
	MaxTime    time.Time
	HostStats  map[string]HostStat
}

// Add files a closed activity into the bucket.
func (d *DayStatistics) Add(a Activity) {
	d.Activities = append(d.Activities, a)
	if d.MinTime.IsZero() || a.StartTime.Before(d.MinTime) {
		d.MinTime = a.StartTime
	}
	if a.EndTime.After(d.MaxTime) {
		d.MaxTime = a.EndTime
	}
	if d.HostStats == nil {
		d.HostStats = make(map[string]HostStat)
	}
	for host, st := range a.HostStats {
		cur := d.HostStats[host]
		if st.Percent > cur.Percent {
			cur.Percent = st.Percent
		}
		cur.Count += st.Count
		d.HostStats[host] = cur
	}
}

// Duration sums the counted duration of all activities in the bucket.
func (d *DayStatistics) Duration(ref time.Time) time.Duration {
	var sum time.Duration
	for i := range d.Activities {
		sum += d.Activities[i].Duration(ref)
	}
	return sum
}

// Downtime sums the accumulated downtime of all activities in the bucket.
func (d *DayStatistics) Downtime() time.Duration {
	var sum time.Duration
	for i := range d.Activities {
		sum += d.Activities[i].Downtime
	}
	return sum
}

// OpenProcess identifies a currently running process as a kill candidate.
type OpenProcess struct {
	ScannerID string
	PID       int
	StartTime time.Time
}

// UserActivityState is the derived per-user, per-context view over the
// process history. It is rebuilt from scratch every evaluation cycle and
// never mutated incrementally across ticks.
type UserActivityState struct {
	Username  string
	ContextID string
	// Days is the rolling lookback window; index 0 is the reference day,
	// index i the day i days back. Grown on demand when older activity
	// shows up.
	Days []*DayStatistics
	// Current is the still-open activity, nil if the user is inactive.
	Current *Activity
	// Previous is the most recently closed activity, used for break checks.
	Previous *Activity
	// OpenProcesses maps host to the processes still running there.
	OpenProcesses map[string][]OpenProcess
}

// Day returns the bucket for the given lookback index, or nil.
func (s *UserActivityState) Day(index int) *DayStatistics {
	if index < 0 || index >= len(s.Days) || s.Days[index] == nil {
		return nil
	}
	return s.Days[index]
}

// TodayDuration returns the counted duration for the reference day,
// including the still-open activity.
func (s *UserActivityState) TodayDuration(ref time.Time) time.Duration {
	if d := s.Day(0); d != nil {
		return d.Duration(ref)
	}
	return 0
}

// ActiveAnywhere reports whether any host still has an open process.
func (s *UserActivityState) ActiveAnywhere() bool {
	for _, procs := range s.OpenProcesses {
		if len(procs) > 0 {
			return true
		}
	}
	return false
}

// RuleSetConfig is one prioritized, context-scoped set of limits for a
// user. Nil limit fields mean "no restriction". A MaxPerDay of exactly
// zero means the day is fully blocked, which is distinct from nil.
type RuleSetConfig struct {
	Username       string
	ContextID      string // empty selects the default predicate
	ContextDetail  string
	Priority       int
	MinTimeOfDay   *DayTime
	MaxTimeOfDay   *DayTime
	MaxPerDay      *time.Duration
	MaxDuration    *time.Duration
	MinBreak       *time.Duration
	OptionalPerDay *time.Duration
	FreePlay       bool
}

// RuleOverride is an administrator-entered per-user, per-day exception.
// Non-nil fields win over the matching rule set fields.
type RuleOverride struct {
	Username       string
	Date           Date
	MinTimeOfDay   *DayTime
	MaxTimeOfDay   *DayTime
	MaxPerDay      *time.Duration
	MaxDuration    *time.Duration
	MinBreak       *time.Duration
	OptionalPerDay *time.Duration
	FreePlay       *bool
}

// Apply merges the override onto a rule set field-by-field and returns
// the effective rule set. The receiver and base are left untouched.
func (o *RuleOverride) Apply(base RuleSetConfig) RuleSetConfig {
	eff := base
	if o == nil {
		return eff
	}
	if o.MinTimeOfDay != nil {
		eff.MinTimeOfDay = o.MinTimeOfDay
	}
	if o.MaxTimeOfDay != nil {
		eff.MaxTimeOfDay = o.MaxTimeOfDay
	}
	if o.MaxPerDay != nil {
		eff.MaxPerDay = o.MaxPerDay
	}
	if o.MaxDuration != nil {
		eff.MaxDuration = o.MaxDuration
	}
	if o.MinBreak != nil {
		eff.MinBreak = o.MinBreak
	}
	if o.OptionalPerDay != nil {
		eff.OptionalPerDay = o.OptionalPerDay
	}
	if o.FreePlay != nil {
		eff.FreePlay = *o.FreePlay
	}
	return eff
}

// TimeExtension is a temporary, time-boxed widening of the allowed
// session window.
type TimeExtension struct {
	Username  string
	GrantedAt time.Time
	StartTime time.Time
	EndTime   time.Time
	Delta     time.Duration
}

// ActiveAt reports whether the extension covers the reference time.
// The interval is half-open: [StartTime, EndTime).
func (e *TimeExtension) ActiveAt(ref time.Time) bool {
	if e == nil {
		return false
	}
	return !ref.Before(e.StartTime) && ref.Before(e.EndTime)
}

// ClientStats is the lightweight self-report a slave attaches to each
// push so the master can track client health.
type ClientStats struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	CPUs      int       `json:"cpus"`
}

// UserStatus is the externally visible state of a monitored user,
// recomputed by the master every tick.
type UserStatus struct {
	Username              string `json:"username"`
	ActivityAllowed       bool   `json:"activity_allowed"`
	LoggedIn              bool   `json:"logged_in"`
	MonitoringActive      bool   `json:"monitoring_active"`
	Locale                string `json:"locale"`
	MinutesLeftInSession  int    `json:"minutes_left_in_session"`
	OptionalTimeAvailable int    `json:"optional_time_available"`
}
