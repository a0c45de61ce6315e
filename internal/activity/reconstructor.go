package activity

import (
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// ContextSpec names one rule context a user's records are attributed to.
// A nil pattern matches every process name.
type ContextSpec struct {
	ID      string
	Pattern *regexp.Regexp
}

// Matches reports whether a record counts toward this context. Records
// without a process name (device-presence records) always match.
func (c ContextSpec) Matches(rec *domain.ProcessRecord) bool {
	if rec.ProcessName == "" || c.Pattern == nil {
		return true
	}
	return c.Pattern.MatchString(rec.ProcessName)
}

// StateKey addresses one reconstructed activity state.
type StateKey struct {
	Username  string
	ContextID string
}

// Reconstructor turns the full process history into per-user, per-context
// day statistics. It is stateless; every call derives a fresh view.
type Reconstructor struct {
	lookbackDays int
	minDuration  time.Duration
	logger       *zap.Logger
}

// NewReconstructor creates a reconstructor with the given lookback window
// and minimum activity duration filter.
func NewReconstructor(lookbackDays int, minDuration time.Duration, logger *zap.Logger) *Reconstructor {
	if lookbackDays < 0 {
		lookbackDays = 0
	}
	return &Reconstructor{
		lookbackDays: lookbackDays,
		minDuration:  minDuration,
		logger:       logger,
	}
}

type boundaryKind int

const (
	boundaryStart boundaryKind = iota
	boundaryEnd
)

type boundary struct {
	at        time.Time
	kind      boundaryKind
	rec       *domain.ProcessRecord
	synthetic bool
}

// sweepState is the per-(user, context) accumulator during the sweep.
type sweepState struct {
	open    int
	current *domain.Activity
	state   *domain.UserActivityState
}

// Reconstruct derives a UserActivityState for every configured (user,
// context) pair from the given records. Still-open records are closed by
// a synthetic boundary at max(ref, latest observed boundary) so ongoing
// sessions are represented.
func (r *Reconstructor) Reconstruct(
	records []*domain.ProcessRecord,
	contexts map[string][]ContextSpec,
	ref time.Time,
) map[StateKey]*domain.UserActivityState {
	refDate := domain.DateOf(ref)

	states := make(map[StateKey]*domain.UserActivityState)
	sweeps := make(map[StateKey]*sweepState)
	ensure := func(key StateKey) *sweepState {
		if sw, ok := sweeps[key]; ok {
			return sw
		}
		st := &domain.UserActivityState{
			Username:      key.Username,
			ContextID:     key.ContextID,
			Days:          make([]*domain.DayStatistics, r.lookbackDays+1),
			OpenProcesses: make(map[string][]domain.OpenProcess),
		}
		sw := &sweepState{state: st}
		states[key] = st
		sweeps[key] = sw
		return sw
	}
	for username, specs := range contexts {
		for _, spec := range specs {
			ensure(StateKey{Username: username, ContextID: spec.ID})
		}
	}

	// Synthetic ends land at the latest observed boundary or the
	// reference time, whichever is later.
	synthEnd := ref
	for _, rec := range records {
		if rec.StartTime.After(synthEnd) {
			synthEnd = rec.StartTime
		}
		if !rec.EndTime.IsZero() && rec.EndTime.After(synthEnd) {
			synthEnd = rec.EndTime
		}
	}

	boundaries := make([]boundary, 0, 2*len(records))
	for _, rec := range records {
		boundaries = append(boundaries, boundary{at: rec.StartTime, kind: boundaryStart, rec: rec})
		if rec.Open() {
			boundaries = append(boundaries, boundary{at: synthEnd, kind: boundaryEnd, rec: rec, synthetic: true})
		} else {
			boundaries = append(boundaries, boundary{at: rec.EndTime, kind: boundaryEnd, rec: rec})
		}
	}
	// Starts before ends at the same instant, so adjoining records merge
	// into one activity instead of splitting it.
	sort.SliceStable(boundaries, func(i, j int) bool {
		if !boundaries[i].at.Equal(boundaries[j].at) {
			return boundaries[i].at.Before(boundaries[j].at)
		}
		return boundaries[i].kind < boundaries[j].kind
	})

	for _, b := range boundaries {
		specs := contexts[b.rec.Username]
		for _, spec := range specs {
			if !spec.Matches(b.rec) {
				continue
			}
			sw := ensure(StateKey{Username: b.rec.Username, ContextID: spec.ID})
			switch b.kind {
			case boundaryStart:
				r.applyStart(sw, b)
			case boundaryEnd:
				r.applyEnd(sw, b, refDate)
			}
		}
	}

	for _, rec := range records {
		if !rec.Open() {
			continue
		}
		for _, spec := range contexts[rec.Username] {
			if !spec.Matches(rec) {
				continue
			}
			st := states[StateKey{Username: rec.Username, ContextID: spec.ID}]
			st.OpenProcesses[rec.Host] = append(st.OpenProcesses[rec.Host], domain.OpenProcess{
				ScannerID: rec.ScannerID,
				PID:       rec.PID,
				StartTime: rec.StartTime,
			})
		}
	}

	return states
}

func (r *Reconstructor) applyStart(sw *sweepState, b boundary) {
	if sw.current == nil {
		sw.current = &domain.Activity{StartTime: b.at}
	}
	sw.open++
	sw.current.AddHost(b.rec.Host, b.rec.Percent)
	sw.current.Downtime += b.rec.Downtime
}

func (r *Reconstructor) applyEnd(sw *sweepState, b boundary, refDate domain.Date) {
	sw.open--
	if sw.open < 0 {
		// Tolerated accounting anomaly, never fatal.
		r.logger.Error("active process count below zero, ignoring decrement",
			zap.String("username", b.rec.Username),
			zap.String("host", b.rec.Host))
		sw.open = 0
		return
	}
	if sw.open > 0 || sw.current == nil {
		return
	}

	act := sw.current
	sw.current = nil
	if b.synthetic {
		// The session is still running: leave the activity open and
		// expose it as the current one, but count it toward today.
		sw.state.Current = act
	} else {
		act.EndTime = b.at
		sw.state.Previous = act
	}
	if act.Duration(b.at) <= r.minDuration {
		return
	}
	r.fileActivity(sw.state, act, refDate)
}

// fileActivity puts a finished (or ongoing) activity into the day bucket
// selected by its start date. Buckets are grown on demand when activity
// started further back than originally provisioned.
func (r *Reconstructor) fileActivity(st *domain.UserActivityState, act *domain.Activity, refDate domain.Date) {
	index := domain.DaysBetween(domain.DateOf(act.StartTime), refDate)
	if index < 0 {
		r.logger.Warn("activity starts after reference date, not bucketed",
			zap.String("username", st.Username),
			zap.Time("start", act.StartTime))
		return
	}
	for index >= len(st.Days) {
		st.Days = append(st.Days, nil)
	}
	if st.Days[index] == nil {
		st.Days[index] = &domain.DayStatistics{}
	}
	st.Days[index].Add(*act)
}
