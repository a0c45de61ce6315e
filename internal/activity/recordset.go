// Package activity reconstructs per-user usage statistics from the
// observed process history.
package activity

import (
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// RecordSet is the in-memory process history, keyed by process identity.
// Applying the same boundary event twice converges to the same state, so
// at-least-once delivery from slaves is safe.
type RecordSet struct {
	records map[domain.ProcessKey]*domain.ProcessRecord
	logger  *zap.Logger
}

// NewRecordSet creates an empty record set.
func NewRecordSet(logger *zap.Logger) *RecordSet {
	return &RecordSet{
		records: make(map[domain.ProcessKey]*domain.ProcessRecord),
		logger:  logger,
	}
}

// Load seeds the set from persisted records.
func (s *RecordSet) Load(recs []*domain.ProcessRecord) {
	for _, rec := range recs {
		s.records[rec.Key()] = rec
	}
}

// All returns every record currently held.
func (s *RecordSet) All() []*domain.ProcessRecord {
	out := make([]*domain.ProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records held.
func (s *RecordSet) Len() int {
	return len(s.records)
}

// Get returns the record with the given identity, or nil.
func (s *RecordSet) Get(key domain.ProcessKey) *domain.ProcessRecord {
	return s.records[key]
}

// ApplyStart registers a process start. A replayed start for a known
// process resets its end time instead of creating a second record.
func (s *RecordSet) ApplyStart(ev domain.AdminEvent) *domain.ProcessRecord {
	key := ev.Key()
	if rec, ok := s.records[key]; ok {
		if !rec.EndTime.IsZero() {
			s.logger.Debug("process start replayed, reopening record",
				zap.String("host", ev.Host),
				zap.Int("pid", ev.PID))
			rec.EndTime = time.Time{}
		}
		return rec
	}
	percent := ev.Percent
	if percent <= 0 || percent > 100 {
		percent = 100
	}
	rec := &domain.ProcessRecord{
		Host:        ev.Host,
		PID:         ev.PID,
		Username:    ev.Username,
		ScannerID:   ev.ScannerID,
		ProcessName: ev.ProcessName,
		StartTime:   ev.ProcessStart,
		Downtime:    time.Duration(ev.Downtime) * time.Second,
		Percent:     percent,
	}
	s.records[key] = rec
	return rec
}

// ApplyEnd closes the record the event refers to. An end for an unknown
// process is tolerated: the record is created closed so history stays
// complete even when the start was lost.
func (s *RecordSet) ApplyEnd(ev domain.AdminEvent) *domain.ProcessRecord {
	rec, ok := s.records[ev.Key()]
	if !ok {
		s.logger.Warn("process end without matching start",
			zap.String("host", ev.Host),
			zap.Int("pid", ev.PID),
			zap.Time("process_start", ev.ProcessStart))
		rec = s.ApplyStart(ev)
	}
	if ev.EventTime.Before(rec.StartTime) {
		s.logger.Warn("process end before start ignored",
			zap.String("host", ev.Host),
			zap.Int("pid", ev.PID))
		return rec
	}
	rec.EndTime = ev.EventTime
	return rec
}

// ApplyDowntime adds observed downtime to an open record.
func (s *RecordSet) ApplyDowntime(ev domain.AdminEvent) *domain.ProcessRecord {
	rec, ok := s.records[ev.Key()]
	if !ok {
		s.logger.Warn("downtime for unknown process dropped",
			zap.String("host", ev.Host),
			zap.Int("pid", ev.PID))
		return nil
	}
	rec.Downtime += time.Duration(ev.Downtime) * time.Second
	return rec
}

// OpenRecords returns the still-open records, optionally limited to one
// host ("" means all hosts).
func (s *RecordSet) OpenRecords(host string) []*domain.ProcessRecord {
	var out []*domain.ProcessRecord
	for _, rec := range s.records {
		if !rec.Open() {
			continue
		}
		if host != "" && rec.Host != host {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Prune drops closed records older than maxAge. Open records are always
// retained regardless of age.
func (s *RecordSet) Prune(ref time.Time, maxAge time.Duration) int {
	cutoff := ref.Add(-maxAge)
	dropped := 0
	for key, rec := range s.records {
		if rec.Open() {
			continue
		}
		if rec.EndTime.Before(cutoff) {
			delete(s.records, key)
			dropped++
		}
	}
	return dropped
}
