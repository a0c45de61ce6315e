// Package infra implements infrastructure concerns: process scanning and
// termination, login-session observation, notification delivery.
package infra

import (
	"context"
	"regexp"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// UserPatterns holds the compiled process-name patterns for one
// monitored user. Prohibited may be nil.
type UserPatterns struct {
	Pattern    *regexp.Regexp
	Prohibited *regexp.Regexp
}

type trackedProcess struct {
	username    string
	processName string
	startTime   time.Time
}

// ProcessScanner observes processes of the monitored users via gopsutil
// and emits start/end boundary events. It also terminates processes with
// a soft-then-hard escalation.
type ProcessScanner struct {
	hostname string
	users    map[string]UserPatterns
	known    map[domain.ProcessKey]trackedProcess
	logger   *zap.Logger
}

// NewProcessScanner creates a scanner for the given monitored users.
func NewProcessScanner(hostname string, users map[string]UserPatterns, logger *zap.Logger) *ProcessScanner {
	return &ProcessScanner{
		hostname: hostname,
		users:    users,
		known:    make(map[domain.ProcessKey]trackedProcess),
		logger:   logger,
	}
}

// ID identifies the scanner in records and events.
func (s *ProcessScanner) ID() string { return "process" }

// UpdateUsers replaces the monitored user set, e.g. after the master
// pushes a fresh configuration.
func (s *ProcessScanner) UpdateUsers(users map[string]UserPatterns) {
	s.users = users
}

// CanKill reports that this scanner can terminate processes.
func (s *ProcessScanner) CanKill() bool { return true }

// Scan diffs the current process table against the previous call and
// returns the boundary events in between. A process matching the
// prohibited pattern additionally raises a prohibited-process event on
// first sighting.
func (s *ProcessScanner) Scan(ctx context.Context, ref time.Time) ([]domain.AdminEvent, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var events []domain.AdminEvent
	seen := make(map[domain.ProcessKey]bool)

	for _, p := range procs {
		username, err := p.UsernameWithContext(ctx)
		if err != nil {
			continue // process may have exited
		}
		patterns, monitored := s.users[username]
		if !monitored {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		matches := patterns.Pattern != nil && patterns.Pattern.MatchString(name)
		prohibited := patterns.Prohibited != nil && patterns.Prohibited.MatchString(name)
		if !matches && !prohibited {
			continue
		}

		startTime := ref
		if createMs, err := p.CreateTimeWithContext(ctx); err == nil {
			startTime = time.UnixMilli(createMs)
		}
		key := domain.ProcessKey{Host: s.hostname, PID: int(p.Pid), StartUnix: startTime.Unix()}
		seen[key] = true
		if _, ok := s.known[key]; ok {
			continue
		}
		s.known[key] = trackedProcess{username: username, processName: name, startTime: startTime}

		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessStart,
			Host:         s.hostname,
			Username:     username,
			PID:          int(p.Pid),
			ScannerID:    s.ID(),
			ProcessName:  name,
			EventTime:    ref,
			ProcessStart: startTime,
			Percent:      100,
		})
		if prohibited {
			s.logger.Info("prohibited process observed",
				zap.String("username", username),
				zap.String("process", name),
				zap.Int32("pid", p.Pid))
			events = append(events, domain.AdminEvent{
				Type:         domain.EventProhibitedProcess,
				Host:         s.hostname,
				Username:     username,
				PID:          int(p.Pid),
				ScannerID:    s.ID(),
				ProcessName:  name,
				EventTime:    ref,
				ProcessStart: startTime,
			})
		}
	}

	for key, tracked := range s.known {
		if seen[key] {
			continue
		}
		delete(s.known, key)
		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessEnd,
			Host:         s.hostname,
			Username:     tracked.username,
			PID:          key.PID,
			ScannerID:    s.ID(),
			ProcessName:  tracked.processName,
			EventTime:    ref,
			ProcessStart: tracked.startTime,
		})
	}

	return events, nil
}

// OpenEvents re-emits start events for every process the scanner still
// believes is open. Used to reconcile the master after a communication
// outage.
func (s *ProcessScanner) OpenEvents(ref time.Time) []domain.AdminEvent {
	var events []domain.AdminEvent
	for key, tracked := range s.known {
		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessStart,
			Host:         s.hostname,
			Username:     tracked.username,
			PID:          key.PID,
			ScannerID:    s.ID(),
			ProcessName:  tracked.processName,
			EventTime:    ref,
			ProcessStart: tracked.startTime,
			Percent:      100,
		})
	}
	return events
}

// CloseAllEvents synthesizes end events for every open process and
// forgets them. Used when prolonged communication loss makes "assume
// logged out" the safe interpretation.
func (s *ProcessScanner) CloseAllEvents(ref time.Time) []domain.AdminEvent {
	var events []domain.AdminEvent
	for key, tracked := range s.known {
		delete(s.known, key)
		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessEnd,
			Host:         s.hostname,
			Username:     tracked.username,
			PID:          key.PID,
			ScannerID:    s.ID(),
			ProcessName:  tracked.processName,
			EventTime:    ref,
			ProcessStart: tracked.startTime,
		})
	}
	return events
}

// KillProcess sends a soft termination, waits up to grace, then
// escalates to SIGKILL if the process is still alive.
func (s *ProcessScanner) KillProcess(ctx context.Context, pid int, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Already gone; treat as success.
		return nil
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		s.logger.Debug("soft termination failed, escalating",
			zap.Int("pid", pid),
			zap.Error(err))
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return nil
	}
	s.logger.Info("process survived grace period, sending hard kill", zap.Int("pid", pid))
	return p.KillWithContext(ctx)
}

// Ensure ProcessScanner implements domain.Scanner.
var _ domain.Scanner = (*ProcessScanner)(nil)
