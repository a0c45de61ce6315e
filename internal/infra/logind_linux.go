//go:build linux

package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

const (
	logindService = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	logindManager = "org.freedesktop.login1.Manager"
	logindSession = "org.freedesktop.login1.Session"
)

type trackedSession struct {
	username  string
	leaderPID int
	startTime time.Time
}

// LogindScanner observes login sessions via systemd-logind on the system
// D-Bus. Its events carry no process name, so they count toward every
// rule context (device-presence semantics).
type LogindScanner struct {
	hostname string
	users    map[string]bool
	conn     *dbus.Conn
	known    map[string]trackedSession // session id -> session
	logger   *zap.Logger
}

// NewLogindScanner connects to the system bus and tracks sessions of the
// given users.
func NewLogindScanner(hostname string, usernames []string, logger *zap.Logger) (*LogindScanner, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	users := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		users[u] = true
	}
	return &LogindScanner{
		hostname: hostname,
		users:    users,
		conn:     conn,
		known:    make(map[string]trackedSession),
		logger:   logger,
	}, nil
}

// NewSessionScanner returns the platform login-session scanner.
func NewSessionScanner(hostname string, usernames []string, logger *zap.Logger) (domain.Scanner, error) {
	return NewLogindScanner(hostname, usernames, logger)
}

// ID identifies the scanner in records and events.
func (s *LogindScanner) ID() string { return "logind" }

// CanKill reports that session termination is not handled here; the
// process scanner owns killing.
func (s *LogindScanner) CanKill() bool { return false }

// KillProcess is unsupported.
func (s *LogindScanner) KillProcess(context.Context, int, time.Duration) error {
	return fmt.Errorf("logind scanner cannot kill processes")
}

// Scan diffs the active logind sessions against the previous call and
// returns login/logout boundary events.
func (s *LogindScanner) Scan(ctx context.Context, ref time.Time) ([]domain.AdminEvent, error) {
	type sessionEntry struct {
		ID       string
		UID      uint32
		Username string
		Seat     string
		Path     dbus.ObjectPath
	}
	var sessions []sessionEntry
	obj := s.conn.Object(logindService, dbus.ObjectPath(logindPath))
	if err := obj.CallWithContext(ctx, logindManager+".ListSessions", 0).Store(&sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var events []domain.AdminEvent
	seen := make(map[string]bool)

	for _, entry := range sessions {
		if !s.users[entry.Username] {
			continue
		}
		seen[entry.ID] = true
		if _, ok := s.known[entry.ID]; ok {
			continue
		}

		leader := domain.NoPID
		sessionObj := s.conn.Object(logindService, entry.Path)
		if v, err := sessionObj.GetProperty(logindSession + ".Leader"); err == nil {
			if pid, ok := v.Value().(uint32); ok {
				leader = int(pid)
			}
		}
		tracked := trackedSession{username: entry.Username, leaderPID: leader, startTime: ref}
		s.known[entry.ID] = tracked

		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessStart,
			Host:         s.hostname,
			Username:     entry.Username,
			PID:          leader,
			ScannerID:    s.ID(),
			EventTime:    ref,
			ProcessStart: tracked.startTime,
			Percent:      100,
		})
	}

	for id, tracked := range s.known {
		if seen[id] {
			continue
		}
		delete(s.known, id)
		events = append(events, domain.AdminEvent{
			Type:         domain.EventProcessEnd,
			Host:         s.hostname,
			Username:     tracked.username,
			PID:          tracked.leaderPID,
			ScannerID:    s.ID(),
			EventTime:    ref,
			ProcessStart: tracked.startTime,
		})
	}

	return events, nil
}

// Close releases the bus connection.
func (s *LogindScanner) Close() error { return s.conn.Close() }

// Ensure LogindScanner implements domain.Scanner.
var _ domain.Scanner = (*LogindScanner)(nil)
