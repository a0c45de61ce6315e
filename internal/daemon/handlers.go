// Package daemon implements the master and slave tick loops.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
)

// killDelaySeconds is the pause between the denial notification and the
// kill event so the user sees the reason before the process goes away.
const killDelaySeconds = 5

// ConfigPushPayload is the configuration snapshot the master pushes to a
// host on first contact, carried in an update-config event.
type ConfigPushPayload struct {
	Users []UserPatternConfig `json:"users"`
}

// UserPatternConfig is one user's scanner setup.
type UserPatternConfig struct {
	Username          string `json:"username"`
	ProcessPattern    string `json:"process_pattern,omitempty"`
	ProhibitedPattern string `json:"prohibited_pattern,omitempty"`
}

// LoginMappingPayload maps login names to monitored usernames, carried
// in an update-login-mapping event.
type LoginMappingPayload struct {
	Mapping map[string]string `json:"mapping"`
}

// registerLocalHandlers binds the action events every node executes on
// its own host: process kills, permission notices, config pushes.
func registerLocalHandlers(
	bus *eventbus.Bus,
	scanners []domain.Scanner,
	procScanner *infra.ProcessScanner,
	killGrace time.Duration,
	notifier domain.Notifier,
	logger *zap.Logger,
) {
	bus.RegisterHandler(domain.EventKillProcess, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		scanner := scannerByID(scanners, ev.ScannerID)
		if scanner == nil || !scanner.CanKill() {
			return nil, fmt.Errorf("no scanner can kill pid %d (scanner %q)", ev.PID, ev.ScannerID)
		}
		// KillProcess blocks up to the grace period; keep the tick free.
		go func() {
			if err := scanner.KillProcess(context.Background(), ev.PID, killGrace); err != nil {
				logger.Warn("kill failed",
					zap.Int("pid", ev.PID),
					zap.String("username", ev.Username),
					zap.Error(err))
			} else {
				logger.Info("process terminated",
					zap.Int("pid", ev.PID),
					zap.String("username", ev.Username))
			}
		}()
		return nil, nil
	})

	bus.RegisterHandler(domain.EventLoginNotPermitted, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		if notifier == nil {
			return nil, nil
		}
		var reasons []domain.Reason
		if ev.Payload != "" {
			if err := json.Unmarshal([]byte(ev.Payload), &reasons); err != nil {
				logger.Warn("malformed reasons payload", zap.Error(err))
			}
		}
		return nil, notifier.Notify(ctx, ev.Username, reasons)
	})

	bus.RegisterHandler(domain.EventLoginPermitted, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		logger.Debug("login permitted", zap.String("username", ev.Username))
		return nil, nil
	})

	bus.RegisterHandler(domain.EventUpdateConfig, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		if procScanner == nil {
			return nil, nil
		}
		var payload ConfigPushPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			return nil, fmt.Errorf("malformed config push: %w", err)
		}
		users := make(map[string]infra.UserPatterns, len(payload.Users))
		for _, u := range payload.Users {
			var patterns infra.UserPatterns
			var err error
			if u.ProcessPattern != "" {
				if patterns.Pattern, err = regexp.Compile(u.ProcessPattern); err != nil {
					return nil, fmt.Errorf("config push pattern for %q: %w", u.Username, err)
				}
			}
			if u.ProhibitedPattern != "" {
				if patterns.Prohibited, err = regexp.Compile(u.ProhibitedPattern); err != nil {
					return nil, fmt.Errorf("config push prohibited pattern for %q: %w", u.Username, err)
				}
			}
			users[u.Username] = patterns
		}
		procScanner.UpdateUsers(users)
		logger.Info("scanner configuration updated from master",
			zap.Int("users", len(users)))
		return nil, nil
	})

	bus.RegisterHandler(domain.EventUpdateLoginMapping, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		var payload LoginMappingPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			return nil, fmt.Errorf("malformed login mapping: %w", err)
		}
		logger.Info("login mapping updated", zap.Int("entries", len(payload.Mapping)))
		return nil, nil
	})
}

func scannerByID(scanners []domain.Scanner, id string) domain.Scanner {
	for _, s := range scanners {
		if s.ID() == id {
			return s
		}
	}
	// Fall back to any scanner able to kill.
	for _, s := range scanners {
		if s.CanKill() {
			return s
		}
	}
	return nil
}

// scanAll feeds fresh boundary events from every scanner into the bus.
func scanAll(ctx context.Context, bus *eventbus.Bus, scanners []domain.Scanner, ref time.Time, logger *zap.Logger) {
	for _, scanner := range scanners {
		events, err := scanner.Scan(ctx, ref)
		if err != nil {
			logger.Warn("scanner failed",
				zap.String("scanner", scanner.ID()),
				zap.Error(err))
			continue
		}
		bus.QueueAll(events)
	}
}
