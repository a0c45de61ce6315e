package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/activity"
	"github.com/hourkeeper/hourkeeper/internal/config"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/policy"
)

// Request-time-extension failure modes, mapped to HTTP statuses at the
// API boundary.
var (
	ErrUnknownUser   = errors.New("unknown or unmonitored user")
	ErrBadAccessCode = errors.New("invalid access code")
	ErrOverBudget    = errors.New("requested extension exceeds available optional time")
)

// Master aggregates activity from all hosts, evaluates policy each tick
// and issues corrective actions. It is also a monitored host itself.
type Master struct {
	cfg           *config.Config
	bus           *eventbus.Bus
	store         domain.Store
	records       *activity.RecordSet
	reconstructor *activity.Reconstructor
	evaluator     *policy.Evaluator
	scanners      []domain.Scanner
	procScanner   *infra.ProcessScanner
	notifier      domain.Notifier
	logger        *zap.Logger

	ruleSets     map[string][]*domain.RuleSetConfig
	contextSpecs map[string][]activity.ContextSpec

	// statuses is read by the HTTP status endpoint while the tick loop
	// rewrites it.
	mu         gosync.Mutex
	statuses   map[string]domain.UserStatus
	extensions []*domain.TimeExtension

	lastPrune time.Time
}

// NewMaster wires the master orchestrator.
func NewMaster(
	cfg *config.Config,
	bus *eventbus.Bus,
	store domain.Store,
	records *activity.RecordSet,
	reconstructor *activity.Reconstructor,
	evaluator *policy.Evaluator,
	scanners []domain.Scanner,
	procScanner *infra.ProcessScanner,
	notifier domain.Notifier,
	logger *zap.Logger,
) *Master {
	m := &Master{
		cfg:           cfg,
		bus:           bus,
		store:         store,
		records:       records,
		reconstructor: reconstructor,
		evaluator:     evaluator,
		scanners:      scanners,
		procScanner:   procScanner,
		notifier:      notifier,
		logger:        logger,
		ruleSets:      cfg.RuleSets(),
		contextSpecs:  cfg.ContextSpecs(),
		statuses:      make(map[string]domain.UserStatus),
	}
	m.registerHandlers()
	return m
}

func (m *Master) registerHandlers() {
	registerLocalHandlers(m.bus, m.scanners, m.procScanner, m.cfg.KillGrace(), m.notifier, m.logger)

	m.bus.RegisterHandler(domain.EventProcessStart, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		rec := m.records.ApplyStart(ev)
		return nil, m.store.UpsertProcessRecord(ctx, rec)
	})
	m.bus.RegisterHandler(domain.EventProcessEnd, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		rec := m.records.ApplyEnd(ev)
		return nil, m.store.UpsertProcessRecord(ctx, rec)
	})
	m.bus.RegisterHandler(domain.EventProcessDowntime, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		rec := m.records.ApplyDowntime(ev)
		if rec == nil {
			return nil, nil
		}
		return nil, m.store.UpsertProcessRecord(ctx, rec)
	})
	m.bus.RegisterHandler(domain.EventProhibitedProcess, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		m.logger.Warn("prohibited process reported, killing",
			zap.String("username", ev.Username),
			zap.String("process", ev.ProcessName),
			zap.String("host", ev.Host))
		return []domain.AdminEvent{{
			Type:         domain.EventKillProcess,
			Host:         ev.Host,
			Username:     ev.Username,
			PID:          ev.PID,
			ScannerID:    ev.ScannerID,
			ProcessName:  ev.ProcessName,
			EventTime:    time.Now(),
			ProcessStart: ev.ProcessStart,
		}}, nil
	})
	m.bus.RegisterHandler(domain.EventStartClient, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		m.logger.Info("client started", zap.String("host", ev.Host), zap.String("version", ev.Payload))
		return nil, nil
	})
	m.bus.RegisterHandler(domain.EventStopClient, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		m.logger.Info("client stopped", zap.String("host", ev.Host))
		return nil, nil
	})
	m.bus.RegisterHandler(domain.EventStartMaster, func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error) {
		m.logger.Info("master started", zap.String("host", ev.Host))
		return nil, nil
	})
}

// Run executes the tick loop until the context is canceled.
func (m *Master) Run(ctx context.Context) error {
	records, err := m.store.LoadProcessRecords(ctx, m.cfg.HistoryRetention())
	if err != nil {
		return fmt.Errorf("load process history: %w", err)
	}
	m.records.Load(records)

	extensions, err := m.store.LoadTimeExtensions(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("load time extensions: %w", err)
	}
	m.mu.Lock()
	m.extensions = extensions
	m.mu.Unlock()

	m.logger.Info("master daemon started",
		zap.String("hostname", m.cfg.Node.Hostname),
		zap.Int("records", m.records.Len()),
		zap.Int("users", len(m.cfg.Users)))
	m.bus.Queue(domain.AdminEvent{
		Type:      domain.EventStartMaster,
		Host:      m.cfg.Node.Hostname,
		EventTime: time.Now(),
	})

	m.Tick(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("master daemon stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		case <-m.bus.Wake():
			// A delayed event (a hard-kill escalation) became due.
			m.bus.ProcessQueue(ctx)
		}
	}
}

// Tick runs one full evaluation cycle. Run calls it on every interval;
// it is safe to invoke directly for an immediate re-evaluation.
func (m *Master) Tick(ctx context.Context) {
	now := time.Now()

	scanAll(ctx, m.bus, m.scanners, now, m.logger)
	m.bus.ProcessQueue(ctx)

	overrides := m.loadOverrides(ctx, now)
	states := m.reconstructor.Reconstruct(m.records.All(), m.contextSpecs, now)

	statuses := make(map[string]domain.UserStatus, len(m.cfg.Users))
	for _, user := range m.cfg.Users {
		statuses[user.Username] = m.evaluateUser(ctx, user, states, overrides, now)
	}
	m.mu.Lock()
	m.statuses = statuses
	m.mu.Unlock()

	m.bus.ProcessQueue(ctx)
	m.maybePrune(ctx, now)
}

// evaluateUser recomputes one user's status and issues kill events plus
// one consolidated notification when activity is denied.
func (m *Master) evaluateUser(
	ctx context.Context,
	user config.UserConfig,
	states map[activity.StateKey]*domain.UserActivityState,
	overrides map[string]*domain.RuleOverride,
	now time.Time,
) domain.UserStatus {
	ruleSets := m.ruleSets[user.Username]
	active := m.evaluator.SelectActiveRuleSet(ruleSets, now)

	status := domain.UserStatus{
		Username:         user.Username,
		ActivityAllowed:  true,
		MonitoringActive: active != nil,
		Locale:           user.Locale,
	}

	var state *domain.UserActivityState
	if active != nil {
		state = states[activity.StateKey{Username: user.Username, ContextID: active.ContextID}]
	}
	if state == nil {
		state = &domain.UserActivityState{Username: user.Username}
	}
	status.LoggedIn = state.ActiveAnywhere()

	if active == nil {
		return status
	}

	override := overrides[user.Username]
	extension := m.activeExtension(user.Username, now)
	result := m.evaluator.Evaluate(ruleSets, state, extension, override, now)

	status.ActivityAllowed = result.Allowed()
	if result.MinutesLeftSession >= 0 {
		status.MinutesLeftInSession = result.MinutesLeftSession
	}
	status.OptionalTimeAvailable = int(m.optionalTimeAvailable(ctx, user.Username, active, override, now).Minutes())

	if !result.Allowed() && status.LoggedIn {
		m.denyUser(user.Username, state, result, now)
	} else if result.ApproachingLogout && status.LoggedIn {
		if err := m.notifier.Notify(ctx, user.Username, result.Reasons); err != nil {
			m.logger.Warn("logout warning notification failed",
				zap.String("username", user.Username),
				zap.Error(err))
		}
	}
	return status
}

// denyUser emits kill events for every open process of the user on
// every host, then exactly one consolidated notification.
func (m *Master) denyUser(username string, state *domain.UserActivityState, result *domain.EvalResult, now time.Time) {
	killed := 0
	for host, procs := range state.OpenProcesses {
		for _, proc := range procs {
			m.bus.Queue(domain.AdminEvent{
				Type:         domain.EventKillProcess,
				Host:         host,
				Username:     username,
				PID:          proc.PID,
				ScannerID:    proc.ScannerID,
				EventTime:    now,
				ProcessStart: proc.StartTime,
				Delay:        killDelaySeconds,
			})
			killed++
		}
	}

	reasons, err := json.Marshal(result.Reasons)
	if err != nil {
		m.logger.Error("marshal denial reasons", zap.Error(err))
		reasons = []byte("[]")
	}
	for host := range state.OpenProcesses {
		m.bus.Queue(domain.AdminEvent{
			Type:      domain.EventLoginNotPermitted,
			Host:      host,
			Username:  username,
			EventTime: now,
			Payload:   string(reasons),
		})
	}
	m.logger.Info("activity denied",
		zap.String("username", username),
		zap.Int("kill_candidates", killed))
}

// loadOverrides fetches today-or-later overrides and keeps only today's
// per user.
func (m *Master) loadOverrides(ctx context.Context, now time.Time) map[string]*domain.RuleOverride {
	today := domain.DateOf(now)
	loaded, err := m.store.LoadOverrides(ctx, today)
	if err != nil {
		m.logger.Warn("load overrides failed, continuing without", zap.Error(err))
		return nil
	}
	out := make(map[string]*domain.RuleOverride)
	for _, ov := range loaded {
		if ov.Date == today {
			out[ov.Username] = ov
		}
	}
	return out
}

// activeExtension returns a copy of the user's active extension, so the
// evaluator never reads a struct a concurrent grant may prolong.
func (m *Master) activeExtension(username string, now time.Time) *domain.TimeExtension {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ext := range m.extensions {
		if ext.Username == username && ext.ActiveAt(now) {
			cp := *ext
			return &cp
		}
	}
	return nil
}

// optionalTimeAvailable computes the remaining optional-time budget for
// today under the effective rule set.
func (m *Master) optionalTimeAvailable(
	ctx context.Context,
	username string,
	active *domain.RuleSetConfig,
	override *domain.RuleOverride,
	now time.Time,
) time.Duration {
	eff := override.Apply(*active)
	if eff.OptionalPerDay == nil || *eff.OptionalPerDay == 0 {
		return 0
	}
	used, err := m.store.OptionalTimeUsed(ctx, username, domain.DateOf(now))
	if err != nil {
		m.logger.Warn("load optional time usage failed",
			zap.String("username", username),
			zap.Error(err))
		return 0
	}
	remain := *eff.OptionalPerDay - used
	if remain < 0 {
		return 0
	}
	return remain
}

// StatusFor returns the latest computed status of a user.
func (m *Master) StatusFor(username string) (domain.UserStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[username]
	return status, ok
}

// RequestTimeExtension validates the per-user access code and the
// requested minutes against the optional-time budget, then grants and
// persists an extension. An already active extension is prolonged.
func (m *Master) RequestTimeExtension(ctx context.Context, username, accessCode string, minutes int) error {
	user := m.cfg.User(username)
	if user == nil {
		return ErrUnknownUser
	}
	if user.AccessCode != accessCode {
		return ErrBadAccessCode
	}

	now := time.Now()
	ruleSets := m.ruleSets[username]
	active := m.evaluator.SelectActiveRuleSet(ruleSets, now)
	if active == nil {
		return ErrUnknownUser
	}
	override := m.loadOverrides(ctx, now)[username]
	budget := m.optionalTimeAvailable(ctx, username, active, override, now)
	delta := time.Duration(minutes) * time.Minute
	if delta > budget {
		return ErrOverBudget
	}

	m.mu.Lock()
	var current *domain.TimeExtension
	for _, ext := range m.extensions {
		if ext.Username == username && ext.ActiveAt(now) {
			current = ext
			break
		}
	}
	var granted domain.TimeExtension
	if current != nil {
		current.EndTime = current.EndTime.Add(delta)
		current.Delta += delta
		granted = *current
	} else {
		ext := &domain.TimeExtension{
			Username:  username,
			GrantedAt: now,
			StartTime: now,
			EndTime:   now.Add(delta),
			Delta:     delta,
		}
		m.extensions = append(m.extensions, ext)
		granted = *ext
	}
	m.mu.Unlock()

	if err := m.store.SaveTimeExtension(ctx, &granted); err != nil {
		return fmt.Errorf("persist time extension: %w", err)
	}
	if err := m.store.AddOptionalTimeUsed(ctx, username, domain.DateOf(now), delta); err != nil {
		return fmt.Errorf("persist optional time usage: %w", err)
	}
	m.logger.Info("time extension granted",
		zap.String("username", username),
		zap.Int("minutes", minutes))
	return nil
}

// ConfigPushEvents builds the update-config and update-login-mapping
// events for a host on first contact.
func (m *Master) ConfigPushEvents(host string) []domain.AdminEvent {
	payload := ConfigPushPayload{}
	mapping := LoginMappingPayload{Mapping: make(map[string]string)}
	for _, user := range m.cfg.Users {
		payload.Users = append(payload.Users, UserPatternConfig{
			Username:          user.Username,
			ProcessPattern:    user.ProcessPattern,
			ProhibitedPattern: user.ProhibitedPattern,
		})
		mapping.Mapping[user.Username] = user.Username
	}
	configBody, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("marshal config push", zap.Error(err))
		return nil
	}
	mappingBody, err := json.Marshal(mapping)
	if err != nil {
		m.logger.Error("marshal login mapping push", zap.Error(err))
		return nil
	}
	now := time.Now()
	return []domain.AdminEvent{
		{Type: domain.EventUpdateConfig, Host: host, EventTime: now, Payload: string(configBody)},
		{Type: domain.EventUpdateLoginMapping, Host: host, EventTime: now, Payload: string(mappingBody)},
	}
}

// maybePrune runs the retention job at most once per hour.
func (m *Master) maybePrune(ctx context.Context, now time.Time) {
	if now.Sub(m.lastPrune) < time.Hour {
		return
	}
	m.lastPrune = now
	dropped := m.records.Prune(now, m.cfg.HistoryRetention())
	if err := m.store.PruneHistory(ctx, m.cfg.HistoryRetention()); err != nil {
		m.logger.Warn("history prune failed", zap.Error(err))
	}
	if dropped > 0 {
		m.logger.Info("history pruned", zap.Int("records_dropped", dropped))
	}
}
