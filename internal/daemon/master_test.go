package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/activity"
	"github.com/hourkeeper/hourkeeper/internal/config"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/policy"
	"github.com/hourkeeper/hourkeeper/internal/rulecontext"
)

// mockStore implements domain.Store for testing
type mockStore struct {
	records      []*domain.ProcessRecord
	upserted     []*domain.ProcessRecord
	overrides    []*domain.RuleOverride
	extensions   []*domain.TimeExtension
	optionalUsed map[string]time.Duration
	audited      []domain.AdminEvent
	pruned       int
}

func newMockStore() *mockStore {
	return &mockStore{optionalUsed: make(map[string]time.Duration)}
}

func (m *mockStore) LoadProcessRecords(ctx context.Context, maxAge time.Duration) ([]*domain.ProcessRecord, error) {
	return m.records, nil
}

func (m *mockStore) UpsertProcessRecord(ctx context.Context, rec *domain.ProcessRecord) error {
	m.upserted = append(m.upserted, rec)
	return nil
}

func (m *mockStore) LoadOverrides(ctx context.Context, from domain.Date) ([]*domain.RuleOverride, error) {
	return m.overrides, nil
}

func (m *mockStore) UpsertOverride(ctx context.Context, ov *domain.RuleOverride) error {
	m.overrides = append(m.overrides, ov)
	return nil
}

func (m *mockStore) SaveTimeExtension(ctx context.Context, ext *domain.TimeExtension) error {
	m.extensions = append(m.extensions, ext)
	return nil
}

func (m *mockStore) LoadTimeExtensions(ctx context.Context, ref time.Time) ([]*domain.TimeExtension, error) {
	return nil, nil
}

func (m *mockStore) OptionalTimeUsed(ctx context.Context, username string, day domain.Date) (time.Duration, error) {
	return m.optionalUsed[username], nil
}

func (m *mockStore) AddOptionalTimeUsed(ctx context.Context, username string, day domain.Date, delta time.Duration) error {
	m.optionalUsed[username] += delta
	return nil
}

func (m *mockStore) AppendAuditEvent(ctx context.Context, ev domain.AdminEvent) error {
	m.audited = append(m.audited, ev)
	return nil
}

func (m *mockStore) PruneHistory(ctx context.Context, maxAge time.Duration) error {
	m.pruned++
	return nil
}

func (m *mockStore) Close() error { return nil }

func testConfig(ruleSets ...config.RuleSetToml) *config.Config {
	return &config.Config{
		Node: config.NodeConfig{Hostname: "server"},
		Monitoring: config.MonitoringConfig{
			CheckInterval:       "5s",
			LookbackDays:        7,
			MinActivityDuration: "0s",
			KillGrace:           "10s",
			WarningMinutes:      5,
			HistoryRetention:    "720h",
		},
		Users: []config.UserConfig{{
			Username:   "kid",
			AccessCode: "1234",
			Locale:     "en",
			RuleSets:   ruleSets,
		}},
	}
}

func newTestMaster(t *testing.T, cfg *config.Config, store *mockStore) (*Master, *eventbus.Bus) {
	t.Helper()
	logger := zap.NewNop()
	registry := rulecontext.NewRegistry(rulecontext.AlwaysActive{}, rulecontext.WeekdayPlan{})
	bus := eventbus.New("server", true, store, logger)
	t.Cleanup(bus.Close)

	master := NewMaster(
		cfg,
		bus,
		store,
		activity.NewRecordSet(logger),
		activity.NewReconstructor(cfg.Monitoring.LookbackDays, cfg.MinActivityDuration(), logger),
		policy.NewEvaluator(registry, cfg.Monitoring.WarningMinutes, logger),
		nil,
		infra.NewProcessScanner("server", nil, logger),
		infra.NewLogNotifier(logger),
		logger,
	)
	return master, bus
}

// TestTick_AllowedUserStatus verifies a permissive cycle
func TestTick_AllowedUserStatus(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1, MaxTimePerDay: "2h"})
	master, _ := newTestMaster(t, cfg, newMockStore())

	master.Tick(context.Background())

	status, ok := master.StatusFor("kid")
	require.True(t, ok)
	assert.True(t, status.ActivityAllowed)
	assert.True(t, status.MonitoringActive)
	assert.False(t, status.LoggedIn)
	assert.Equal(t, 120, status.MinutesLeftInSession)
}

// TestTick_DeniedUserGetsKillAndNotification verifies the enforcement path
func TestTick_DeniedUserGetsKillAndNotification(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1, MaxTimePerDay: "0s"})
	store := newMockStore()
	master, bus := newTestMaster(t, cfg, store)

	// An open session on a slave host.
	start := time.Now().Add(-30 * time.Minute)
	master.records.ApplyStart(domain.AdminEvent{
		Type:         domain.EventProcessStart,
		Host:         "laptop",
		Username:     "kid",
		PID:          100,
		ScannerID:    "process",
		ProcessName:  "minecraft",
		EventTime:    start,
		ProcessStart: start,
		Percent:      100,
	})

	master.Tick(context.Background())

	status, ok := master.StatusFor("kid")
	require.True(t, ok)
	assert.False(t, status.ActivityAllowed)
	assert.True(t, status.LoggedIn)

	reply := bus.DrainOutgoingFor("laptop")
	var kills, denials int
	for _, ev := range reply {
		switch ev.Type {
		case domain.EventKillProcess:
			kills++
			assert.Equal(t, 100, ev.PID)
			assert.Positive(t, ev.Delay, "kills are delayed so the notification lands first")
		case domain.EventLoginNotPermitted:
			denials++
			var reasons []domain.Reason
			require.NoError(t, json.Unmarshal([]byte(ev.Payload), &reasons))
			require.NotEmpty(t, reasons)
			assert.Equal(t, domain.ReasonDayBlocked, reasons[0].Kind)
		}
	}
	assert.Equal(t, 1, kills)
	assert.Equal(t, 1, denials)
}

// TestTick_NoRuleSetsMeansUnmonitored verifies the implicit allow
func TestTick_NoRuleSetsMeansUnmonitored(t *testing.T) {
	cfg := testConfig()
	master, _ := newTestMaster(t, cfg, newMockStore())

	master.Tick(context.Background())

	status, ok := master.StatusFor("kid")
	require.True(t, ok)
	assert.True(t, status.ActivityAllowed)
	assert.False(t, status.MonitoringActive)
}

// TestProhibitedProcessTriggersKill verifies the master handler reaction
func TestProhibitedProcessTriggersKill(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1})
	master, bus := newTestMaster(t, cfg, newMockStore())
	_ = master

	now := time.Now()
	bus.Queue(domain.AdminEvent{
		Type:         domain.EventProhibitedProcess,
		Host:         "laptop",
		Username:     "kid",
		PID:          55,
		ScannerID:    "process",
		ProcessName:  "torbrowser",
		EventTime:    now,
		ProcessStart: now,
	})
	bus.ProcessQueue(context.Background())

	reply := bus.DrainOutgoingFor("laptop")
	require.Len(t, reply, 1)
	assert.Equal(t, domain.EventKillProcess, reply[0].Type)
	assert.Equal(t, 55, reply[0].PID)
}

// TestProcessEventsPersist verifies boundary events reach the store
func TestProcessEventsPersist(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1})
	store := newMockStore()
	_, bus := newTestMaster(t, cfg, store)

	start := time.Now().Add(-time.Hour)
	bus.Queue(domain.AdminEvent{
		Type:         domain.EventProcessStart,
		Host:         "laptop",
		Username:     "kid",
		PID:          100,
		EventTime:    start,
		ProcessStart: start,
	})
	bus.Queue(domain.AdminEvent{
		Type:         domain.EventProcessEnd,
		Host:         "laptop",
		Username:     "kid",
		PID:          100,
		EventTime:    start.Add(30 * time.Minute),
		ProcessStart: start,
	})
	bus.ProcessQueue(context.Background())

	require.Len(t, store.upserted, 2)
	assert.False(t, store.upserted[1].Open())
	assert.Len(t, store.audited, 2, "every processed event is audited")
}

// TestRequestTimeExtension verifies validation and budget accounting
func TestRequestTimeExtension(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1, OptionalTimePerDay: "30m"})
	store := newMockStore()
	master, _ := newTestMaster(t, cfg, store)
	ctx := context.Background()

	assert.ErrorIs(t, master.RequestTimeExtension(ctx, "stranger", "1234", 10), ErrUnknownUser)
	assert.ErrorIs(t, master.RequestTimeExtension(ctx, "kid", "9999", 10), ErrBadAccessCode)
	assert.ErrorIs(t, master.RequestTimeExtension(ctx, "kid", "1234", 45), ErrOverBudget)

	require.NoError(t, master.RequestTimeExtension(ctx, "kid", "1234", 10))
	require.Len(t, store.extensions, 1)
	assert.Equal(t, 10*time.Minute, store.extensions[0].Delta)
	assert.Equal(t, 10*time.Minute, store.optionalUsed["kid"])

	// A second grant within the budget prolongs the active extension.
	require.NoError(t, master.RequestTimeExtension(ctx, "kid", "1234", 10))
	assert.Equal(t, 20*time.Minute, store.optionalUsed["kid"])
	assert.Equal(t, 20*time.Minute, store.extensions[len(store.extensions)-1].Delta)

	// The budget is consumed now.
	assert.ErrorIs(t, master.RequestTimeExtension(ctx, "kid", "1234", 15), ErrOverBudget)
}

// TestRequestTimeExtension_NoOptionalBudget verifies a rule set without
// optional time rejects every request
func TestRequestTimeExtension_NoOptionalBudget(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1})
	master, _ := newTestMaster(t, cfg, newMockStore())

	assert.ErrorIs(t, master.RequestTimeExtension(context.Background(), "kid", "1234", 5), ErrOverBudget)
}

// TestConfigPushEvents verifies the first-contact payloads
func TestConfigPushEvents(t *testing.T) {
	cfg := testConfig(config.RuleSetToml{Priority: 1})
	cfg.Users[0].ProcessPattern = "minecraft"
	cfg.Users[0].ProhibitedPattern = "torbrowser"
	master, _ := newTestMaster(t, cfg, newMockStore())

	events := master.ConfigPushEvents("laptop")
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventUpdateConfig, events[0].Type)
	assert.Equal(t, "laptop", events[0].Host)

	var payload ConfigPushPayload
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &payload))
	require.Len(t, payload.Users, 1)
	assert.Equal(t, "minecraft", payload.Users[0].ProcessPattern)

	var mapping LoginMappingPayload
	require.NoError(t, json.Unmarshal([]byte(events[1].Payload), &mapping))
	assert.Equal(t, "kid", mapping.Mapping["kid"])
}
