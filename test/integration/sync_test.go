//go:build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/activity"
	"github.com/hourkeeper/hourkeeper/internal/api"
	"github.com/hourkeeper/hourkeeper/internal/config"
	"github.com/hourkeeper/hourkeeper/internal/daemon"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/policy"
	"github.com/hourkeeper/hourkeeper/internal/rulecontext"
	syncproto "github.com/hourkeeper/hourkeeper/internal/sync"
)

// recordingStore implements domain.Store and remembers what reached
// persistence so tests can assert on record identity.
type recordingStore struct {
	mu           sync.Mutex
	byKey        map[domain.ProcessKey]*domain.ProcessRecord
	optionalUsed map[string]time.Duration
	extensions   []*domain.TimeExtension
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		byKey:        make(map[domain.ProcessKey]*domain.ProcessRecord),
		optionalUsed: make(map[string]time.Duration),
	}
}

func (s *recordingStore) LoadProcessRecords(ctx context.Context, maxAge time.Duration) ([]*domain.ProcessRecord, error) {
	return nil, nil
}

func (s *recordingStore) UpsertProcessRecord(ctx context.Context, rec *domain.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.byKey[rec.Key()] = &cp
	return nil
}

func (s *recordingStore) LoadOverrides(ctx context.Context, from domain.Date) ([]*domain.RuleOverride, error) {
	return nil, nil
}

func (s *recordingStore) UpsertOverride(ctx context.Context, ov *domain.RuleOverride) error {
	return nil
}

func (s *recordingStore) SaveTimeExtension(ctx context.Context, ext *domain.TimeExtension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions = append(s.extensions, ext)
	return nil
}

func (s *recordingStore) LoadTimeExtensions(ctx context.Context, ref time.Time) ([]*domain.TimeExtension, error) {
	return nil, nil
}

func (s *recordingStore) OptionalTimeUsed(ctx context.Context, username string, day domain.Date) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optionalUsed[username], nil
}

func (s *recordingStore) AddOptionalTimeUsed(ctx context.Context, username string, day domain.Date, delta time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionalUsed[username] += delta
	return nil
}

func (s *recordingStore) AppendAuditEvent(ctx context.Context, ev domain.AdminEvent) error {
	return nil
}

func (s *recordingStore) PruneHistory(ctx context.Context, maxAge time.Duration) error { return nil }

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *recordingStore) record(key domain.ProcessKey) *domain.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

// offlineToggle simulates a network partition in front of the master API.
type offlineToggle struct {
	mu      sync.Mutex
	offline bool
	next    http.Handler
}

func (o *offlineToggle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	offline := o.offline
	o.mu.Unlock()
	if offline {
		http.Error(w, "unreachable", http.StatusBadGateway)
		return
	}
	o.next.ServeHTTP(w, r)
}

func (o *offlineToggle) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

var _ = Describe("Master and slave synchronization", func() {
	var (
		store   *recordingStore
		master  *daemon.Master
		server  *httptest.Server
		toggle  *offlineToggle
		client  *syncproto.Client
		ctx     context.Context
		procKey domain.ProcessKey
		started time.Time
	)

	startEvent := func() domain.AdminEvent {
		return domain.AdminEvent{
			Type:         domain.EventProcessStart,
			Host:         "laptop",
			Username:     "kid",
			PID:          100,
			ScannerID:    "process",
			ProcessName:  "minecraft",
			EventTime:    started,
			ProcessStart: started,
			Percent:      100,
		}
	}

	endEvent := func(at time.Time) domain.AdminEvent {
		return domain.AdminEvent{
			Type:         domain.EventProcessEnd,
			Host:         "laptop",
			Username:     "kid",
			PID:          100,
			ScannerID:    "process",
			EventTime:    at,
			ProcessStart: started,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		started = time.Now().Add(-time.Hour)
		procKey = domain.ProcessKey{Host: "laptop", PID: 100, StartUnix: started.Unix()}

		logger := zap.NewNop()
		cfg := &config.Config{
			Node:   config.NodeConfig{Hostname: "server"},
			Master: config.MasterConfig{Listen: ":0", Secret: "sekrit"},
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
				RuleSets: []config.RuleSetToml{{
					Priority:           1,
					MaxTimePerDay:      "8h",
					OptionalTimePerDay: "30m",
				}},
			}},
		}

		store = newRecordingStore()
		registry := rulecontext.NewRegistry(rulecontext.AlwaysActive{}, rulecontext.WeekdayPlan{})
		bus := eventbus.New("server", true, store, logger)
		DeferCleanup(bus.Close)

		master = daemon.NewMaster(
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
		protocol := syncproto.NewMaster("sekrit", bus, master, logger)

		toggle = &offlineToggle{next: api.NewServer(master, protocol, logger).Router()}
		server = httptest.NewServer(toggle)
		DeferCleanup(server.Close)

		client = syncproto.NewClient(server.URL, "sekrit", "laptop", 5*time.Second, logger)
	})

	Describe("Event push", func() {
		It("registers pushed activity in the master's status", func() {
			reply, recovered, err := client.Exchange(ctx, []domain.AdminEvent{startEvent()}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(BeFalse())

			kinds := make(map[domain.EventType]bool)
			for _, ev := range reply {
				kinds[ev.Type] = true
			}
			Expect(kinds[domain.EventUpdateConfig]).To(BeTrue(), "first contact carries the config push")
			Expect(kinds[domain.EventUpdateLoginMapping]).To(BeTrue())

			master.Tick(ctx)
			status, ok := master.StatusFor("kid")
			Expect(ok).To(BeTrue())
			Expect(status.LoggedIn).To(BeTrue())
			Expect(status.ActivityAllowed).To(BeTrue())

			Expect(store.recordCount()).To(Equal(1))
			rec := store.record(procKey)
			Expect(rec).NotTo(BeNil())
			Expect(rec.Open()).To(BeTrue())
		})

		It("rejects a wrong shared secret", func() {
			bad := syncproto.NewClient(server.URL, "wrong", "laptop", 5*time.Second, zap.NewNop())
			_, _, err := bad.Exchange(ctx, []domain.AdminEvent{startEvent()}, nil)
			Expect(err).To(MatchError(syncproto.ErrBadSecret))
		})
	})

	Describe("Outage and recovery", func() {
		It("buffers events during an outage and reconciles without duplicate records", func() {
			_, _, err := client.Exchange(ctx, []domain.AdminEvent{startEvent()}, nil)
			Expect(err).NotTo(HaveOccurred())

			// The connection drops; the slave locally assumes the session
			// ended and queues the termination event.
			toggle.setOffline(true)
			assumedEnd := time.Now()
			_, _, err = client.Exchange(ctx, []domain.AdminEvent{endEvent(assumedEnd)}, nil)
			Expect(err).To(HaveOccurred())
			Expect(client.CouldNotSend()).To(BeTrue())
			Expect(client.PendingCount()).To(Equal(1))

			// Back online: the backlog ships, then the still-running
			// process is replayed as an artificial activation.
			toggle.setOffline(false)
			_, recovered, err := client.Exchange(ctx, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(BeTrue())

			_, _, err = client.Exchange(ctx, []domain.AdminEvent{startEvent()}, nil)
			Expect(err).NotTo(HaveOccurred())

			// The tick applies the whole backlog in order: end, then the
			// replayed start that reopens the same record.
			master.Tick(ctx)
			Expect(store.recordCount()).To(Equal(1), "replays converge onto one record")
			rec := store.record(procKey)
			Expect(rec).NotTo(BeNil())
			Expect(rec.Open()).To(BeTrue(), "the artificial activation reopened the record")

			status, _ := master.StatusFor("kid")
			Expect(status.LoggedIn).To(BeTrue())
		})
	})

	Describe("Time extensions over HTTP", func() {
		It("grants a budgeted extension and rejects one over budget", func() {
			resp, err := http.Post(server.URL+"/api/request-time-extension?username=kid&secret=1234&extension_length=10", "", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(store.extensions).To(HaveLen(1))

			resp, err = http.Post(server.URL+"/api/request-time-extension?username=kid&secret=1234&extension_length=60", "", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusRequestedRangeNotSatisfiable))
		})
	})
})
