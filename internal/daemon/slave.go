package daemon

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/config"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/sync"
)

// Slave observes local process activity and reports it to the master.
// It applies the master's action events (kills, config pushes) locally.
type Slave struct {
	cfg         *config.Config
	bus         *eventbus.Bus
	client      *sync.Client
	scanners    []domain.Scanner
	procScanner *infra.ProcessScanner
	notifier    domain.Notifier
	version     string
	logger      *zap.Logger

	startedAt  time.Time
	warnedSend bool
	assumedOut bool
}

// NewSlave wires the slave orchestrator.
func NewSlave(
	cfg *config.Config,
	bus *eventbus.Bus,
	client *sync.Client,
	scanners []domain.Scanner,
	procScanner *infra.ProcessScanner,
	notifier domain.Notifier,
	version string,
	logger *zap.Logger,
) *Slave {
	s := &Slave{
		cfg:         cfg,
		bus:         bus,
		client:      client,
		scanners:    scanners,
		procScanner: procScanner,
		notifier:    notifier,
		version:     version,
		logger:      logger,
		startedAt:   time.Now(),
	}
	registerLocalHandlers(bus, scanners, procScanner, cfg.KillGrace(), notifier, logger)
	return s
}

// Run executes the tick loop until the context is canceled.
func (s *Slave) Run(ctx context.Context) error {
	s.logger.Info("slave daemon started",
		zap.String("hostname", s.cfg.Node.Hostname),
		zap.String("master", s.cfg.Slave.MasterURL))
	s.bus.Queue(domain.AdminEvent{
		Type:      domain.EventStartClient,
		Host:      s.cfg.Node.Hostname,
		EventTime: time.Now(),
		Payload:   s.version,
	})

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.bus.Wake():
			// A delayed event (a hard-kill escalation) became due.
			s.bus.ProcessQueue(ctx)
		}
	}
}

func (s *Slave) tick(ctx context.Context) {
	now := time.Now()

	scanAll(ctx, s.bus, s.scanners, now, s.logger)
	s.bus.ProcessQueue(ctx)

	outgoing := s.bus.DrainOutgoing()
	stats := &domain.ClientStats{
		Version:   s.version,
		StartedAt: s.startedAt,
		CPUs:      runtime.NumCPU(),
	}
	returned, recovered, err := s.client.Exchange(ctx, outgoing, stats)
	if err != nil {
		s.handleSendFailure(now, err)
		return
	}
	s.warnedSend = false
	s.assumedOut = false

	if recovered {
		// Replay activation events for everything still open so the
		// master's view is reconciled without every missed update.
		open := s.procScanner.OpenEvents(now)
		s.bus.QueueAll(open)
		s.logger.Info("connection to master recovered, replaying open processes",
			zap.Int("events", len(open)))
	}

	s.bus.QueueAll(returned)
	s.bus.ProcessQueue(ctx)
}

// handleSendFailure degrades in two stages: warn first, then treat the
// prolonged outage as "assume logged out" and synthesize termination
// events for everything still open. Restrictive beats permissive under
// uncertainty.
func (s *Slave) handleSendFailure(now time.Time, err error) {
	down := s.client.TimeSinceLastSuccess(now)
	if down >= s.cfg.WarnWithoutSend() && !s.warnedSend {
		s.warnedSend = true
		s.logger.Warn("no successful send to master",
			zap.Duration("down", down),
			zap.Error(err))
	}
	if down >= s.cfg.AssumeLogoutAfter() && !s.assumedOut {
		s.assumedOut = true
		closed := s.procScanner.CloseAllEvents(now)
		s.bus.QueueAll(closed)
		s.logger.Warn("prolonged communication loss, assuming users logged out",
			zap.Duration("down", down),
			zap.Int("synthesized_ends", len(closed)))
	}
}

// shutdown queues a stop-client event and attempts one last send.
func (s *Slave) shutdown() {
	s.logger.Info("slave daemon stopping")
	s.bus.Queue(domain.AdminEvent{
		Type:      domain.EventStopClient,
		Host:      s.cfg.Node.Hostname,
		EventTime: time.Now(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := s.client.Exchange(ctx, s.bus.DrainOutgoing(), nil); err != nil {
		s.logger.Warn("final send failed", zap.Error(err))
	}
}
