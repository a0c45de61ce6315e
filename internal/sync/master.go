package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
)

// ClientInfo is what the master remembers about a reporting host.
type ClientInfo struct {
	Hostname string
	LastSeen time.Time
	Stats    *domain.ClientStats
}

// ConfigPusher builds the configuration and login-mapping events the
// master sends to a host on first contact.
type ConfigPusher interface {
	ConfigPushEvents(host string) []domain.AdminEvent
}

// Master is the receiving end of the protocol. It validates the shared
// secret, queues the batch onto the bus, and replies with the outgoing
// events addressed to the reporting host.
type Master struct {
	secret string
	bus    *eventbus.Bus
	pusher ConfigPusher
	logger *zap.Logger

	// HTTP handlers and the tick loop both reach the client map.
	mu      gosync.Mutex
	clients map[string]*ClientInfo
}

// NewMaster creates the master-side protocol handler.
func NewMaster(secret string, bus *eventbus.Bus, pusher ConfigPusher, logger *zap.Logger) *Master {
	return &Master{
		secret:  secret,
		bus:     bus,
		pusher:  pusher,
		logger:  logger,
		clients: make(map[string]*ClientInfo),
	}
}

// HandlePush accepts one inbound batch and returns the reply events.
// A secret mismatch rejects the whole batch with ErrBadSecret. The batch
// is only enqueued here; the tick loop applies it, so it stays the sole
// owner of the activity state. The queue and the outgoing buffer are the
// only structures shared with HTTP goroutines, and both are mutex-guarded.
func (m *Master) HandlePush(ctx context.Context, req PushRequest) ([]domain.AdminEvent, error) {
	if req.Secret != m.secret {
		m.logger.Warn("push with invalid access token rejected",
			zap.String("hostname", req.Hostname))
		return nil, ErrBadSecret
	}

	m.mu.Lock()
	info, known := m.clients[req.Hostname]
	if !known {
		info = &ClientInfo{Hostname: req.Hostname}
		m.clients[req.Hostname] = info
	}
	info.LastSeen = time.Now()
	if req.ClientStats != nil {
		info.Stats = req.ClientStats
	}
	m.mu.Unlock()

	if !known {
		m.logger.Info("first contact from host, queueing configuration push",
			zap.String("hostname", req.Hostname))
		if m.pusher != nil {
			m.bus.QueueAll(m.pusher.ConfigPushEvents(req.Hostname))
		}
	}

	m.bus.QueueAll(req.Events)

	return m.bus.DrainOutgoingFor(req.Hostname), nil
}

// Clients returns a snapshot of the known client infos.
func (m *Master) Clients() []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, info := range m.clients {
		out = append(out, *info)
	}
	return out
}

// Client returns a copy of the info for one hostname, or nil.
func (m *Master) Client(hostname string) *ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.clients[hostname]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}
