// Package eventbus is the in-process FIFO event queue. Events are either
// applied locally through registered handlers or buffered for shipping
// to the peer node by the synchronization protocol.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// Handler applies one event and may return follow-on events to queue.
type Handler func(ctx context.Context, ev domain.AdminEvent) ([]domain.AdminEvent, error)

// AuditSink records every processed event before its follow-ons run.
type AuditSink interface {
	AppendAuditEvent(ctx context.Context, ev domain.AdminEvent) error
}

// Bus routes events between the local handler table and the outgoing
// buffer. The tick loop is the only consumer; delayed events re-enter
// the local queue from a timer task and raise the wake signal, so the
// consumer drains them as soon as the delay elapses. Queue access is
// mutex-guarded.
type Bus struct {
	hostname string
	isMaster bool
	audit    AuditSink
	logger   *zap.Logger
	wake     chan struct{}

	mu       sync.Mutex
	local    []domain.AdminEvent
	outgoing []domain.AdminEvent
	handlers map[domain.EventType]Handler
	timers   map[*time.Timer]struct{}
	closed   bool
}

// New creates a bus for the given node identity.
func New(hostname string, isMaster bool, audit AuditSink, logger *zap.Logger) *Bus {
	return &Bus{
		hostname: hostname,
		isMaster: isMaster,
		audit:    audit,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		handlers: make(map[domain.EventType]Handler),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Wake signals that a delayed event became due. The consumer loop
// selects on it next to its interval ticker and drains the queue.
func (b *Bus) Wake() <-chan struct{} {
	return b.wake
}

// RegisterHandler binds an event type to its handler. Later
// registrations replace earlier ones.
func (b *Bus) RegisterHandler(t domain.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

// Queue routes an event: host-targeted actions apply locally when they
// address this host, pass-through events apply locally when this node is
// their consumer side; everything else goes to the outgoing buffer.
func (b *Bus) Queue(ev domain.AdminEvent) {
	if !ev.Type.Known() {
		b.logger.Error("unknown event type dropped", zap.String("type", string(ev.Type)))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	applyLocally := false
	if ev.Type.TargetsHost() {
		applyLocally = ev.Host == b.hostname
	} else {
		applyLocally = ev.Type.ForMaster() == b.isMaster
	}

	if applyLocally {
		b.local = append(b.local, ev)
		return
	}
	for _, pending := range b.outgoing {
		if pending.Same(ev) {
			b.logger.Info("duplicate outgoing event dropped",
				zap.String("type", string(ev.Type)),
				zap.String("host", ev.Host),
				zap.Int("pid", ev.PID))
			return
		}
	}
	b.outgoing = append(b.outgoing, ev)
}

// QueueAll routes a batch in order.
func (b *Bus) QueueAll(events []domain.AdminEvent) {
	for _, ev := range events {
		b.Queue(ev)
	}
}

// DrainOutgoing empties and returns the outgoing buffer.
func (b *Bus) DrainOutgoing() []domain.AdminEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.outgoing
	b.outgoing = nil
	return out
}

// DrainOutgoingFor removes and returns the outgoing events addressed to
// one host; events for other hosts stay buffered.
func (b *Bus) DrainOutgoingFor(host string) []domain.AdminEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched, rest []domain.AdminEvent
	for _, ev := range b.outgoing {
		if ev.Host == host {
			matched = append(matched, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	b.outgoing = rest
	return matched
}

// Requeue puts an undelivered batch back at the front of the outgoing
// buffer, preserving order.
func (b *Bus) Requeue(events []domain.AdminEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outgoing = append(append([]domain.AdminEvent{}, events...), b.outgoing...)
}

// ProcessQueue drains the local queue. Events with a positive delay are
// handed to a timer task and re-enter the queue later; everything else
// executes inline.
func (b *Bus) ProcessQueue(ctx context.Context) {
	for {
		ev, ok := b.popLocal()
		if !ok {
			return
		}
		if ev.Delay > 0 {
			b.scheduleDelayed(ctx, ev)
			continue
		}
		b.dispatch(ctx, ev)
	}
}

// Close cancels pending delayed events.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
}

func (b *Bus) popLocal() (domain.AdminEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.local) == 0 {
		return domain.AdminEvent{}, false
	}
	ev := b.local[0]
	b.local = b.local[1:]
	return ev, true
}

func (b *Bus) scheduleDelayed(ctx context.Context, ev domain.AdminEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	delay := time.Duration(ev.Delay) * time.Second
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		if !closed {
			ev.Delay = 0
			b.local = append(b.local, ev)
		}
		b.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		select {
		case b.wake <- struct{}{}:
		default:
		}
	})
	b.timers[timer] = struct{}{}
}

func (b *Bus) dispatch(ctx context.Context, ev domain.AdminEvent) {
	b.mu.Lock()
	handler, ok := b.handlers[ev.Type]
	b.mu.Unlock()
	if !ok {
		b.logger.Error("no handler registered for event type, dropped",
			zap.String("type", string(ev.Type)))
		return
	}

	followOns, err := handler(ctx, ev)
	if err != nil {
		b.logger.Error("event handler failed",
			zap.String("type", string(ev.Type)),
			zap.String("host", ev.Host),
			zap.Error(err))
	}

	// Audit before follow-ons, so the log shows causes before effects.
	if b.audit != nil {
		if err := b.audit.AppendAuditEvent(ctx, ev); err != nil {
			b.logger.Warn("audit append failed", zap.Error(err))
		}
	}
	for _, follow := range followOns {
		b.Queue(follow)
	}
}
