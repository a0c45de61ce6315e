package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// Client ships a slave's outgoing events to the master. Delivery is
// at-least-once: a failed batch is kept and retried on the next tick,
// and after the connection recovers the orchestrator replays artificial
// activation events so the master's view is reconciled.
type Client struct {
	baseURL    string
	secret     string
	hostname   string
	httpClient *http.Client
	logger     *zap.Logger

	pending      []domain.AdminEvent
	couldNotSend bool
	failingSince time.Time
	lastSuccess  time.Time
}

// NewClient creates a sync client against the master's base URL.
func NewClient(baseURL, secret, hostname string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		secret:      secret,
		hostname:    hostname,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		lastSuccess: time.Now(),
	}
}

// Exchange appends the new events to the pending batch and attempts one
// push. On success it returns the master's reply events and whether this
// send recovered from a previous failure; on error the batch stays
// pending for the next tick.
func (c *Client) Exchange(ctx context.Context, events []domain.AdminEvent, stats *domain.ClientStats) (returned []domain.AdminEvent, recovered bool, err error) {
	c.pending = append(c.pending, events...)

	reply, err := c.push(ctx, c.pending, stats)
	if err != nil {
		if !c.couldNotSend {
			c.couldNotSend = true
			c.failingSince = time.Now()
		}
		return nil, false, err
	}

	recovered = c.couldNotSend
	c.couldNotSend = false
	c.failingSince = time.Time{}
	c.lastSuccess = time.Now()
	c.pending = nil
	return reply, recovered, nil
}

// CouldNotSend reports whether the last attempt failed.
func (c *Client) CouldNotSend() bool { return c.couldNotSend }

// TimeSinceLastSuccess returns how long ago the last push succeeded.
func (c *Client) TimeSinceLastSuccess(ref time.Time) time.Duration {
	return ref.Sub(c.lastSuccess)
}

// PendingCount returns the size of the unshipped batch.
func (c *Client) PendingCount() int { return len(c.pending) }

func (c *Client) push(ctx context.Context, events []domain.AdminEvent, stats *domain.ClientStats) ([]domain.AdminEvent, error) {
	body, err := json.Marshal(PushRequest{
		Secret:      c.secret,
		Hostname:    c.hostname,
		Events:      events,
		ClientStats: stats,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push events: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrBadSecret
	default:
		return nil, fmt.Errorf("master returned status %d", resp.StatusCode)
	}

	var reply []domain.AdminEvent
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode master reply: %w", err)
	}
	return reply, nil
}
