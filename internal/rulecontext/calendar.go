package rulecontext

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CalendarEntryType is one entry kind of the remote calendar source.
type CalendarEntryType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CalendarRegion is one region of the remote calendar source.
type CalendarRegion struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CalendarInterval is one closed date interval the calendar marks active.
type CalendarInterval struct {
	Region string `json:"region"`
	Type   string `json:"type"`
	Start  string `json:"start"` // YYYY-MM-DD
	End    string `json:"end"`   // YYYY-MM-DD, inclusive
}

// HolidayCalendar activates on dates a remote calendar marks for the
// region named in the detail string. Catalogs are fetched lazily and
// cached; per (date, region) answers are memoized. Any fetch or parse
// failure logs and conservatively answers "not active" instead of
// failing the evaluation.
type HolidayCalendar struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	types     []CalendarEntryType
	regions   []CalendarRegion
	intervals map[string][]CalendarInterval
	memo      map[string]bool
	loaded    bool
}

// NewHolidayCalendar creates the predicate against a remote calendar
// service base URL.
func NewHolidayCalendar(baseURL string, client *http.Client, logger *zap.Logger) *HolidayCalendar {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HolidayCalendar{
		baseURL:   baseURL,
		client:    client,
		logger:    logger,
		intervals: make(map[string][]CalendarInterval),
		memo:      make(map[string]bool),
	}
}

func (c *HolidayCalendar) ID() string { return "holiday-calendar" }

// Validate only checks the region string shape; region existence is a
// remote fact checked lazily, and a missing region degrades to inactive.
func (c *HolidayCalendar) Validate(detail string) error {
	if detail == "" {
		return fmt.Errorf("holiday calendar context requires a region")
	}
	return nil
}

func (c *HolidayCalendar) IsActive(ref time.Time, region string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	date := ref.Format("2006-01-02")
	memoKey := region + "|" + date
	if active, ok := c.memo[memoKey]; ok {
		return active
	}

	if err := c.ensureLoaded(region); err != nil {
		c.logger.Warn("calendar fetch failed, treating context as inactive",
			zap.String("region", region),
			zap.Error(err))
		return false
	}

	active := false
	for _, iv := range c.intervals[region] {
		if date >= iv.Start && date <= iv.End {
			active = true
			break
		}
	}
	c.memo[memoKey] = active
	return active
}

// ensureLoaded fetches the type catalog, region catalog and interval
// list once per region. Callers hold the mutex.
func (c *HolidayCalendar) ensureLoaded(region string) error {
	if !c.loaded {
		if err := c.fetch("/types", &c.types); err != nil {
			return fmt.Errorf("load type catalog: %w", err)
		}
		if err := c.fetch("/regions", &c.regions); err != nil {
			return fmt.Errorf("load region catalog: %w", err)
		}
		c.loaded = true
	}
	if _, ok := c.intervals[region]; !ok {
		var intervals []CalendarInterval
		if err := c.fetch("/intervals?region="+region, &intervals); err != nil {
			return fmt.Errorf("load intervals for %q: %w", region, err)
		}
		c.intervals[region] = intervals
	}
	return nil
}

func (c *HolidayCalendar) fetch(path string, out any) error {
	timeout := c.client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar source returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
