package domain

import (
	"context"
	"time"
)

// Store is the persistence boundary of the core. Implementation: an
// encrypted SQLite database on the master node.
type Store interface {
	// LoadProcessRecords returns all records younger than maxAge.
	LoadProcessRecords(ctx context.Context, maxAge time.Duration) ([]*ProcessRecord, error)

	// UpsertProcessRecord inserts or updates a record by its identity key.
	UpsertProcessRecord(ctx context.Context, rec *ProcessRecord) error

	// LoadOverrides returns overrides for the given date or later.
	LoadOverrides(ctx context.Context, from Date) ([]*RuleOverride, error)

	// UpsertOverride inserts or replaces an override by (username, date).
	UpsertOverride(ctx context.Context, ov *RuleOverride) error

	// SaveTimeExtension persists a granted extension.
	SaveTimeExtension(ctx context.Context, ext *TimeExtension) error

	// LoadTimeExtensions returns extensions whose window has not ended yet.
	LoadTimeExtensions(ctx context.Context, ref time.Time) ([]*TimeExtension, error)

	// OptionalTimeUsed returns how much optional time the user has already
	// consumed on the given day.
	OptionalTimeUsed(ctx context.Context, username string, day Date) (time.Duration, error)

	// AddOptionalTimeUsed records consumption of optional time.
	AddOptionalTimeUsed(ctx context.Context, username string, day Date, delta time.Duration) error

	// AppendAuditEvent appends a processed event to the audit log.
	AppendAuditEvent(ctx context.Context, ev AdminEvent) error

	// PruneHistory drops closed records and audit entries older than
	// maxAge.
	PruneHistory(ctx context.Context, maxAge time.Duration) error

	// Close releases the underlying database.
	Close() error
}

// Scanner observes login or process boundaries on the local host and, if
// capable, terminates processes it reported.
type Scanner interface {
	// ID identifies the scanner in records and events.
	ID() string

	// Scan returns boundary events observed since the previous call.
	Scan(ctx context.Context, ref time.Time) ([]AdminEvent, error)

	// CanKill reports whether KillProcess is supported.
	CanKill() bool

	// KillProcess sends a soft termination, waits up to grace, then
	// escalates to a hard kill if the process is still alive.
	KillProcess(ctx context.Context, pid int, grace time.Duration) error
}

// Notifier delivers a consolidated denial notification to a user.
type Notifier interface {
	Notify(ctx context.Context, username string, reasons []Reason) error
}
