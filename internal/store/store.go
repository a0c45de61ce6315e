// Package store persists process history, overrides, time extensions
// and the audit log in an encrypted SQLite database. The database lives
// on the monitored machine, so it is SQLCipher-encrypted against
// tampering by the monitored user.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.SQLiteDriver{}

const dbName = "hourkeeper.db"

// Store implements domain.Store on an encrypted SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the encrypted database in dataDir. The key is
// used as the SQLCipher passphrase via the DSN pragma.
func Open(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open encrypted database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to encrypted database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS process_records (
		host         TEXT NOT NULL,
		pid          INTEGER NOT NULL,
		start_time   INTEGER NOT NULL,
		username     TEXT NOT NULL,
		scanner_id   TEXT NOT NULL DEFAULT '',
		process_name TEXT NOT NULL DEFAULT '',
		end_time     INTEGER NOT NULL DEFAULT 0,
		downtime     INTEGER NOT NULL DEFAULT 0,
		percent      INTEGER NOT NULL DEFAULT 100,
		PRIMARY KEY (host, pid, start_time)
	);
	CREATE INDEX IF NOT EXISTS idx_records_start ON process_records(start_time);
	CREATE INDEX IF NOT EXISTS idx_records_user ON process_records(username, start_time);

	CREATE TABLE IF NOT EXISTS rule_overrides (
		username         TEXT NOT NULL,
		ref_date         TEXT NOT NULL,
		min_time_of_day  TEXT,
		max_time_of_day  TEXT,
		max_per_day      INTEGER,
		max_duration     INTEGER,
		min_break        INTEGER,
		optional_per_day INTEGER,
		free_play        INTEGER,
		PRIMARY KEY (username, ref_date)
	);

	CREATE TABLE IF NOT EXISTS time_extensions (
		username   TEXT NOT NULL,
		granted_at INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time   INTEGER NOT NULL,
		delta      INTEGER NOT NULL,
		PRIMARY KEY (username, granted_at)
	);

	CREATE TABLE IF NOT EXISTS optional_time_usage (
		username TEXT NOT NULL,
		day      TEXT NOT NULL,
		used     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (username, day)
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_time INTEGER NOT NULL,
		type       TEXT NOT NULL,
		host       TEXT NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(event_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- process history ---

// LoadProcessRecords returns all records younger than maxAge, plus any
// still-open record regardless of age.
func (s *Store) LoadProcessRecords(ctx context.Context, maxAge time.Duration) ([]*domain.ProcessRecord, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, pid, start_time, username, scanner_id, process_name, end_time, downtime, percent
		FROM process_records
		WHERE start_time >= ? OR end_time = 0`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load process records: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessRecord
	for rows.Next() {
		var rec domain.ProcessRecord
		var start, end, downtime int64
		if err := rows.Scan(&rec.Host, &rec.PID, &start, &rec.Username, &rec.ScannerID,
			&rec.ProcessName, &end, &downtime, &rec.Percent); err != nil {
			return nil, err
		}
		rec.StartTime = time.Unix(start, 0)
		if end > 0 {
			rec.EndTime = time.Unix(end, 0)
		}
		rec.Downtime = time.Duration(downtime) * time.Second
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// UpsertProcessRecord inserts or updates a record by its identity key.
func (s *Store) UpsertProcessRecord(ctx context.Context, rec *domain.ProcessRecord) error {
	var end int64
	if !rec.EndTime.IsZero() {
		end = rec.EndTime.Unix()
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO process_records
				(host, pid, start_time, username, scanner_id, process_name, end_time, downtime, percent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(host, pid, start_time) DO UPDATE SET
				end_time = excluded.end_time,
				downtime = excluded.downtime,
				percent  = excluded.percent`,
			rec.Host, rec.PID, rec.StartTime.Unix(), rec.Username, rec.ScannerID,
			rec.ProcessName, end, int64(rec.Downtime.Seconds()), rec.Percent)
		return err
	})
}

// --- overrides ---

// LoadOverrides returns overrides for the given date or later; older
// ones are left behind in the database and not held in memory.
func (s *Store) LoadOverrides(ctx context.Context, from domain.Date) ([]*domain.RuleOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, ref_date, min_time_of_day, max_time_of_day, max_per_day,
		       max_duration, min_break, optional_per_day, free_play
		FROM rule_overrides WHERE ref_date >= ?`, from.String())
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	var out []*domain.RuleOverride
	for rows.Next() {
		var ov domain.RuleOverride
		var date string
		var minTOD, maxTOD sql.NullString
		var maxPerDay, maxDuration, minBreak, optional sql.NullInt64
		var freePlay sql.NullBool
		if err := rows.Scan(&ov.Username, &date, &minTOD, &maxTOD, &maxPerDay,
			&maxDuration, &minBreak, &optional, &freePlay); err != nil {
			return nil, err
		}
		if ov.Date, err = domain.ParseDate(date); err != nil {
			return nil, err
		}
		if minTOD.Valid {
			t, err := domain.ParseDayTime(minTOD.String)
			if err != nil {
				return nil, err
			}
			ov.MinTimeOfDay = &t
		}
		if maxTOD.Valid {
			t, err := domain.ParseDayTime(maxTOD.String)
			if err != nil {
				return nil, err
			}
			ov.MaxTimeOfDay = &t
		}
		ov.MaxPerDay = nullSeconds(maxPerDay)
		ov.MaxDuration = nullSeconds(maxDuration)
		ov.MinBreak = nullSeconds(minBreak)
		ov.OptionalPerDay = nullSeconds(optional)
		if freePlay.Valid {
			v := freePlay.Bool
			ov.FreePlay = &v
		}
		out = append(out, &ov)
	}
	return out, rows.Err()
}

// UpsertOverride inserts or replaces an override by (username, date).
func (s *Store) UpsertOverride(ctx context.Context, ov *domain.RuleOverride) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO rule_overrides
				(username, ref_date, min_time_of_day, max_time_of_day, max_per_day,
				 max_duration, min_break, optional_per_day, free_play)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ov.Username, ov.Date.String(),
			dayTimeString(ov.MinTimeOfDay), dayTimeString(ov.MaxTimeOfDay),
			secondsValue(ov.MaxPerDay), secondsValue(ov.MaxDuration),
			secondsValue(ov.MinBreak), secondsValue(ov.OptionalPerDay),
			boolValue(ov.FreePlay))
		return err
	})
}

// --- time extensions ---

// SaveTimeExtension persists a granted extension.
func (s *Store) SaveTimeExtension(ctx context.Context, ext *domain.TimeExtension) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO time_extensions
				(username, granted_at, start_time, end_time, delta)
			VALUES (?, ?, ?, ?, ?)`,
			ext.Username, ext.GrantedAt.Unix(), ext.StartTime.Unix(),
			ext.EndTime.Unix(), int64(ext.Delta.Seconds()))
		return err
	})
}

// LoadTimeExtensions returns extensions whose window has not ended yet.
func (s *Store) LoadTimeExtensions(ctx context.Context, ref time.Time) ([]*domain.TimeExtension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, granted_at, start_time, end_time, delta
		FROM time_extensions WHERE end_time > ?`, ref.Unix())
	if err != nil {
		return nil, fmt.Errorf("load time extensions: %w", err)
	}
	defer rows.Close()

	var out []*domain.TimeExtension
	for rows.Next() {
		var ext domain.TimeExtension
		var granted, start, end, delta int64
		if err := rows.Scan(&ext.Username, &granted, &start, &end, &delta); err != nil {
			return nil, err
		}
		ext.GrantedAt = time.Unix(granted, 0)
		ext.StartTime = time.Unix(start, 0)
		ext.EndTime = time.Unix(end, 0)
		ext.Delta = time.Duration(delta) * time.Second
		out = append(out, &ext)
	}
	return out, rows.Err()
}

// --- optional time usage ---

// OptionalTimeUsed returns the optional time already consumed that day.
func (s *Store) OptionalTimeUsed(ctx context.Context, username string, day domain.Date) (time.Duration, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM optional_time_usage WHERE username = ? AND day = ?`,
		username, day.String()).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load optional time usage: %w", err)
	}
	return time.Duration(used) * time.Second, nil
}

// AddOptionalTimeUsed records consumption of optional time.
func (s *Store) AddOptionalTimeUsed(ctx context.Context, username string, day domain.Date, delta time.Duration) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO optional_time_usage (username, day, used) VALUES (?, ?, ?)
			ON CONFLICT(username, day) DO UPDATE SET used = used + excluded.used`,
			username, day.String(), int64(delta.Seconds()))
		return err
	})
}

// --- audit log ---

// AppendAuditEvent appends a processed event to the audit log.
func (s *Store) AppendAuditEvent(ctx context.Context, ev domain.AdminEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_events (event_time, type, host, username, body)
			VALUES (?, ?, ?, ?, ?)`,
			ev.EventTime.Unix(), string(ev.Type), ev.Host, ev.Username, string(body))
		return err
	})
}

// PruneHistory deletes closed records and audit entries older than
// maxAge. Retention is a maintenance job, not part of evaluation.
func (s *Store) PruneHistory(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).Unix()
	return retryOnContention(func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM process_records WHERE end_time > 0 AND end_time < ?`, cutoff); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM audit_events WHERE event_time < ?`, cutoff)
		return err
	})
}

func nullSeconds(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Second
	return &d
}

func secondsValue(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return int64(d.Seconds())
}

func dayTimeString(t *domain.DayTime) any {
	if t == nil {
		return nil
	}
	return t.String()
}

func boolValue(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
