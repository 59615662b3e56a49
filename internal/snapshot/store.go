// Package snapshot implements the Quota Snapshot Store: an append-only
// time-series of (account, family, percentage, recordedAt) rows backed by
// an embedded modernc.org/sqlite database, so the pool's burn-rate history
// survives restarts without an external dependency.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"go.uber.org/zap"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS quota_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  TEXT    NOT NULL,
	family      TEXT    NOT NULL,
	percentage  REAL    NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_snapshots_lookup
	ON quota_snapshots (account_id, family, recorded_at DESC);
`

// Store is the Pool's durable quota history. Writes serialize through a
// single connection (sqlite's own locking handles the rest); reads run
// against the same *sql.DB but never block on a writer for longer than one
// statement. Operations never return an error to callers that can't
// usefully act on one — they log and degrade instead, per contract.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates (or reuses) the sqlite database at path and ensures the
// schema exists. An empty path opens an in-memory database, useful for
// tests that don't need durability.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time avoids SQLITE_BUSY
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: migrate schema: %w", err)
	}
	return &Store{db: db, log: logging.Named("snapshot-store")}, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests with go-sqlmock,
// which stub the driver rather than a real file).
func OpenDB(db *sql.DB) *Store {
	return &Store{db: db, log: logging.Named("snapshot-store")}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one reading. Errors are logged, never returned to the
// caller, per the store's "never throw" contract — a failed write degrades
// future burn-rate reads, it must not fail the request in flight.
func (s *Store) Record(ctx context.Context, accountID string, family domain.Family, percentage float64, now time.Time) {
	const q = `INSERT INTO quota_snapshots (account_id, family, percentage, recorded_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, accountID, string(family), percentage, now.UTC().UnixMilli()); err != nil {
		s.log.Warn("record snapshot failed",
			zap.String("account", accountID), zap.String("family", string(family)), zap.Error(err))
	}
}

// SnapshotsSince returns every snapshot for (accountID, family) recorded at
// or after sinceInstant, newest first. On error it logs and returns an
// empty slice — readers degrade to "no data" rather than failing.
func (s *Store) SnapshotsSince(ctx context.Context, accountID string, family domain.Family, sinceInstant time.Time) []domain.QuotaSnapshot {
	const q = `
		SELECT account_id, family, percentage, recorded_at
		FROM quota_snapshots
		WHERE account_id = ? AND family = ? AND recorded_at >= ?
		ORDER BY recorded_at DESC
	`
	rows, err := s.db.QueryContext(ctx, q, accountID, string(family), sinceInstant.UTC().UnixMilli())
	if err != nil {
		s.log.Warn("snapshotsSince query failed", zap.String("account", accountID), zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []domain.QuotaSnapshot
	for rows.Next() {
		var (
			snap       domain.QuotaSnapshot
			family     string
			recordedAt int64
		)
		if err := rows.Scan(&snap.AccountID, &family, &snap.Percentage, &recordedAt); err != nil {
			s.log.Warn("snapshotsSince scan failed", zap.Error(err))
			return out
		}
		snap.Family = domain.Family(family)
		snap.RecordedAt = time.UnixMilli(recordedAt).UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("snapshotsSince rows error", zap.Error(err))
	}
	return out
}

// Prune deletes every snapshot older than olderThan. Idempotent: a second
// call with nothing left to delete reports 0 rows affected. Errors are
// logged only — a failed prune just means the next janitor pass has more
// to do.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) int64 {
	const q = `DELETE FROM quota_snapshots WHERE recorded_at < ?`
	res, err := s.db.ExecContext(ctx, q, olderThan.UTC().UnixMilli())
	if err != nil {
		s.log.Warn("prune failed", zap.Error(err))
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.log.Warn("prune rows affected failed", zap.Error(err))
		return 0
	}
	return n
}
