// Package postgres provides a PostgreSQL-backed DataStore.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/swfrench/session-cache/store"
)

const (
	// DefaultTable is the table used by New when none is specified.
	DefaultTable     = "sessions"
	defaultScanLimit = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id text PRIMARY KEY,
    record bytea NOT NULL,
    expiry bigint NOT NULL DEFAULT 0,
    last_node text NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS %[2]s
ON %[1]s (expiry) WHERE expiry > 0;
`

// Store is a PostgreSQL-based DataStore. Records are stored as JSON in a
// single table, alongside their expiry in Unix milliseconds (0 meaning never),
// which is indexed for GetExpired.
type Store struct {
	// Clock can be overridden in tests.
	Clock func() time.Time
	// ScanLimit bounds the number of expired SIDs GetExpired finds through the
	// expiry index per call.
	ScanLimit int
	db        *sql.DB
	table     string
	index     string
}

// New returns a new Store using the provided database handle (opened with the
// "postgres" driver) and table. Call EnsureSchema before first use if the table
// may not exist yet.
func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		Clock:     func() time.Time { return time.Now() },
		ScanLimit: defaultScanLimit,
		db:        db,
		table:     pq.QuoteIdentifier(table),
		index:     pq.QuoteIdentifier(table + "_expiry_idx"),
	}
}

// EnsureSchema creates the session table and its expiry index if missing.
func (ps *Store) EnsureSchema(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, fmt.Sprintf(schema, ps.table, ps.index)); err != nil {
		return unavailable("create session table", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s (PostgreSQL error: %v): %w", op, err, store.ErrStoreUnavailable)
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Load returns the record stored for the provided SID, or ErrSessionNotFound if
// no record exists.
func (ps *Store) Load(ctx context.Context, sid string) (*store.Record, error) {
	var val []byte
	q := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, ps.table)
	err := ps.db.QueryRowContext(ctx, q, sid).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("load session record", err)
	}
	return store.Decode(val)
}

// Store writes the provided record for the provided SID, replacing any existing
// record.
func (ps *Store) Store(ctx context.Context, sid string, r *store.Record) error {
	val, err := store.Encode(r)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
INSERT INTO %s (id, record, expiry, last_node) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET record = EXCLUDED.record, expiry = EXCLUDED.expiry, last_node = EXCLUDED.last_node`, ps.table)
	if _, err := ps.db.ExecContext(ctx, q, sid, val, expiryMillis(r.Expiry), r.LastNode); err != nil {
		return unavailable("store session record", err)
	}
	return nil
}

// Delete deletes the record stored for the provided SID, returning
// ErrSessionNotFound if no record exists.
func (ps *Store) Delete(ctx context.Context, sid string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ps.table)
	res, err := ps.db.ExecContext(ctx, q, sid)
	if err != nil {
		return unavailable("delete session record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete session record", err)
	}
	if n != 1 {
		return store.ErrSessionNotFound
	}
	return nil
}

// Exists reports whether an unexpired record is stored for the provided SID.
func (ps *Store) Exists(ctx context.Context, sid string) (bool, error) {
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND (expiry = 0 OR expiry > $2))`, ps.table)
	if err := ps.db.QueryRowContext(ctx, q, sid, ps.Clock().UnixMilli()).Scan(&exists); err != nil {
		return false, unavailable("check session record", err)
	}
	return exists, nil
}

// GetExpired returns the candidates that are expired at now or not stored,
// followed by up to ScanLimit other SIDs whose expiry is no later than now.
func (ps *Store) GetExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	var expired []string
	seen := make(map[string]bool)
	if len(candidates) > 0 {
		live := make(map[string]bool)
		q := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1) AND (expiry = 0 OR expiry > $2)`, ps.table)
		if err := ps.collect(ctx, func(sid string) { live[sid] = true }, q, pq.Array(candidates), now.UnixMilli()); err != nil {
			return nil, err
		}
		for _, sid := range candidates {
			if !live[sid] && !seen[sid] {
				seen[sid] = true
				expired = append(expired, sid)
			}
		}
	}
	q := fmt.Sprintf(`SELECT id FROM %s WHERE expiry > 0 AND expiry <= $1 ORDER BY expiry LIMIT $2`, ps.table)
	err := ps.collect(ctx, func(sid string) {
		if !seen[sid] {
			seen[sid] = true
			expired = append(expired, sid)
		}
	}, q, now.UnixMilli(), ps.ScanLimit)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// collect runs a single-column SID query, passing each row to fn.
func (ps *Store) collect(ctx context.Context, fn func(string), q string, args ...any) error {
	rows, err := ps.db.QueryContext(ctx, q, args...)
	if err != nil {
		return unavailable("query expired sessions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return unavailable("scan expired sessions", err)
		}
		fn(sid)
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan expired sessions", err)
	}
	return nil
}
