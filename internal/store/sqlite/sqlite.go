// Package sqlite provides a SQLite-backed implementation of the store.Index
// port for persisting secret metadata, envelope parameters and inline
// ciphertext.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ store.Index = (*Index)(nil)

// Index implements store.Index using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and serialization.
type Index struct{ db *sql.DB }

// New constructs an Index, initializing the required schema if absent.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (i *Index) init() error {
	schema := `CREATE TABLE IF NOT EXISTS secrets (
id TEXT PRIMARY KEY,
ciphertext BLOB,
external INTEGER NOT NULL DEFAULT 0,
size INTEGER NOT NULL,
salt BLOB NOT NULL,
nonce BLOB NOT NULL,
kind INTEGER NOT NULL,
filename TEXT,
content_type TEXT,
created_at INTEGER NOT NULL,
policy INTEGER NOT NULL,
expires_at INTEGER,
remaining_reads INTEGER,
read_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS secrets_created_at ON secrets(created_at);`
	_, err := i.db.Exec(schema)
	return err
}

// Insert stores a new secret row.
func (i *Index) Insert(ctx context.Context, row store.Row) error {
	const q = `INSERT INTO secrets (id, ciphertext, external, size, salt, nonce, kind, filename, content_type, created_at, policy, expires_at, remaining_reads, read_count)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	rec := row.Record
	ext := 0
	if row.External {
		ext = 1
	}
	expires, remaining := policyColumns(rec.Policy)
	_, err := i.db.ExecContext(ctx, q,
		rec.ID.String(), rec.Envelope.Ciphertext, ext, row.Size,
		rec.Envelope.Salt, rec.Envelope.Nonce,
		int(rec.Kind.Tag), nullString(rec.Kind.Filename), nullString(rec.Kind.ContentType),
		rec.CreatedAt.UnixNano(), int(rec.Policy.Mode), expires, remaining, rec.ReadCount,
	)
	return err
}

// Lookup returns the row for id. Liveness is not interpreted here.
func (i *Index) Lookup(ctx context.Context, id string) (store.Row, error) {
	const q = `SELECT id, ciphertext, external, size, salt, nonce, kind, filename, content_type, created_at, policy, expires_at, remaining_reads, read_count
FROM secrets WHERE id=?`
	var (
		row      store.Row
		rawID    string
		extInt   int
		kind     int
		filename sql.NullString
		ctype    sql.NullString
		created  int64
		mode     int
		expires  sql.NullInt64
		remain   sql.NullInt64
	)
	err := i.db.QueryRowContext(ctx, q, id).Scan(
		&rawID, &row.Record.Envelope.Ciphertext, &extInt, &row.Size,
		&row.Record.Envelope.Salt, &row.Record.Envelope.Nonce,
		&kind, &filename, &ctype, &created, &mode, &expires, &remain, &row.Record.ReadCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Row{}, domain.ErrNotFound
		}
		return store.Row{}, err
	}
	sid, err := domain.ParseID(rawID)
	if err != nil {
		return store.Row{}, fmt.Errorf("corrupt row id %q: %w", rawID, err)
	}
	row.Record.ID = sid
	row.External = extInt == 1
	row.Record.Kind = domain.Kind{Tag: domain.KindTag(kind), Filename: filename.String, ContentType: ctype.String}
	row.Record.CreatedAt = time.Unix(0, created).UTC()
	row.Record.Policy = policyFromColumns(mode, expires, remain)
	return row, nil
}

// UpdateCounters is a compare-and-swap on read_count.
func (i *Index) UpdateCounters(ctx context.Context, id string, prevReadCount, readCount int, policy domain.ExpiryPolicy) (bool, error) {
	const q = `UPDATE secrets SET read_count=?, remaining_reads=? WHERE id=? AND read_count=?`
	_, remaining := policyColumns(policy)
	res, err := i.db.ExecContext(ctx, q, readCount, remaining, id, prevReadCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// List returns summaries of every row, newest first.
func (i *Index) List(ctx context.Context, now time.Time) ([]domain.Summary, error) {
	const q = `SELECT id, kind, filename, content_type, created_at, policy, expires_at, remaining_reads, read_count
FROM secrets ORDER BY created_at DESC, id`
	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Summary
	for rows.Next() {
		var (
			rec      domain.SecretRecord
			rawID    string
			kind     int
			filename sql.NullString
			ctype    sql.NullString
			created  int64
			mode     int
			expires  sql.NullInt64
			remain   sql.NullInt64
		)
		if err = rows.Scan(&rawID, &kind, &filename, &ctype, &created, &mode, &expires, &remain, &rec.ReadCount); err != nil {
			return nil, err
		}
		if rec.ID, err = domain.ParseID(rawID); err != nil {
			return nil, fmt.Errorf("corrupt row id %q: %w", rawID, err)
		}
		rec.Kind = domain.Kind{Tag: domain.KindTag(kind), Filename: filename.String, ContentType: ctype.String}
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.Policy = policyFromColumns(mode, expires, remain)
		out = append(out, rec.Summarize(now))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountLive counts rows that are live at now.
func (i *Index) CountLive(ctx context.Context, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM secrets WHERE
policy = ? OR (policy = ? AND expires_at > ?) OR (policy = ? AND remaining_reads > 0)`
	var n int
	err := i.db.QueryRowContext(ctx, q,
		int(domain.PolicyNever),
		int(domain.PolicyDeadline), now.UnixNano(),
		int(domain.PolicyReadBudget),
	).Scan(&n)
	return n, err
}

// ListExternalIDs returns IDs of secrets with external (blob) storage.
func (i *Index) ListExternalIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT id FROM secrets WHERE external=1`
	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func policyColumns(p domain.ExpiryPolicy) (expires, remaining sql.NullInt64) {
	switch p.Mode {
	case domain.PolicyDeadline:
		expires = sql.NullInt64{Int64: p.Deadline.UnixNano(), Valid: true}
	case domain.PolicyReadBudget:
		remaining = sql.NullInt64{Int64: int64(p.Remaining), Valid: true}
	}
	return expires, remaining
}

// unknownPolicy marks a stored mode this version does not recognise.
// ExpiryPolicy.Live is false for it, so such rows are never revealed.
const unknownPolicy = domain.PolicyMode(255)

func policyFromColumns(mode int, expires, remaining sql.NullInt64) domain.ExpiryPolicy {
	switch mode {
	case int(domain.PolicyNever):
		return domain.Never()
	case int(domain.PolicyDeadline):
		return domain.Deadline(time.Unix(0, expires.Int64))
	case int(domain.PolicyReadBudget):
		return domain.ReadBudget(int(remaining.Int64))
	default:
		return domain.ExpiryPolicy{Mode: unknownPolicy}
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
