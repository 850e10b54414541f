package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/YoshitsuguKoike/paracle/internal/app/changelog"
)

// BusyTimeoutMs is how long a write waits for another writer before
// failing with "database is locked". Inserts run under the state lock.
const BusyTimeoutMs = 100

// ChangeIndex mirrors change log entries into SQLite so history can be
// queried by field and revision. It is a changelog.Sink.
type ChangeIndex struct {
	db *sql.DB
}

// OpenChangeIndex opens (creating if needed) the index database at path
// and migrates it.
func OpenChangeIndex(path string) (*ChangeIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", path, BusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open change index: %w", err)
	}
	if err := NewMigrator(db).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate change index: %w", err)
	}
	return &ChangeIndex{db: db}, nil
}

// NewChangeIndex wraps an already migrated database.
func NewChangeIndex(db *sql.DB) *ChangeIndex {
	return &ChangeIndex{db: db}
}

// Close closes the database.
func (c *ChangeIndex) Close() error {
	return c.db.Close()
}

// Insert stores entries in one transaction. Entries already present are
// skipped, so replaying a log is harmless.
func (c *ChangeIndex) Insert(ctx context.Context, entries []changelog.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO state_changes (id, ts, actor, pid, field, old_value, new_value, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		oldValue, err := encodeValue(e.Old)
		if err != nil {
			return fmt.Errorf("encode old value of %s: %w", e.ID, err)
		}
		newValue, err := encodeValue(e.New)
		if err != nil {
			return fmt.Errorf("encode new value of %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.TS, e.Actor, e.PID, e.Field, oldValue, newValue, e.Revision); err != nil {
			return fmt.Errorf("insert change %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List returns matching entries oldest first. With a limit, the newest
// entries are kept.
func (c *ChangeIndex) List(ctx context.Context, q changelog.Query) ([]changelog.Entry, error) {
	query := `
		SELECT id, ts, actor, pid, field, old_value, new_value, revision
		FROM state_changes
		WHERE revision >= ?
	`
	args := []interface{}{q.SinceRevision}
	if q.Field != "" {
		query += " AND field = ?"
		args = append(args, q.Field)
	}
	query += " ORDER BY revision DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var entries []changelog.Entry
	for rows.Next() {
		var (
			e                  changelog.Entry
			oldValue, newValue sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Actor, &e.PID, &e.Field, &oldValue, &newValue, &e.Revision); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if e.Old, err = decodeValue(oldValue); err != nil {
			return nil, fmt.Errorf("decode old value of %s: %w", e.ID, err)
		}
		if e.New, err = decodeValue(newValue); err != nil {
			return nil, fmt.Errorf("decode new value of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	// newest first from the query; callers want log order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of indexed entries.
func (c *ChangeIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state_changes").Scan(&n)
	return n, err
}

func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeValue(s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
