package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores records in a SQLite table. The (run_id, version)
// unique index keeps versions monotonic across processes sharing a file.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens dsn (a file path or ":memory:") and migrates it.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data BLOB NOT NULL,
			checksum TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_run_version ON checkpoints(run_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Put implements Backend.
func (b *SQLiteBackend) Put(ctx context.Context, rec Record) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, run_id, version, data, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Version, rec.Data, rec.Checksum, rec.CreatedAt.UTC())
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s (run %s version %d)", ErrDuplicateCheckpoint, rec.ID, rec.RunID, rec.Version)
	}
	return err
}

const selectRecord = `SELECT checkpoint_id, run_id, version, data, checksum, created_at FROM checkpoints`

func scanRecord(row *sql.Row, notFound string) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Version, &rec.Data, &rec.Checksum, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, notFound)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, id string) (Record, error) {
	row := b.db.QueryRowContext(ctx, selectRecord+` WHERE checkpoint_id = ?`, id)
	return scanRecord(row, id)
}

// Latest implements Backend.
func (b *SQLiteBackend) Latest(ctx context.Context, runID string) (Record, error) {
	row := b.db.QueryRowContext(ctx, selectRecord+` WHERE run_id = ? ORDER BY version DESC LIMIT 1`, runID)
	return scanRecord(row, "run "+runID)
}

// Purge implements Backend.
func (b *SQLiteBackend) Purge(ctx context.Context, runID string) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeBefore implements Backend.
func (b *SQLiteBackend) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
