package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS idx_records_collection_updated
	ON records (collection, updated_at);
`

// sqliteStore implements Store on an embedded sqlite database. It is the
// backend of choice when the agent shares a data directory with other
// processes, since sqlite serializes writers itself.
type sqliteStore struct {
	db    *sql.DB
	quota int64
}

// NewSQLiteStore opens (creating if needed) the sqlite database at path.
// quota is the advisory storage quota in bytes; 0 means unknown.
func NewSQLiteStore(path string, quota int64) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows a single writer; more connections just contend.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &sqliteStore{db: db, quota: quota}, nil
}

func (s *sqliteStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM records WHERE collection = ? ORDER BY updated_at, key`,
		string(c))
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %q: %w", c, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record from collection %q: %w", c, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collection %q: %w", c, err)
	}
	return records, nil
}

func (s *sqliteStore) Put(ctx context.Context, c Collection, key string, value []byte) error {
	if err := validCollection(c); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(c), key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put record into collection %q: %w", c, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, c Collection, key string) error {
	if err := validCollection(c); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, string(c), key)
	if err != nil {
		return fmt.Errorf("failed to delete record from collection %q: %w", c, err)
	}
	return nil
}

func (s *sqliteStore) Clear(ctx context.Context, c Collection) error {
	if err := validCollection(c); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ?`, string(c))
	if err != nil {
		return fmt.Errorf("failed to clear collection %q: %w", c, err)
	}
	return nil
}

func (s *sqliteStore) Usage(ctx context.Context) (Usage, error) {
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(key) + COALESCE(LENGTH(value), 0)) FROM records`).Scan(&used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Usage{}, fmt.Errorf("failed to compute storage usage: %w", err)
	}
	return Usage{Used: used.Int64, Quota: s.quota}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
