package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SQLiteBackend stores values in the kv_store table created by the embedded
// migrations. It keeps SQL out of the Store the same way the rest of the
// data access layer does.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an open database that has had migrations applied.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// NewSQLite is shorthand for New(NewSQLiteBackend(db)).
func NewSQLite(db *sql.DB) *Store {
	return New(NewSQLiteBackend(db))
}

func (b *SQLiteBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (b *SQLiteBackend) Store(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP;
	`
	_, err := b.db.ExecContext(ctx, query, key, string(value))
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	return err
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	// substr avoids having to escape LIKE wildcards in plugin ids.
	rows, err := b.db.QueryContext(ctx,
		"SELECT key FROM kv_store WHERE substr(key, 1, ?) = ? ORDER BY key",
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
