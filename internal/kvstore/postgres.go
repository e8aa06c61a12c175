package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on a single kv_items table with JSONB
// documents. It is used for tables that want durable storage (chat
// history), while hot connection state stays in Redis.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies the connection, and runs
// any pending schema migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: postgres connection failed: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("kvstore: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("kvstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("kvstore: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("kvstore: migrate up: %w", err)
	}
	return nil
}

// Get retrieves and decodes the JSONB document under (table, key).
func (s *PostgresStore) Get(ctx context.Context, table, key string) (Item, error) {
	const query = `SELECT item FROM kv_items WHERE tbl = $1 AND k = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, table, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres get %s/%s: %w", table, key, err)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("kvstore: postgres decode %s/%s: %w", table, key, err)
	}
	return item, nil
}

// Put upserts the document (last write wins).
func (s *PostgresStore) Put(ctx context.Context, table, key string, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("kvstore: postgres encode %s/%s: %w", table, key, err)
	}

	const query = `
		INSERT INTO kv_items (tbl, k, item)
		VALUES ($1, $2, $3)
		ON CONFLICT (tbl, k) DO UPDATE SET item = EXCLUDED.item, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, table, key, raw); err != nil {
		return fmt.Errorf("kvstore: postgres put %s/%s: %w", table, key, err)
	}
	return nil
}

// Update reads the document under a row lock, applies assignments and
// increments, and writes it back. The item is created if absent.
func (s *PostgresStore) Update(ctx context.Context, table, key string, set map[string]string, incr map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: postgres update %s/%s: %w", table, key, err)
	}
	defer tx.Rollback()

	item := Item{}
	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT item FROM kv_items WHERE tbl = $1 AND k = $2 FOR UPDATE`,
		table, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// upsert semantics: start from an empty item
	case err != nil:
		return fmt.Errorf("kvstore: postgres update %s/%s: %w", table, key, err)
	default:
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("kvstore: postgres decode %s/%s: %w", table, key, err)
		}
	}

	for f, v := range set {
		item[f] = v
	}
	for f, d := range incr {
		item.SetInt64(f, item.Int64(f)+d)
	}

	out, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("kvstore: postgres encode %s/%s: %w", table, key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_items (tbl, k, item)
		VALUES ($1, $2, $3)
		ON CONFLICT (tbl, k) DO UPDATE SET item = EXCLUDED.item, updated_at = NOW()`,
		table, key, out)
	if err != nil {
		return fmt.Errorf("kvstore: postgres update %s/%s: %w", table, key, err)
	}
	return tx.Commit()
}

// Scan selects every document in the table and applies the filter in Go.
func (s *PostgresStore) Scan(ctx context.Context, table string, filter func(Item) bool) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item FROM kv_items WHERE tbl = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres scan %s: %w", table, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("kvstore: postgres scan %s: %w", table, err)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("kvstore: postgres decode in scan %s: %w", table, err)
		}
		if filter == nil || filter(item) {
			items = append(items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: postgres scan %s: %w", table, err)
	}
	return items, nil
}

// Delete removes the document; deleting an absent key is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_items WHERE tbl = $1 AND k = $2`, table, key)
	if err != nil {
		return fmt.Errorf("kvstore: postgres delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
