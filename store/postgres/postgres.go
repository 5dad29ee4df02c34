// Package postgres implements store.Backend over a single generic
// key/value table, adapted from the teacher's pkg/storage/postgres
// per-record-kind SQL stores (sessions.go/nonces.go/dids.go) collapsed
// into one schema since store.Store already does the typed encode/decode
// at the Go layer.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend is a store.Backend backed by PostgreSQL via pgx. Open creates
// the backing table if it does not exist:
//
//	CREATE TABLE IF NOT EXISTS relay_kv (
//	    key   TEXT PRIMARY KEY,
//	    value BYTEA NOT NULL
//	);
type Backend struct {
	pool *pgxpool.Pool
}

// Config holds the PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Open connects to PostgreSQL, pings it, and ensures the backing table
// exists.
func Open(ctx context.Context, cfg *Config) (*Backend, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS relay_kv (
		    key   TEXT PRIMARY KEY,
		    value BYTEA NOT NULL
		)
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() {
	b.pool.Close()
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.pool.QueryRow(ctx, `SELECT value FROM relay_kv WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	const query = `
		INSERT INTO relay_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := b.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM relay_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key FROM relay_kv WHERE key LIKE $1`, strings.ReplaceAll(prefix, "%", `\%`)+"%")
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys %s: scan: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
