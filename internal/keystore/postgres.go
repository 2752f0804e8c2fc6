package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/brokerlink/internal/errs"
)

const pgUniqueViolation = "23505"

// PostgresBackend stores records in a device_keys table.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresBackend wraps an open pool. The pool stays owned by the caller;
// Close does not close it.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool, table: "device_keys"}
}

// EnsureSchema creates the table when it does not exist.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+p.table+` (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM `+p.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) Create(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO `+p.table+` (key, value) VALUES ($1, $2)`, key, value)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Close() error { return nil }
