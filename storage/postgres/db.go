// Package postgres implements the storage port on PostgreSQL. Filters are
// translated into conjunctive predicates over indexed columns; indexed tag
// values are denormalized into a GIN-indexed text array on write.
package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/nostrelay/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          text PRIMARY KEY,
	pubkey      text NOT NULL,
	created_at  bigint NOT NULL,
	kind        integer NOT NULL,
	tags        jsonb NOT NULL,
	content     text NOT NULL,
	sig         text NOT NULL,
	d_tag       text,
	tag_values  text[] NOT NULL DEFAULT '{}',
	received_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at DESC);
CREATE INDEX IF NOT EXISTS events_pubkey_kind_idx ON events (pubkey, kind, created_at DESC);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind, created_at DESC);
CREATE INDEX IF NOT EXISTS events_tag_values_idx ON events USING gin (tag_values);

CREATE TABLE IF NOT EXISTS conn_subscriptions (
	conn_id    text NOT NULL,
	sub_id     text NOT NULL,
	filters    jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (conn_id, sub_id)
);

CREATE TABLE IF NOT EXISTS relay_state (
	key   text PRIMARY KEY,
	value text NOT NULL
);
`

// Store is a PostgreSQL-backed event store
type Store struct {
	pool *pgxpool.Pool

	defaultLimit int
	maxLimit     int

	// keyset position of the periodic subscription prune
	pruneMu     sync.Mutex
	pruneCursor string
}

// Connect opens a connection pool, applies the schema, and returns the store
func Connect(ctx context.Context, dsn string, defaultLimit, maxLimit int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "PostgresStore", "Connect", "parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Connect", "create pool")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.WrapFatal(err, "PostgresStore", "Connect", "apply schema")
	}
	return &Store{
		pool:         pool,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}, nil
}

// Ready verifies the backend is reachable
func (s *Store) Ready(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "Ready", "ping")
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
