package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
)

// PutSubscriptions records or replaces a subscription binding for a connection
func (s *Store) PutSubscriptions(ctx context.Context, connID, subID string, filters nostr.Filters) error {
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return errors.WrapInvalid(err, "PostgresStore", "PutSubscriptions", "marshal filters")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conn_subscriptions (conn_id, sub_id, filters, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conn_id, sub_id) DO UPDATE SET filters = excluded.filters, updated_at = now()`,
		connID, subID, filtersJSON)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "PutSubscriptions", "upsert subscription")
	}
	return nil
}

// DropSubscription removes one subscription binding
func (s *Store) DropSubscription(ctx context.Context, connID, subID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM conn_subscriptions WHERE conn_id = $1 AND sub_id = $2`, connID, subID)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "DropSubscription", "delete subscription")
	}
	return nil
}

// DropConnection removes all subscription state for a connection
func (s *Store) DropConnection(ctx context.Context, connID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM conn_subscriptions WHERE conn_id = $1`, connID)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "DropConnection", "delete connection state")
	}
	return nil
}

// PruneStale removes subscription state for connection ids that no longer
// have a live socket, visiting at most limit connection ids per call to keep
// scan cost bounded. Batches advance by keyset over conn_id so that live
// connections occupying one batch cannot shadow stale rows behind them;
// reaching the end of the table wraps the cursor back to the start.
func (s *Store) PruneStale(ctx context.Context, live func(string) bool, limit int) (int, error) {
	s.pruneMu.Lock()
	cursor := s.pruneCursor
	s.pruneMu.Unlock()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT conn_id FROM conn_subscriptions WHERE conn_id > $1 ORDER BY conn_id LIMIT $2`,
		cursor, limit)
	if err != nil {
		return 0, errors.WrapTransient(err, "PostgresStore", "PruneStale", "list connection ids")
	}
	var connIDs []string
	for rows.Next() {
		var connID string
		if err := rows.Scan(&connID); err != nil {
			rows.Close()
			return 0, errors.WrapTransient(err, "PostgresStore", "PruneStale", "scan connection id")
		}
		connIDs = append(connIDs, connID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.WrapTransient(err, "PostgresStore", "PruneStale", "iterate connection ids")
	}

	s.pruneMu.Lock()
	s.pruneCursor = nextPruneCursor(connIDs, limit)
	s.pruneMu.Unlock()

	var stale []string
	for _, connID := range connIDs {
		if !live(connID) {
			stale = append(stale, connID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM conn_subscriptions WHERE conn_id = ANY($1)`, stale); err != nil {
		return 0, errors.WrapTransient(err, "PostgresStore", "PruneStale", "delete stale state")
	}
	return len(stale), nil
}

// nextPruneCursor returns the keyset cursor for the following prune batch: a
// short scan means the table end was reached and the cursor wraps to the
// start, otherwise it advances past the last id visited.
func nextPruneCursor(scanned []string, limit int) string {
	if len(scanned) < limit {
		return ""
	}
	return scanned[len(scanned)-1]
}

// ClearSubscriptions removes all persisted subscription state
func (s *Store) ClearSubscriptions(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conn_subscriptions`); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "ClearSubscriptions", "truncate subscriptions")
	}
	return nil
}

// SetMaintenance records the relay-wide maintenance flag
func (s *Store) SetMaintenance(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_state (key, value) VALUES ('maintenance', $1)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, value)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SetMaintenance", "write flag")
	}
	return nil
}

// Maintenance reads the relay-wide maintenance flag
func (s *Store) Maintenance(ctx context.Context) (bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM relay_state WHERE key = 'maintenance'`).Scan(&value)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "PostgresStore", "Maintenance", "read flag")
	}
	return value == "true", nil
}
