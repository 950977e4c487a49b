package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/filter"
)

// QueryEvents translates a filter into a conjunctive SQL query over the
// indexed columns and returns matches newest-first. An ids-only filter takes
// the point-lookup path through the primary key index; no table scan.
func (s *Store) QueryEvents(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	sql, args := s.buildQuery(f)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "QueryEvents", "execute query")
	}
	defer rows.Close()

	var results []*nostr.Event
	for rows.Next() {
		var (
			id, pubkey, content, sig string
			createdAt                int64
			kind                     int
			tagsJSON                 []byte
		)
		if err := rows.Scan(&id, &pubkey, &createdAt, &kind, &tagsJSON, &content, &sig); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "QueryEvents", "scan row")
		}
		var tags nostr.Tags
		if err := json.Unmarshal(tagsJSON, &tags); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "QueryEvents", "decode tags")
		}
		results = append(results, &nostr.Event{
			ID:        id,
			PubKey:    pubkey,
			CreatedAt: nostr.Timestamp(createdAt),
			Kind:      kind,
			Tags:      tags,
			Content:   content,
			Sig:       sig,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "QueryEvents", "iterate rows")
	}
	return results, nil
}

func (s *Store) buildQuery(f nostr.Filter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.IDs) > 0 {
		conds = append(conds, "id = ANY("+arg(f.IDs)+")")
	}
	if len(f.Authors) > 0 {
		conds = append(conds, "pubkey = ANY("+arg(lowerAll(f.Authors))+")")
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind = ANY("+arg(f.Kinds)+")")
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= "+arg(int64(*f.Since)))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= "+arg(int64(*f.Until)))
	}
	// Each tag key becomes a "tag array contains one of these values"
	// predicate; keys are conjunctive, values within a key disjunctive.
	for letter, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		prefixed := make([]string, len(values))
		for i, v := range values {
			prefixed[i] = letter + ":" + filter.NormalizeTagValue(letter, v)
		}
		conds = append(conds, "tag_values && "+arg(prefixed))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, pubkey, created_at, kind, tags, content, sig FROM events")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC LIMIT ")
	sb.WriteString(arg(limit))
	return sb.String(), args
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
