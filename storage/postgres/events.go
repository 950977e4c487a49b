package postgres

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/event"
	"github.com/c360/nostrelay/filter"
)

const insertEventSQL = `
INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, d_tag, tag_values)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

// SaveEvent persists an event as an immutable append
func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	args, err := insertArgs(evt)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, insertEventSQL, args...)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveEvent", "insert event")
	}
	if ct.RowsAffected() == 0 {
		return errors.ErrDuplicate
	}
	return nil
}

// ReplaceEvent persists a replaceable event keyed by (kind, pubkey).
//
// The read of the current latest and the delete-and-insert below are two
// separate statements, not one transaction. A concurrent writer interleaving
// between them can leave a losing row undeleted; the next write to the same
// (kind, pubkey) cleans it up. Accepted, bounded inconsistency.
func (s *Store) ReplaceEvent(ctx context.Context, evt *nostr.Event) (bool, error) {
	return s.replace(ctx, evt,
		`SELECT id, created_at FROM events WHERE kind = $1 AND pubkey = $2`,
		evt.Kind, evt.PubKey)
}

// ReplaceAddressable persists an addressable event keyed by (kind, pubkey,
// d-tag value). The empty string is a valid d-tag value, distinct from NULL.
func (s *Store) ReplaceAddressable(ctx context.Context, evt *nostr.Event, dTag string) (bool, error) {
	return s.replace(ctx, evt,
		`SELECT id, created_at FROM events WHERE kind = $1 AND pubkey = $2 AND d_tag = $3`,
		evt.Kind, evt.PubKey, dTag)
}

func (s *Store) replace(ctx context.Context, evt *nostr.Event, selectSQL string, keyArgs ...any) (bool, error) {
	rows, err := s.pool.Query(ctx, selectSQL, keyArgs...)
	if err != nil {
		return false, errors.WrapTransient(err, "PostgresStore", "replace", "query current versions")
	}

	var superseded []string
	wins := true
	for rows.Next() {
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &createdAt); err != nil {
			rows.Close()
			return false, errors.WrapTransient(err, "PostgresStore", "replace", "scan current version")
		}
		if id == evt.ID {
			// Resubmission of the stored latest: idempotent no-op
			rows.Close()
			return false, nil
		}
		existing := &nostr.Event{ID: id, CreatedAt: nostr.Timestamp(createdAt)}
		if event.Wins(evt, existing) {
			superseded = append(superseded, id)
		} else {
			wins = false
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, errors.WrapTransient(err, "PostgresStore", "replace", "iterate current versions")
	}

	if !wins {
		return false, nil
	}

	if len(superseded) > 0 {
		if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = ANY($1)`, superseded); err != nil {
			return false, errors.WrapTransient(err, "PostgresStore", "replace", "delete superseded")
		}
	}

	args, err := insertArgs(evt)
	if err != nil {
		return false, err
	}
	if _, err := s.pool.Exec(ctx, insertEventSQL, args...); err != nil {
		return false, errors.WrapTransient(err, "PostgresStore", "replace", "insert winner")
	}
	return true, nil
}

// DeleteByReference removes referenced events owned by the deletion's author.
// Deletion events themselves are excluded so deletions are not deletable.
func (s *Store) DeleteByReference(ctx context.Context, deletion *nostr.Event) (int, error) {
	ids := event.ReferencedIDs(deletion)
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE id = ANY($1) AND pubkey = $2 AND kind <> $3`,
		ids, deletion.PubKey, nostr.KindDeletion)
	if err != nil {
		return 0, errors.WrapTransient(err, "PostgresStore", "DeleteByReference", "delete referenced events")
	}
	return int(ct.RowsAffected()), nil
}

func insertArgs(evt *nostr.Event) ([]any, error) {
	tagsJSON, err := json.Marshal(evt.Tags)
	if err != nil {
		return nil, errors.WrapInvalid(err, "PostgresStore", "insertArgs", "marshal tags")
	}

	var dTag any
	if d, ok := event.DTag(evt); ok {
		dTag = d
	}

	return []any{
		evt.ID,
		evt.PubKey,
		int64(evt.CreatedAt),
		evt.Kind,
		tagsJSON,
		evt.Content,
		evt.Sig,
		dTag,
		indexedTagValues(evt),
	}, nil
}

// indexedTagValues denormalizes the allow-listed tag letters into
// "<letter>:<value>" entries for the GIN index, hex-normalizing reference
// values so lookups are case-insensitive.
func indexedTagValues(evt *nostr.Event) []string {
	var values []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		letter := tag[0]
		if !filter.IndexedTagLetters[letter] {
			continue
		}
		values = append(values, letter+":"+filter.NormalizeTagValue(letter, tag[1]))
	}
	if values == nil {
		values = []string{}
	}
	return values
}
