// Package storage provides the pluggable backend interface for persisting,
// replacing, deleting, and querying events, plus the per-connection
// subscription bookkeeping used for crash recovery and maintenance.
package storage

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// EventStore is the pluggable backend interface for event persistence.
//
// Implementations translate declarative filters into indexed queries:
//   - postgres.Store: Postgres with indexed columns and a tag-value index
//   - memory.Store: in-memory maps (development and tests)
//
// Replace semantics follow the latest-wins rule (event.Wins): a larger
// created_at supersedes, ties break toward the lexicographically smaller id.
// ReplaceEvent and ReplaceAddressable execute read-then-write as two phases,
// not one storage transaction; a concurrent writer interleaving between them
// can leave a superseded row undeleted until the next write to the same key.
// This bounded inconsistency is accepted by design.
//
// Thread safety: all implementations must be safe for concurrent use.
type EventStore interface {
	// SaveEvent persists an event as an immutable append. Returns
	// errors.ErrDuplicate if the id is already stored.
	SaveEvent(ctx context.Context, evt *nostr.Event) error

	// ReplaceEvent persists a replaceable event, keeping at most one per
	// (kind, pubkey). Returns false if the incoming event lost the
	// latest-wins comparison and storage was left untouched.
	ReplaceEvent(ctx context.Context, evt *nostr.Event) (bool, error)

	// ReplaceAddressable persists an addressable event, keeping at most one
	// per (kind, pubkey, d-tag value). The empty string is a valid d-tag
	// value. Returns false if the incoming event lost.
	ReplaceAddressable(ctx context.Context, evt *nostr.Event, dTag string) (bool, error)

	// DeleteByReference removes every event referenced by the deletion
	// event's "e" tags whose stored pubkey matches the deletion's author
	// and whose kind is not itself a deletion. Missing or non-matching
	// targets are ignored. Returns the number of events removed.
	DeleteByReference(ctx context.Context, deletion *nostr.Event) (int, error)

	// QueryEvents returns events matching the filter, ordered by
	// created_at descending, bounded by the filter's limit (defaulted and
	// hard-capped by the implementation). Ties in created_at have no
	// defined secondary order; callers needing one sort again.
	QueryEvents(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)

	// Close releases backend resources
	Close()
}

// SubscriptionStore persists per-connection subscription state for crash and
// reconnect bookkeeping. Subscriptions live only as long as their connection;
// this store is reconciled against the live-connection registry by a
// bounded periodic prune.
type SubscriptionStore interface {
	// PutSubscriptions records or replaces the filters bound to a
	// subscription id on a connection
	PutSubscriptions(ctx context.Context, connID, subID string, filters nostr.Filters) error

	// DropSubscription removes one subscription binding
	DropSubscription(ctx context.Context, connID, subID string) error

	// DropConnection removes all subscription state for a connection
	DropConnection(ctx context.Context, connID string) error

	// PruneStale removes subscription state for connection ids not
	// accepted by live, visiting at most limit connection ids per call.
	// Returns the number of connection ids pruned.
	PruneStale(ctx context.Context, live func(connID string) bool, limit int) (int, error)

	// ClearSubscriptions removes all persisted subscription state
	ClearSubscriptions(ctx context.Context) error
}

// MaintenanceStore records the relay-wide maintenance flag. While set, new
// connections are refused until maintenance is explicitly disabled.
type MaintenanceStore interface {
	SetMaintenance(ctx context.Context, enabled bool) error
	Maintenance(ctx context.Context) (bool, error)
}

// Store is the full backend contract the relay server requires
type Store interface {
	EventStore
	SubscriptionStore
	MaintenanceStore
}
