// Package memory provides an in-memory storage backend for development and
// tests. It implements the same port as the Postgres backend, including the
// two-phase replace with its documented race window, so replacement and
// deletion semantics can be exercised without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/event"
	"github.com/c360/nostrelay/filter"
)

// Store is an in-memory event store
type Store struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event

	subsMu sync.RWMutex
	// connID -> subID -> filters
	subs map[string]map[string]nostr.Filters

	maintenance bool
	maintMu     sync.RWMutex

	defaultLimit int
	maxLimit     int
}

// New creates an empty in-memory store with the given query limit defaults
func New(defaultLimit, maxLimit int) *Store {
	return &Store{
		events:       make(map[string]*nostr.Event),
		subs:         make(map[string]map[string]nostr.Filters),
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// SaveEvent persists an event as an immutable append
func (s *Store) SaveEvent(_ context.Context, evt *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[evt.ID]; exists {
		return errors.ErrDuplicate
	}
	s.events[evt.ID] = evt
	return nil
}

// ReplaceEvent persists a replaceable event under latest-wins semantics.
// The read of the current latest and the delete-and-insert are separate
// phases; see the port documentation for the accepted race window.
func (s *Store) ReplaceEvent(ctx context.Context, evt *nostr.Event) (bool, error) {
	return s.replace(ctx, evt, func(existing *nostr.Event) bool {
		return existing.Kind == evt.Kind && existing.PubKey == evt.PubKey
	})
}

// ReplaceAddressable persists an addressable event keyed by (kind, pubkey, d tag)
func (s *Store) ReplaceAddressable(ctx context.Context, evt *nostr.Event, dTag string) (bool, error) {
	return s.replace(ctx, evt, func(existing *nostr.Event) bool {
		if existing.Kind != evt.Kind || existing.PubKey != evt.PubKey {
			return false
		}
		d, _ := event.DTag(existing)
		return d == dTag
	})
}

func (s *Store) replace(_ context.Context, evt *nostr.Event, sameKey func(*nostr.Event) bool) (bool, error) {
	// Phase 1: read current versions of the logical object
	s.mu.RLock()
	var superseded []string
	wins := true
	for id, existing := range s.events {
		if !sameKey(existing) {
			continue
		}
		if existing.ID == evt.ID {
			// Resubmission of the stored latest is an idempotent no-op
			s.mu.RUnlock()
			return false, nil
		}
		if event.Wins(evt, existing) {
			superseded = append(superseded, id)
		} else {
			wins = false
		}
	}
	s.mu.RUnlock()

	if !wins {
		return false, nil
	}

	// Phase 2: delete superseded rows and insert the winner
	s.mu.Lock()
	for _, id := range superseded {
		delete(s.events, id)
	}
	s.events[evt.ID] = evt
	s.mu.Unlock()
	return true, nil
}

// DeleteByReference removes referenced events owned by the deletion's author
func (s *Store) DeleteByReference(_ context.Context, deletion *nostr.Event) (int, error) {
	ids := event.ReferencedIDs(deletion)
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		target, ok := s.events[id]
		if !ok {
			continue
		}
		if target.PubKey != deletion.PubKey {
			continue
		}
		if event.Classify(target.Kind) == event.ClassDeletion {
			continue
		}
		delete(s.events, id)
		removed++
	}
	return removed, nil
}

// QueryEvents returns events matching the filter, newest first
func (s *Store) QueryEvents(_ context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	s.mu.RLock()
	var results []*nostr.Event
	if len(f.IDs) > 0 && onlyIDs(f) {
		// Point-lookup path: no scan
		for _, id := range f.IDs {
			if evt, ok := s.events[id]; ok {
				results = append(results, evt)
			}
		}
	} else {
		for _, evt := range s.events {
			if filter.Matches(&f, evt) {
				results = append(results, evt)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func onlyIDs(f nostr.Filter) bool {
	return len(f.Authors) == 0 && len(f.Kinds) == 0 && len(f.Tags) == 0 &&
		f.Since == nil && f.Until == nil
}

// PutSubscriptions records or replaces a subscription binding
func (s *Store) PutSubscriptions(_ context.Context, connID, subID string, filters nostr.Filters) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs[connID] == nil {
		s.subs[connID] = make(map[string]nostr.Filters)
	}
	s.subs[connID][subID] = filters
	return nil
}

// DropSubscription removes one subscription binding
func (s *Store) DropSubscription(_ context.Context, connID, subID string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if m, ok := s.subs[connID]; ok {
		delete(m, subID)
		if len(m) == 0 {
			delete(s.subs, connID)
		}
	}
	return nil
}

// DropConnection removes all subscription state for a connection
func (s *Store) DropConnection(_ context.Context, connID string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, connID)
	return nil
}

// PruneStale removes subscription state for dead connection ids
func (s *Store) PruneStale(_ context.Context, live func(string) bool, limit int) (int, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	pruned := 0
	visited := 0
	for connID := range s.subs {
		if visited >= limit {
			break
		}
		visited++
		if !live(connID) {
			delete(s.subs, connID)
			pruned++
		}
	}
	return pruned, nil
}

// ClearSubscriptions removes all persisted subscription state
func (s *Store) ClearSubscriptions(_ context.Context) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = make(map[string]map[string]nostr.Filters)
	return nil
}

// SetMaintenance records the maintenance flag
func (s *Store) SetMaintenance(_ context.Context, enabled bool) error {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()
	s.maintenance = enabled
	return nil
}

// Maintenance reads the maintenance flag
func (s *Store) Maintenance(_ context.Context) (bool, error) {
	s.maintMu.RLock()
	defer s.maintMu.RUnlock()
	return s.maintenance, nil
}

// Close releases nothing for the in-memory store
func (s *Store) Close() {}

// Len returns the number of stored events, for tests
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
