// Package session holds the per-connection mutable state: the authentication
// challenge state machine, the set of authorized pubkeys, and the
// subscription registry. A Session is owned exclusively by its connection's
// handling goroutine and passed by reference into each dispatch; the
// broadcast engine only reads it through the snapshot accessors.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/config"
	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/event"
	"github.com/c360/nostrelay/filter"
)

// AuthSession is the outstanding (or most recently satisfied) authentication
// challenge. Superseded wholesale on re-issue.
type AuthSession struct {
	Challenge    string
	ChallengedAt time.Time
}

// Session is the mutable state attached to one connection
type Session struct {
	// ID is the opaque connection id
	ID string
	// Remote is the client network address
	Remote string
	// RelayURL is the canonical URL auth challenges are bound to
	RelayURL string

	limits config.Limits

	mu      sync.RWMutex
	auth    *AuthSession
	pubkeys map[string]struct{}
	subs    map[string]nostr.Filters
}

// New creates a session for a freshly accepted connection
func New(id, remote, relayURL string, limits config.Limits) *Session {
	return &Session{
		ID:       id,
		Remote:   remote,
		RelayURL: relayURL,
		limits:   limits,
		pubkeys:  make(map[string]struct{}),
		subs:     make(map[string]nostr.Filters),
	}
}

// IssueChallenge creates a fresh unguessable challenge, superseding any
// outstanding one, and returns it for delivery to the client.
func (s *Session) IssueChallenge() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// a time-derived fallback keeps the connection usable.
		return fmt.Sprintf("challenge-%d", time.Now().UnixNano())
	}
	challenge := hex.EncodeToString(b)

	s.mu.Lock()
	s.auth = &AuthSession{Challenge: challenge, ChallengedAt: time.Now()}
	s.mu.Unlock()
	return challenge
}

// VerifyAuth validates an auth event against the outstanding challenge and,
// on success, adds its pubkey to the authorized set. Re-auth with an already
// authorized pubkey is acknowledged as a harmless duplicate. A successful or
// failed verification never revokes previously authorized pubkeys.
func (s *Session) VerifyAuth(evt *nostr.Event, now time.Time) error {
	if evt.Kind != nostr.KindClientAuthentication {
		return errors.WrapInvalid(errors.ErrWrongAuthKind, "Session", "VerifyAuth",
			fmt.Sprintf("kind %d is not an auth event", evt.Kind))
	}
	if err := event.Validate(evt); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth == nil {
		return errors.WrapInvalid(errors.ErrChallengeMismatch, "Session", "VerifyAuth",
			"no challenge outstanding")
	}
	if now.Sub(s.auth.ChallengedAt) > s.limits.AuthTimeout {
		return errors.WrapInvalid(errors.ErrChallengeExpired, "Session", "VerifyAuth",
			"challenge expired, request a new one")
	}
	if tagValue(evt, "challenge") != s.auth.Challenge {
		return errors.WrapInvalid(errors.ErrChallengeMismatch, "Session", "VerifyAuth",
			"echoed challenge does not match")
	}
	if !SameRelayURL(tagValue(evt, "relay"), s.RelayURL) {
		return errors.WrapInvalid(errors.ErrRelayURLMismatch, "Session", "VerifyAuth",
			"auth event is bound to a different relay")
	}

	if _, already := s.pubkeys[evt.PubKey]; already {
		// Idempotent: duplicate authorization is a harmless success
		return nil
	}
	if len(s.pubkeys) >= s.limits.MaxAuthPubkeys {
		// Reject without mutating state
		return errors.WrapInvalid(errors.ErrTooManyAuthKeys, "Session", "VerifyAuth",
			fmt.Sprintf("connection already has %d authenticated pubkeys", len(s.pubkeys)))
	}
	s.pubkeys[evt.PubKey] = struct{}{}
	return nil
}

// Authorized reports whether pubkey has authenticated on this connection
func (s *Session) Authorized(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pubkeys[pubkey]
	return ok
}

// AuthorizedCount returns the number of distinct authenticated pubkeys
func (s *Session) AuthorizedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pubkeys)
}

// AddSubscription registers or replaces the (id -> filters) binding after
// enforcing the subscription-id length bound, the per-request filter count
// bound, the structural filter-support check, and the total subscription
// bound. A rejected registration never evicts existing subscriptions.
func (s *Session) AddSubscription(subID string, filters nostr.Filters) error {
	if len(subID) == 0 || len(subID) > s.limits.MaxSubIDLength {
		return errors.WrapInvalid(errors.ErrSubIDTooLong, "Session", "AddSubscription",
			fmt.Sprintf("subscription id length must be 1-%d", s.limits.MaxSubIDLength))
	}
	if len(filters) == 0 {
		return errors.WrapInvalid(errors.ErrUnsupportedFilter, "Session", "AddSubscription",
			"subscription carries no filters")
	}
	if len(filters) > s.limits.MaxFilters {
		return errors.WrapInvalid(errors.ErrTooManyFilters, "Session", "AddSubscription",
			fmt.Sprintf("too many filters (max %d)", s.limits.MaxFilters))
	}
	for i := range filters {
		if err := filter.Supported(&filters[i]); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, replacing := s.subs[subID]
	if !replacing && len(s.subs) >= s.limits.MaxSubscriptions {
		return errors.WrapInvalid(errors.ErrTooManySubscriptions, "Session", "AddSubscription",
			fmt.Sprintf("too many subscriptions (max %d)", s.limits.MaxSubscriptions))
	}
	s.subs[subID] = filters
	return nil
}

// RemoveSubscription drops a subscription binding; unknown ids are ignored
func (s *Session) RemoveSubscription(subID string) {
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
}

// Subscriptions returns a snapshot of the current (id -> filters) bindings
func (s *Session) Subscriptions() map[string]nostr.Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]nostr.Filters, len(s.subs))
	for id, f := range s.subs {
		snapshot[id] = f
	}
	return snapshot
}

// SubscriptionCount returns the number of active subscriptions
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func tagValue(evt *nostr.Event, name string) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
