package session

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nostrelay/config"
	"github.com/c360/nostrelay/errors"
)

const relayURL = "wss://relay.example.com"

func newTestSession(limits config.Limits) *Session {
	return New("conn1", "127.0.0.1", relayURL, limits)
}

func authEvent(t *testing.T, sk, challenge, relay string) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"relay", relay},
			{"challenge", challenge},
		},
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestIssueChallenge_Unguessable(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	c1 := s.IssueChallenge()
	c2 := s.IssueChallenge()
	assert.NotEmpty(t, c1)
	assert.NotEqual(t, c1, c2)
}

func TestVerifyAuth_Success(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	evt := authEvent(t, sk, challenge, relayURL)

	require.NoError(t, s.VerifyAuth(evt, time.Now()))
	assert.True(t, s.Authorized(evt.PubKey))
	assert.Equal(t, 1, s.AuthorizedCount())
}

func TestVerifyAuth_NoOutstandingChallenge(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	evt := authEvent(t, sk, "whatever", relayURL)
	err := s.VerifyAuth(evt, time.Now())
	assert.ErrorIs(t, err, errors.ErrChallengeMismatch)
}

func TestVerifyAuth_WrongChallenge(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	s.IssueChallenge()
	evt := authEvent(t, sk, "guessed", relayURL)
	err := s.VerifyAuth(evt, time.Now())
	assert.ErrorIs(t, err, errors.ErrChallengeMismatch)
	assert.False(t, s.Authorized(evt.PubKey))
}

func TestVerifyAuth_ExpiredChallenge(t *testing.T) {
	limits := config.Default().Limits
	limits.AuthTimeout = 10 * time.Minute
	s := newTestSession(limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	evt := authEvent(t, sk, challenge, relayURL)

	// A correct challenge value arriving after the timeout is still rejected
	err := s.VerifyAuth(evt, time.Now().Add(11*time.Minute))
	assert.ErrorIs(t, err, errors.ErrChallengeExpired)
	assert.False(t, s.Authorized(evt.PubKey))
}

func TestVerifyAuth_WrongKind(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	evt := authEvent(t, sk, challenge, relayURL)
	evt.Kind = 1
	require.NoError(t, evt.Sign(sk))

	err := s.VerifyAuth(evt, time.Now())
	assert.ErrorIs(t, err, errors.ErrWrongAuthKind)
}

func TestVerifyAuth_WrongRelay(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	evt := authEvent(t, sk, challenge, "wss://other.example.com")
	err := s.VerifyAuth(evt, time.Now())
	assert.ErrorIs(t, err, errors.ErrRelayURLMismatch)
}

func TestVerifyAuth_EquivalentRelayURL(t *testing.T) {
	// https collapses to wss and default ports are stripped
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	evt := authEvent(t, sk, challenge, "https://RELAY.example.com:443/")
	require.NoError(t, s.VerifyAuth(evt, time.Now()))
	assert.True(t, s.Authorized(evt.PubKey))
}

func TestVerifyAuth_DuplicatePubkeyIdempotent(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	require.NoError(t, s.VerifyAuth(authEvent(t, sk, challenge, relayURL), time.Now()))

	challenge = s.IssueChallenge()
	require.NoError(t, s.VerifyAuth(authEvent(t, sk, challenge, relayURL), time.Now()))
	assert.Equal(t, 1, s.AuthorizedCount())
}

func TestVerifyAuth_PubkeyCap(t *testing.T) {
	limits := config.Default().Limits
	limits.MaxAuthPubkeys = 2
	s := newTestSession(limits)

	for i := 0; i < 2; i++ {
		challenge := s.IssueChallenge()
		require.NoError(t, s.VerifyAuth(authEvent(t, nostr.GeneratePrivateKey(), challenge, relayURL), time.Now()))
	}

	challenge := s.IssueChallenge()
	extra := authEvent(t, nostr.GeneratePrivateKey(), challenge, relayURL)
	err := s.VerifyAuth(extra, time.Now())
	assert.ErrorIs(t, err, errors.ErrTooManyAuthKeys)
	assert.Equal(t, 2, s.AuthorizedCount())
}

func TestVerifyAuth_FailureKeepsPriorAuthorizations(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	sk := nostr.GeneratePrivateKey()

	challenge := s.IssueChallenge()
	first := authEvent(t, sk, challenge, relayURL)
	require.NoError(t, s.VerifyAuth(first, time.Now()))

	s.IssueChallenge()
	bad := authEvent(t, nostr.GeneratePrivateKey(), "wrong", relayURL)
	assert.Error(t, s.VerifyAuth(bad, time.Now()))

	assert.True(t, s.Authorized(first.PubKey))
}

func TestAddSubscription_Caps(t *testing.T) {
	limits := config.Default().Limits
	limits.MaxSubscriptions = 2
	limits.MaxFilters = 2
	limits.MaxSubIDLength = 8
	s := newTestSession(limits)

	one := nostr.Filters{{Kinds: []int{1}}}

	require.NoError(t, s.AddSubscription("sub1", one))
	require.NoError(t, s.AddSubscription("sub2", one))

	err := s.AddSubscription("sub3", one)
	assert.ErrorIs(t, err, errors.ErrTooManySubscriptions)
	assert.Equal(t, 2, s.SubscriptionCount())

	// Replacement of an existing id is not a new registration
	require.NoError(t, s.AddSubscription("sub1", nostr.Filters{{Kinds: []int{0}}}))
	assert.Equal(t, 2, s.SubscriptionCount())

	err = s.AddSubscription("sub-id-too-long", one)
	assert.ErrorIs(t, err, errors.ErrSubIDTooLong)

	err = s.AddSubscription("sub4", nostr.Filters{{}, {}, {}})
	assert.ErrorIs(t, err, errors.ErrTooManyFilters)

	err = s.AddSubscription("sub5", nil)
	assert.ErrorIs(t, err, errors.ErrUnsupportedFilter)

	err = s.AddSubscription("sub6", nostr.Filters{{Tags: nostr.TagMap{"zz": {"v"}}}})
	assert.ErrorIs(t, err, errors.ErrUnsupportedFilter)
}

func TestRemoveSubscription(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	require.NoError(t, s.AddSubscription("sub1", nostr.Filters{{Kinds: []int{1}}}))

	s.RemoveSubscription("sub1")
	s.RemoveSubscription("unknown") // no-op
	assert.Equal(t, 0, s.SubscriptionCount())
}

func TestSubscriptions_Snapshot(t *testing.T) {
	s := newTestSession(config.Default().Limits)
	require.NoError(t, s.AddSubscription("sub1", nostr.Filters{{Kinds: []int{1}}}))

	snapshot := s.Subscriptions()
	s.RemoveSubscription("sub1")
	assert.Len(t, snapshot, 1)
}

func TestSameRelayURL(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "wss://r.example.com", "wss://r.example.com", true},
		{"https aliases wss", "https://r.example.com", "wss://r.example.com", true},
		{"http aliases ws", "http://r.example.com", "ws://r.example.com", true},
		{"case insensitive host", "wss://R.Example.COM", "wss://r.example.com", true},
		{"default wss port stripped", "wss://r.example.com:443", "wss://r.example.com", true},
		{"default ws port stripped", "ws://r.example.com:80", "ws://r.example.com", true},
		{"trailing slash stripped", "wss://r.example.com/", "wss://r.example.com", true},
		{"different host", "wss://a.example.com", "wss://b.example.com", false},
		{"different non-default port", "wss://r.example.com:8443", "wss://r.example.com", false},
		{"different path", "wss://r.example.com/a", "wss://r.example.com/b", false},
		{"unparseable", "not a url", "wss://r.example.com", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameRelayURL(tt.a, tt.b))
		})
	}
}
