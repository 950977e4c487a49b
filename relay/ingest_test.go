package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nostrelay/config"
	"github.com/c360/nostrelay/session"
	"github.com/c360/nostrelay/storage/memory"
)

type ingestFixture struct {
	server *Server
	store  *memory.Store
	sess   *session.Session
}

func newIngestFixture(t *testing.T, mutate func(*config.Config)) *ingestFixture {
	t.Helper()
	cfg := config.Default()
	cfg.RelayURL = "wss://relay.test"
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New(cfg.Limits.DefaultQueryLimit, cfg.Limits.MaxLimit)
	server, err := NewServer(Options{Config: cfg, Store: store})
	require.NoError(t, err)

	return &ingestFixture{
		server: server,
		store:  store,
		sess:   session.New("conn1", "127.0.0.1", cfg.RelayURL, cfg.Limits),
	}
}

func signed(t *testing.T, sk string, kind int, createdAt nostr.Timestamp, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Content:   content,
		Tags:      tags,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func (f *ingestFixture) authenticate(t *testing.T, sk string) {
	t.Helper()
	challenge := f.sess.IssueChallenge()
	auth := signed(t, sk, nostr.KindClientAuthentication, nostr.Now(), "", nostr.Tags{
		{"relay", f.sess.RelayURL},
		{"challenge", challenge},
	})
	require.NoError(t, f.sess.VerifyAuth(auth, time.Now()))
}

func TestIngest_RegularAccepted(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 1, 1000, "hello", nil)
	d := f.server.ingest(context.Background(), evt, f.sess)

	assert.True(t, d.OK)
	assert.Empty(t, d.Reason)
	assert.True(t, d.Broadcast)
	assert.Equal(t, 1, f.store.Len())
}

func TestIngest_InvalidSignature(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 1, 1000, "hello", nil)
	evt.Content = "tampered"
	d := f.server.ingest(context.Background(), evt, f.sess)

	assert.False(t, d.OK)
	assert.True(t, strings.HasPrefix(d.Reason, "invalid:"), d.Reason)
	assert.False(t, d.Broadcast)
	assert.Equal(t, 0, f.store.Len())
}

func TestIngest_Duplicate(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 1, 1000, "hello", nil)
	require.True(t, f.server.ingest(context.Background(), evt, f.sess).OK)

	d := f.server.ingest(context.Background(), evt, f.sess)
	assert.True(t, d.OK, "resubmission is a success")
	assert.True(t, strings.HasPrefix(d.Reason, "duplicate:"), d.Reason)
	assert.False(t, d.Broadcast)
	assert.Equal(t, 1, f.store.Len())
}

func TestIngest_ReplaceableLatestWins(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	newer := signed(t, sk, 0, 200, `{"name":"new"}`, nil)
	d := f.server.ingest(context.Background(), newer, f.sess)
	assert.True(t, d.OK)
	assert.True(t, d.Broadcast)

	older := signed(t, sk, 0, 100, `{"name":"old"}`, nil)
	d = f.server.ingest(context.Background(), older, f.sess)
	assert.True(t, d.OK, "losing version is a silent no-op success")
	assert.False(t, d.Broadcast)

	results, err := f.store.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, newer.ID, results[0].ID)
}

func TestIngest_AddressableRequiresDTag(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	missing := signed(t, sk, 30023, 1000, "article", nil)
	d := f.server.ingest(context.Background(), missing, f.sess)
	assert.False(t, d.OK)
	assert.True(t, strings.HasPrefix(d.Reason, "invalid:"), d.Reason)

	withTag := signed(t, sk, 30023, 1000, "article", nostr.Tags{{"d", "post-1"}})
	d = f.server.ingest(context.Background(), withTag, f.sess)
	assert.True(t, d.OK)
	assert.True(t, d.Broadcast)
}

func TestIngest_AddressableEmptyDTag(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 30000, 1000, "", nostr.Tags{{"d", ""}})
	d := f.server.ingest(context.Background(), evt, f.sess)
	assert.True(t, d.OK)
	assert.Equal(t, 1, f.store.Len())
}

func TestIngest_EphemeralNotPersisted(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 20001, 1000, "now or never", nil)
	d := f.server.ingest(context.Background(), evt, f.sess)

	assert.True(t, d.OK)
	assert.True(t, d.Broadcast)
	assert.Equal(t, 0, f.store.Len())
}

func TestIngest_DeletionRemovesOwnEvents(t *testing.T) {
	f := newIngestFixture(t, nil)
	sk := nostr.GeneratePrivateKey()

	target := signed(t, sk, 1, 1000, "delete me", nil)
	require.True(t, f.server.ingest(context.Background(), target, f.sess).OK)

	other := signed(t, nostr.GeneratePrivateKey(), 1, 1000, "not yours", nil)
	require.True(t, f.server.ingest(context.Background(), other, f.sess).OK)

	deletion := signed(t, sk, nostr.KindDeletion, 1100, "", nostr.Tags{
		{"e", target.ID},
		{"e", other.ID},
	})
	d := f.server.ingest(context.Background(), deletion, f.sess)
	assert.True(t, d.OK)
	assert.True(t, d.Broadcast)

	// Deletion persisted, own target gone, other author's event untouched
	assert.Equal(t, 2, f.store.Len())
	results, err := f.store.QueryEvents(context.Background(), nostr.Filter{IDs: []string{target.ID}})
	require.NoError(t, err)
	assert.Empty(t, results)
	results, err = f.store.QueryEvents(context.Background(), nostr.Filter{IDs: []string{other.ID}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIngest_AuthRequiredGate(t *testing.T) {
	f := newIngestFixture(t, func(c *config.Config) {
		c.Limits.AuthRequired = true
	})
	sk := nostr.GeneratePrivateKey()

	evt := signed(t, sk, 1, 1000, "hello", nil)
	d := f.server.ingest(context.Background(), evt, f.sess)

	assert.False(t, d.OK)
	assert.True(t, d.NeedAuth)
	assert.True(t, strings.HasPrefix(d.Reason, "auth-required:"), d.Reason)
	assert.Equal(t, 0, f.store.Len())

	f.authenticate(t, sk)
	d = f.server.ingest(context.Background(), evt, f.sess)
	assert.True(t, d.OK)
	assert.Equal(t, 1, f.store.Len())
}

func TestIngest_ProtectedEvent(t *testing.T) {
	f := newIngestFixture(t, nil)
	author := nostr.GeneratePrivateKey()

	evt := signed(t, author, 1, 1000, "authors only", nostr.Tags{{"-"}})
	d := f.server.ingest(context.Background(), evt, f.sess)

	assert.False(t, d.OK)
	assert.True(t, d.NeedAuth)
	assert.Contains(t, d.Reason, "protected")

	f.authenticate(t, author)
	d = f.server.ingest(context.Background(), evt, f.sess)
	assert.True(t, d.OK)
}

func TestIngest_ProtectedEventWrongAuthor(t *testing.T) {
	f := newIngestFixture(t, nil)
	author := nostr.GeneratePrivateKey()
	someoneElse := nostr.GeneratePrivateKey()

	// Authenticated, but not as the event's author
	f.authenticate(t, someoneElse)

	evt := signed(t, author, 1, 1000, "authors only", nostr.Tags{{"-"}})
	d := f.server.ingest(context.Background(), evt, f.sess)
	assert.False(t, d.OK)
	assert.True(t, d.NeedAuth)
}

func TestIngest_RestrictedWrites(t *testing.T) {
	registered := nostr.GeneratePrivateKey()
	registeredPub, err := nostr.GetPublicKey(registered)
	require.NoError(t, err)

	f := newIngestFixture(t, func(c *config.Config) {
		c.Limits.RestrictedWrites = true
		c.AllowedPubkeys = []string{registeredPub}
	})

	// Unauthenticated submitter is challenged first
	outsider := nostr.GeneratePrivateKey()
	evt := signed(t, outsider, 1, 1000, "hello", nil)
	d := f.server.ingest(context.Background(), evt, f.sess)
	assert.False(t, d.OK)
	assert.True(t, d.NeedAuth)
	assert.Contains(t, d.Reason, "registration")

	// Authenticated but unregistered is rejected outright
	f.authenticate(t, outsider)
	d = f.server.ingest(context.Background(), evt, f.sess)
	assert.False(t, d.OK)
	assert.False(t, d.NeedAuth)
	assert.True(t, strings.HasPrefix(d.Reason, "restricted:"), d.Reason)

	// Authenticated and registered goes through
	f.authenticate(t, registered)
	allowed := signed(t, registered, 1, 1000, "hello", nil)
	d = f.server.ingest(context.Background(), allowed, f.sess)
	assert.True(t, d.OK)
}
