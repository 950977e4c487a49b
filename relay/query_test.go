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
	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/storage/memory"
)

// failingQueryStore serves everything from memory except reads, which fail
// as an unreachable backend would.
type failingQueryStore struct {
	*memory.Store
}

func (s *failingQueryStore) QueryEvents(_ context.Context, _ nostr.Filter) ([]*nostr.Event, error) {
	return nil, errors.WrapTransient(errors.ErrStorageUnavailable,
		"PostgresStore", "QueryEvents", "execute query")
}

func TestServer_BackfillFailureClosesRequest(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.RelayURL = "ws://127.0.0.1"
	cfg.MetricsListen = ""

	store := &failingQueryStore{Store: memory.New(cfg.Limits.DefaultQueryLimit, cfg.Limits.MaxLimit)}
	server, err := NewServer(Options{Config: cfg, Store: store})
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = server.Stop(5 * time.Second)
	})

	conn := dialRelay(t, server)
	sendEnvelope(t, conn, &nostr.ReqEnvelope{
		SubscriptionID: "sub1",
		Filters:        nostr.Filters{{Kinds: []int{1}}},
	})

	closed, isClosed := readEnvelope(t, conn).(*nostr.ClosedEnvelope)
	require.True(t, isClosed, "a failed backfill yields CLOSED, not EOSE")
	assert.Equal(t, "sub1", closed.SubscriptionID)
	assert.True(t, strings.HasPrefix(closed.Reason, "error:"), closed.Reason)

	// The failed registration is rolled back on the session too
	assert.Equal(t, 0, server.snapshotConns()[0].session.SubscriptionCount())
}
