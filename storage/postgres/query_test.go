package postgres

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func testStore() *Store {
	return &Store{defaultLimit: 100, maxLimit: 500}
}

func TestBuildQuery_NoConstraints(t *testing.T) {
	sql, args := testStore().buildQuery(nostr.Filter{})
	assert.Equal(t,
		"SELECT id, pubkey, created_at, kind, tags, content, sig FROM events ORDER BY created_at DESC LIMIT $1",
		sql)
	assert.Equal(t, []any{100}, args)
}

func TestBuildQuery_IDsOnly(t *testing.T) {
	sql, args := testStore().buildQuery(nostr.Filter{IDs: []string{"aa", "bb"}})
	assert.Contains(t, sql, "id = ANY($1)")
	assert.NotContains(t, sql, "pubkey")
	require.Len(t, args, 2)
	assert.Equal(t, []string{"aa", "bb"}, args[0])
}

func TestBuildQuery_Conjunctive(t *testing.T) {
	f := nostr.Filter{
		Authors: []string{"ABCD"},
		Kinds:   []int{1, 7},
		Since:   ts(100),
		Until:   ts(200),
	}
	sql, args := testStore().buildQuery(f)

	assert.Contains(t, sql, "pubkey = ANY($1)")
	assert.Contains(t, sql, "kind = ANY($2)")
	assert.Contains(t, sql, "created_at >= $3")
	assert.Contains(t, sql, "created_at <= $4")
	assert.Contains(t, sql, " AND ")
	require.Len(t, args, 5)
	assert.Equal(t, []string{"abcd"}, args[0], "authors are lowercased")
	assert.Equal(t, int64(100), args[2])
	assert.Equal(t, int64(200), args[3])
}

func TestBuildQuery_TagPredicates(t *testing.T) {
	f := nostr.Filter{Tags: nostr.TagMap{"e": {"ABCDEF"}}}
	sql, args := testStore().buildQuery(f)

	assert.Contains(t, sql, "tag_values && $1")
	require.Len(t, args, 2)
	assert.Equal(t, []string{"e:abcdef"}, args[0], "reference values are hex-normalized")
}

func TestBuildQuery_TagValuesKeepCaseForPlainLetters(t *testing.T) {
	f := nostr.Filter{Tags: nostr.TagMap{"t": {"GoLang"}}}
	_, args := testStore().buildQuery(f)
	require.Len(t, args, 2)
	assert.Equal(t, []string{"t:GoLang"}, args[0])
}

func TestBuildQuery_LimitDefaultedAndCapped(t *testing.T) {
	s := testStore()

	_, args := s.buildQuery(nostr.Filter{})
	assert.Equal(t, 100, args[len(args)-1])

	_, args = s.buildQuery(nostr.Filter{Limit: 50})
	assert.Equal(t, 50, args[len(args)-1])

	_, args = s.buildQuery(nostr.Filter{Limit: 9999})
	assert.Equal(t, 500, args[len(args)-1])
}

func TestIndexedTagValues(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{
		{"e", "ABCDEF"},
		{"t", "golang"},
		{"d", "post-1"},
		{"x", "not-indexed"},
		{"emoji", "multi-letter"},
		{"-"},
	}}

	assert.Equal(t, []string{"e:abcdef", "t:golang", "d:post-1"}, indexedTagValues(evt))
}

func TestIndexedTagValues_Empty(t *testing.T) {
	values := indexedTagValues(&nostr.Event{})
	assert.NotNil(t, values)
	assert.Empty(t, values)
}

func TestInsertArgs_DTag(t *testing.T) {
	withD := &nostr.Event{ID: "aa", Tags: nostr.Tags{{"d", "post-1"}}}
	args, err := insertArgs(withD)
	require.NoError(t, err)
	assert.Equal(t, "post-1", args[7])

	emptyD := &nostr.Event{ID: "bb", Tags: nostr.Tags{{"d", ""}}}
	args, err = insertArgs(emptyD)
	require.NoError(t, err)
	assert.Equal(t, "", args[7], "empty d-tag value is stored, not NULL")

	noD := &nostr.Event{ID: "cc"}
	args, err = insertArgs(noD)
	require.NoError(t, err)
	assert.Nil(t, args[7], "missing d tag is stored as NULL")
}
