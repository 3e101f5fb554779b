package scorer_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

func seedMetadata(t *testing.T, env *testEnv, md *datastore.Metadata) {
	t.Helper()
	require.NoError(t, env.store.SetMetadata(md, 0))
}

func TestScorer_SearchRanksByScore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedMetadata(t, env, &datastore.Metadata{Pubkey: pk(3), Name: "alice the third"})
	seedMetadata(t, env, &datastore.Metadata{Pubkey: pk(2), Name: "alice"})

	resp, err := env.svc.Search(t.Context(), scorer.SearchRequest{Query: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.TotalFound)
	require.Len(t, resp.Results, 2)

	// pk(2) is a mutual follow at distance 1 (0.65); pk(3) sits at distance 2
	// with no validated profile (0.45).
	assert.Equal(t, pk(2), resp.Results[0].Pubkey)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.InDelta(t, 0.65, resp.Results[0].TrustScore.Score, 1e-9)
	assert.True(t, resp.Results[0].ExactMatch)

	assert.Equal(t, pk(3), resp.Results[1].Pubkey)
	assert.Equal(t, 2, resp.Results[1].Rank)
	assert.InDelta(t, 0.45, resp.Results[1].TrustScore.Score, 1e-9)
	assert.False(t, resp.Results[1].ExactMatch)
}

func TestScorer_SearchLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedMetadata(t, env, &datastore.Metadata{Pubkey: pk(2), Name: "alice"})
	seedMetadata(t, env, &datastore.Metadata{Pubkey: pk(3), Name: "alice the third"})

	resp, err := env.svc.Search(t.Context(), scorer.SearchRequest{Query: "alice", Limit: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.TotalFound, "total counts matches beyond the limit")
	require.Len(t, resp.Results, 1)
	assert.Equal(t, pk(2), resp.Results[0].Pubkey)
}

func TestScorer_SearchInvalidRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.svc.Search(t.Context(), scorer.SearchRequest{Query: "   "})
	require.ErrorIs(t, err, scorer.ErrInvalidRequest)

	_, err = env.svc.Search(t.Context(), scorer.SearchRequest{Query: strings.Repeat("q", scorer.MaxQueryLength+1)})
	require.ErrorIs(t, err, scorer.ErrInvalidRequest)

	_, err = env.svc.Search(t.Context(), scorer.SearchRequest{Query: "alice", Limit: scorer.MaxSearchLimit + 1})
	require.ErrorIs(t, err, scorer.ErrInvalidRequest)
}

func TestScorer_SearchExtendsToRelays(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.searcher.events = []*nostr.Event{{
		PubKey:    pk(2),
		Kind:      0,
		CreatedAt: nostr.Timestamp(1690000000),
		Content:   `{"name":"bob","nip05":"bob@example.com"}`,
	}}

	// Nothing local, so the relay search kicks in without being asked.
	resp, err := env.svc.Search(t.Context(), scorer.SearchRequest{Query: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.searcher.callCount())
	require.Len(t, resp.Results, 1)
	assert.Equal(t, pk(2), resp.Results[0].Pubkey)
	assert.True(t, resp.Results[0].ExactMatch, "relay hit metadata is persisted before matching")

	// The candidate list is cached; the repeat query stays local.
	resp, err = env.svc.Search(t.Context(), scorer.SearchRequest{Query: "bob"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 1, env.searcher.callCount())

	// ExtendToNostr forces another relay pass despite the cache.
	_, err = env.svc.Search(t.Context(), scorer.SearchRequest{Query: "bob", ExtendToNostr: true})
	require.NoError(t, err)
	assert.Equal(t, 2, env.searcher.callCount())
}

func TestScorer_SearchNoMatches(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.searcher.err = errors.New("relays unreachable")

	resp, err := env.svc.Search(t.Context(), scorer.SearchRequest{Query: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalFound)
}
