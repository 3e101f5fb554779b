package graph_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ContextVM/relatr-sub002/internal/graph"
)

type mockContactFetcher struct {
	mu                    sync.Mutex
	calls                 [][]string
	FetchContactListsFunc func(ctx context.Context, authors []string) ([]*nostr.Event, error)
}

func (m *mockContactFetcher) FetchContactLists(ctx context.Context, authors []string) ([]*nostr.Event, error) {
	m.mu.Lock()
	m.calls = append(m.calls, authors)
	m.mu.Unlock()
	return m.FetchContactListsFunc(ctx, authors)
}

func (m *mockContactFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func contactList(author string, createdAt int64, targets ...string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(targets))
	for _, t := range targets {
		tags = append(tags, nostr.Tag{"p", t})
	}
	return &nostr.Event{
		PubKey:    author,
		Kind:      3,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
	}
}

func TestGraph_Syncer_Config_Validate(t *testing.T) {
	t.Parallel()

	valid := func() graph.SyncerConfig {
		return graph.SyncerConfig{
			Logger:  logger,
			Graph:   graph.New(logger),
			Fetcher: &mockContactFetcher{},
			Hops:    1,
		}
	}

	tests := []struct {
		name    string
		modify  func(*graph.SyncerConfig)
		wantErr bool
	}{
		{name: "valid", modify: func(c *graph.SyncerConfig) {}},
		{name: "zero hops allowed", modify: func(c *graph.SyncerConfig) { c.Hops = 0 }},
		{name: "missing logger", modify: func(c *graph.SyncerConfig) { c.Logger = nil }, wantErr: true},
		{name: "missing graph", modify: func(c *graph.SyncerConfig) { c.Graph = nil }, wantErr: true},
		{name: "missing fetcher", modify: func(c *graph.SyncerConfig) { c.Fetcher = nil }, wantErr: true},
		{name: "negative hops", modify: func(c *graph.SyncerConfig) { c.Hops = -1 }, wantErr: true},
		{name: "hops above cap", modify: func(c *graph.SyncerConfig) { c.Hops = 6 }, wantErr: true},
		{name: "negative batch size", modify: func(c *graph.SyncerConfig) { c.BatchSize = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.modify(&cfg)
			_, err := graph.NewSyncer(cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestGraph_Syncer_HopDepth(t *testing.T) {
	t.Parallel()

	root, a, b, c := pk(0), pk(1), pk(2), pk(3)
	lists := map[string]*nostr.Event{
		root: contactList(root, 100, a, b),
		a:    contactList(a, 100, c),
	}
	fetcher := &mockContactFetcher{
		FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
			var out []*nostr.Event
			for _, author := range authors {
				if ev, ok := lists[author]; ok {
					out = append(out, ev)
				}
			}
			return out, nil
		},
	}

	t.Run("one hop ingests only the root list", func(t *testing.T) {
		t.Parallel()

		g := newTestGraph(t, root)
		s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 1})
		require.NoError(t, err)
		require.NoError(t, s.Sync(context.Background()))

		d, err := g.Distance(a)
		require.NoError(t, err)
		assert.Equal(t, 1, d)

		d, err = g.Distance(c)
		require.NoError(t, err)
		assert.Equal(t, graph.Unreachable, d)
	})

	t.Run("two hops reach the contacts' contacts", func(t *testing.T) {
		t.Parallel()

		g := newTestGraph(t, root)
		s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 2})
		require.NoError(t, err)
		require.NoError(t, s.Sync(context.Background()))

		d, err := g.Distance(c)
		require.NoError(t, err)
		assert.Equal(t, 2, d)
	})

	t.Run("zero hops crawls nothing", func(t *testing.T) {
		t.Parallel()

		g := newTestGraph(t, root)
		local := &mockContactFetcher{FetchContactListsFunc: fetcher.FetchContactListsFunc}
		s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: local, Hops: 0})
		require.NoError(t, err)
		require.NoError(t, s.Sync(context.Background()))
		assert.Zero(t, local.callCount())
		assert.Equal(t, graph.Stats{}, g.Stats())
	})
}

func TestGraph_Syncer_NewestEventWins(t *testing.T) {
	t.Parallel()

	root, a, b := pk(0), pk(1), pk(2)

	t.Run("within one response", func(t *testing.T) {
		t.Parallel()

		g := newTestGraph(t, root)
		fetcher := &mockContactFetcher{
			FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
				return []*nostr.Event{
					contactList(root, 100, a),
					contactList(root, 200, b),
				}, nil
			},
		}
		s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 1})
		require.NoError(t, err)
		require.NoError(t, s.Sync(context.Background()))

		assert.False(t, g.DoesFollow(root, a))
		assert.True(t, g.DoesFollow(root, b))
	})

	t.Run("across syncs an older event is ignored", func(t *testing.T) {
		t.Parallel()

		g := newTestGraph(t, root)
		current := contactList(root, 200, b)
		fetcher := &mockContactFetcher{
			FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
				return []*nostr.Event{current}, nil
			},
		}
		s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 1})
		require.NoError(t, err)
		require.NoError(t, s.Sync(context.Background()))
		require.True(t, g.DoesFollow(root, b))

		// A lagging relay serves a stale version on the next sync.
		current = contactList(root, 100, a)
		require.NoError(t, s.Sync(context.Background()))
		assert.True(t, g.DoesFollow(root, b))
		assert.False(t, g.DoesFollow(root, a))
	})
}

func TestGraph_Syncer_Batches(t *testing.T) {
	t.Parallel()

	root := pk(0)
	var contacts []string
	for i := 1; i <= 120; i++ {
		contacts = append(contacts, pk(i))
	}

	g := newTestGraph(t, root)
	fetcher := &mockContactFetcher{
		FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
			if len(authors) == 1 && authors[0] == root {
				return []*nostr.Event{contactList(root, 100, contacts...)}, nil
			}
			return nil, nil
		},
	}
	s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 2, BatchSize: 50})
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background()))

	// 1 call for the root, then 120 contacts in batches of 50.
	assert.Equal(t, 4, fetcher.callCount())
	for _, call := range fetcher.calls {
		assert.LessOrEqual(t, len(call), 50)
	}
}

func TestGraph_Syncer_FetchFailureContinues(t *testing.T) {
	t.Parallel()

	root, a, b, c := pk(0), pk(1), pk(2), pk(3)

	g := newTestGraph(t, root)
	fetcher := &mockContactFetcher{
		FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
			switch authors[0] {
			case root:
				return []*nostr.Event{contactList(root, 100, a, b)}, nil
			case a:
				return nil, errors.New("relay unreachable")
			default:
				return []*nostr.Event{contactList(b, 100, c)}, nil
			}
		},
	}
	s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 2, BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background()))

	assert.True(t, g.DoesFollow(b, c), "batches after a failed one must still be ingested")
}

func TestGraph_Syncer_Cancellation(t *testing.T) {
	t.Parallel()

	root := pk(0)
	g := newTestGraph(t, root)
	fetcher := &mockContactFetcher{
		FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
			return nil, nil
		},
	}
	s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: g, Fetcher: fetcher, Hops: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Sync(ctx), context.Canceled)
}

func TestGraph_Syncer_Uninitialized(t *testing.T) {
	t.Parallel()

	fetcher := &mockContactFetcher{
		FetchContactListsFunc: func(ctx context.Context, authors []string) ([]*nostr.Event, error) {
			return nil, nil
		},
	}
	s, err := graph.NewSyncer(graph.SyncerConfig{Logger: logger, Graph: graph.New(logger), Fetcher: fetcher, Hops: 1})
	require.NoError(t, err)
	require.ErrorIs(t, s.Sync(context.Background()), graph.ErrNotInitialized)
}

func TestGraph_ContactsFromEvent(t *testing.T) {
	t.Parallel()

	ev := &nostr.Event{
		Kind: 3,
		Tags: nostr.Tags{
			{"p", pk(1)},
			{"p", "NOT-A-PUBKEY"},
			{"e", pk(2)},
			{"p"},
			{"p", "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"},
		},
	}

	got := graph.ContactsFromEvent(ev)
	assert.Equal(t, []string{
		pk(1),
		"7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e",
	}, got)
}
