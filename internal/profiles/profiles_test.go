package profiles

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
)

type mockMetadataFetcher struct {
	mu    sync.Mutex
	calls int

	FetchMetadataFunc func(ctx context.Context, pubkey string) (*nostr.Event, error)
}

func (m *mockMetadataFetcher) FetchMetadata(ctx context.Context, pubkey string) (*nostr.Event, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.FetchMetadataFunc(ctx, pubkey)
}

func (m *mockMetadataFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	s, err := datastore.New(datastore.Config{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestProvider(t *testing.T, fetcher MetadataFetcher) (*Provider, *datastore.Store) {
	t.Helper()
	store := newTestStore(t)
	p, err := New(Config{
		Logger:  logger,
		Store:   store,
		Fetcher: fetcher,
	})
	require.NoError(t, err)
	return p, store
}

func profileEvent(pubkey, content string) *nostr.Event {
	return &nostr.Event{
		PubKey:    pubkey,
		Kind:      0,
		CreatedAt: nostr.Timestamp(1700000000),
		Content:   content,
	}
}

func TestProfiles_ConfigValidate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	fetcher := &mockMetadataFetcher{}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing logger",
			modify:  func(c *Config) { c.Logger = nil },
			wantErr: "logger is required",
		},
		{
			name:    "missing store",
			modify:  func(c *Config) { c.Store = nil },
			wantErr: "store is required",
		},
		{
			name:    "missing fetcher",
			modify:  func(c *Config) { c.Fetcher = nil },
			wantErr: "fetcher is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Logger: logger, Store: store, Fetcher: fetcher}
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultHotCacheTTL, cfg.HotCacheTTL)
		})
	}
}

func TestProfiles_GetFetchesAndCaches(t *testing.T) {
	t.Parallel()

	fetcher := &mockMetadataFetcher{
		FetchMetadataFunc: func(ctx context.Context, pubkey string) (*nostr.Event, error) {
			return profileEvent(pubkey, `{"name":"alice","nip05":"alice@example.com","lud16":"alice@wallet.com"}`), nil
		},
	}
	p, store := newTestProvider(t, fetcher)

	md, err := p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "alice", md.Name)
	assert.Equal(t, "alice@example.com", md.Nip05)
	assert.Equal(t, "alice@wallet.com", md.Lud16)
	assert.Equal(t, int64(1700000000), md.EventCreatedAt)

	// The relay result lands in the datastore.
	stored, err := store.GetMetadata("aa11")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alice", stored.Name)

	// The second read is served from the hot cache.
	md, err = p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestProfiles_GetPrefersStore(t *testing.T) {
	t.Parallel()

	fetcher := &mockMetadataFetcher{
		FetchMetadataFunc: func(ctx context.Context, pubkey string) (*nostr.Event, error) {
			return nil, errors.New("should not hit the network")
		},
	}
	p, store := newTestProvider(t, fetcher)

	require.NoError(t, store.SetMetadata(&datastore.Metadata{Pubkey: "aa11", Name: "warm"}, 0))

	md, err := p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "warm", md.Name)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestProfiles_GetNotFound(t *testing.T) {
	t.Parallel()

	fetcher := &mockMetadataFetcher{
		FetchMetadataFunc: func(ctx context.Context, pubkey string) (*nostr.Event, error) {
			return nil, nil
		},
	}
	p, _ := newTestProvider(t, fetcher)

	md, err := p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	assert.Nil(t, md)

	// Absence is not cached; the next read retries the relays.
	md, err = p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	assert.Nil(t, md)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestProfiles_GetFetchError(t *testing.T) {
	t.Parallel()

	fetcher := &mockMetadataFetcher{
		FetchMetadataFunc: func(ctx context.Context, pubkey string) (*nostr.Event, error) {
			return nil, errors.New("relay timeout")
		},
	}
	p, _ := newTestProvider(t, fetcher)

	_, err := p.Get(t.Context(), "aa11")
	require.ErrorContains(t, err, "relay timeout")
}

func TestProfiles_GetUnparseableContent(t *testing.T) {
	t.Parallel()

	fetcher := &mockMetadataFetcher{
		FetchMetadataFunc: func(ctx context.Context, pubkey string) (*nostr.Event, error) {
			return profileEvent(pubkey, `not json at all`), nil
		},
	}
	p, _ := newTestProvider(t, fetcher)

	md, err := p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestProfiles_RefreshBypassesCaches(t *testing.T) {
	t.Parallel()

	content := `{"name":"v1"}`
	var mu sync.Mutex
	fetcher := &mockMetadataFetcher{}
	fetcher.FetchMetadataFunc = func(ctx context.Context, pubkey string) (*nostr.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		return profileEvent(pubkey, content), nil
	}
	p, _ := newTestProvider(t, fetcher)

	md, err := p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "v1", md.Name)

	mu.Lock()
	content = `{"name":"v2"}`
	mu.Unlock()

	md, err = p.Refresh(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "v2", md.Name)
	assert.Equal(t, 2, fetcher.callCount())

	// The hot cache now serves the refreshed profile.
	md, err = p.Get(t.Context(), "aa11")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "v2", md.Name)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestProfiles_ParseEvent(t *testing.T) {
	t.Parallel()

	md, err := ParseEvent(&nostr.Event{
		PubKey:    "aa11",
		Kind:      0,
		CreatedAt: nostr.Timestamp(42),
		Content:   `{"name":"n","display_name":"dn","nip05":"id@x.com","lud16":"w@x.com","lud06":"lnurl1abc","about":"hi","picture":"https://x.com/p.png"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, &datastore.Metadata{
		Pubkey:         "aa11",
		Name:           "n",
		DisplayName:    "dn",
		Nip05:          "id@x.com",
		Lud16:          "w@x.com",
		Lud06:          "lnurl1abc",
		About:          "hi",
		Picture:        "https://x.com/p.png",
		EventCreatedAt: 42,
	}, md)

	_, err = ParseEvent(&nostr.Event{Kind: 1, Content: `{}`})
	require.ErrorContains(t, err, "unexpected event kind")
}

func TestProfiles_DisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", DisplayName(nil))
	assert.Equal(t, "", DisplayName(&datastore.Metadata{}))
	assert.Equal(t, "alice", DisplayName(&datastore.Metadata{Name: "alice"}))
	assert.Equal(t, "Alice", DisplayName(&datastore.Metadata{Name: "alice", DisplayName: "Alice"}))
}
