package assertions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ContextVM/relatr-sub002/internal/assertions"
	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

var defaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol"}

func pk(i int) string {
	return fmt.Sprintf("%064x", i)
}

func newStore(t *testing.T, clock clockwork.Clock) *datastore.Store {
	t.Helper()
	store, err := datastore.New(datastore.Config{Logger: logger, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManager(t *testing.T, store *datastore.Store, clock clockwork.Clock) *assertions.Manager {
	t.Helper()
	m, err := assertions.NewManager(assertions.ManagerConfig{
		Logger:        logger,
		Store:         store,
		DefaultRelays: defaultRelays,
		Clock:         clock,
	})
	require.NoError(t, err)
	return m
}

func TestManager_DefaultState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	m := newManager(t, newStore(t, clock), clock)

	state, err := m.Get()
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.Equal(t, defaultRelays, state.Relays)
}

func TestManager_EnableDisable(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := newStore(t, clock)
	m := newManager(t, store, clock)

	state, err := m.Enable(nil)
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Equal(t, defaultRelays, state.Relays)
	assert.Equal(t, int64(1700000000), state.UpdatedAt)

	// Custom relays replace the list and survive a disable.
	state, err = m.Enable([]string{"wss://publish.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://publish.example.com"}, state.Relays)

	state, err = m.Disable()
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.Equal(t, []string{"wss://publish.example.com"}, state.Relays)

	// State is persisted, not process-local.
	m2 := newManager(t, store, clock)
	state, err = m2.Get()
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.Equal(t, []string{"wss://publish.example.com"}, state.Relays)
}

func TestManager_EnableRejectsBadRelays(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	m := newManager(t, newStore(t, clock), clock)

	_, err := m.Enable([]string{"https://not-a-relay.example.com"})
	require.Error(t, err)

	_, err = m.Enable([]string{"  ", ""})
	require.Error(t, err)

	state, err := m.Get()
	require.NoError(t, err)
	assert.False(t, state.Enabled, "failed enables must not flip the switch")
}

type mockScorer struct {
	mu     sync.Mutex
	calls  []string
	scores map[string]float64
	err    error
}

func (m *mockScorer) Calculate(_ context.Context, req scorer.Request) (*scorer.TrustScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req.Target)
	if m.err != nil {
		return nil, m.err
	}
	return &scorer.TrustScore{
		SourcePubkey: pk(1),
		TargetPubkey: req.Target,
		Score:        m.scores[req.Target],
	}, nil
}

type mockEventPublisher struct {
	mu     sync.Mutex
	events []nostr.Event
	relays [][]string
	err    error
}

func (m *mockEventPublisher) Publish(_ context.Context, ev nostr.Event, relayURLs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	m.relays = append(m.relays, relayURLs)
	return nil
}

func (m *mockEventPublisher) published() []nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nostr.Event(nil), m.events...)
}

type publisherEnv struct {
	pub     *assertions.Publisher
	manager *assertions.Manager
	store   *datastore.Store
	scorer  *mockScorer
	relays  *mockEventPublisher
	clock   *clockwork.FakeClock
	secret  string
}

func newPublisherEnv(t *testing.T) *publisherEnv {
	t.Helper()

	env := &publisherEnv{
		clock:  clockwork.NewFakeClockAt(time.Unix(1700000000, 0)),
		scorer: &mockScorer{scores: map[string]float64{}},
		relays: &mockEventPublisher{},
		secret: nostr.GeneratePrivateKey(),
	}
	env.store = newStore(t, env.clock)
	env.manager = newManager(t, env.store, env.clock)

	pub, err := assertions.NewPublisher(assertions.PublisherConfig{
		Logger:          logger,
		Clock:           env.clock,
		Manager:         env.manager,
		Store:           env.store,
		Scorer:          env.scorer,
		Relays:          env.relays,
		SecretKey:       env.secret,
		MaxPublishTries: 1,
	})
	require.NoError(t, err)
	env.pub = pub
	return env
}

func (env *publisherEnv) seedMetrics(t *testing.T, target string) {
	t.Helper()
	require.NoError(t, env.store.SetMetrics(&datastore.ProfileMetrics{
		Pubkey:       target,
		SourcePubkey: pk(1),
		Metrics:      map[string]float64{"reciprocity": 1},
	}, 0))
}

func TestPublisher_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	env := newPublisherEnv(t)
	env.seedMetrics(t, pk(2))

	published, err := env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Empty(t, env.relays.published())
}

func TestPublisher_PublishesSignedAssertions(t *testing.T) {
	t.Parallel()

	env := newPublisherEnv(t)
	_, err := env.manager.Enable([]string{"wss://publish.example.com"})
	require.NoError(t, err)

	env.scorer.scores[pk(2)] = 0.65
	env.seedMetrics(t, pk(2))

	published, err := env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, published)

	events := env.relays.published()
	require.Len(t, events, 1)
	ev := events[0]

	assert.Equal(t, assertions.KindTrustedAssertion, ev.Kind)
	assert.Equal(t, nostr.Timestamp(1700000000), ev.CreatedAt)
	require.NotNil(t, ev.Tags.GetFirst([]string{"d"}))
	assert.Equal(t, pk(2), ev.Tags.GetFirst([]string{"d"}).Value())
	require.NotNil(t, ev.Tags.GetFirst([]string{"rank"}))
	assert.Equal(t, "65", ev.Tags.GetFirst([]string{"rank"}).Value())

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, [][]string{{"wss://publish.example.com"}}, env.relays.relays)
}

func TestPublisher_SkipsAlreadyPublished(t *testing.T) {
	t.Parallel()

	env := newPublisherEnv(t)
	_, err := env.manager.Enable(nil)
	require.NoError(t, err)

	env.scorer.scores[pk(2)] = 0.5
	env.seedMetrics(t, pk(2))

	published, err := env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	// Nothing new since the first pass.
	env.clock.Advance(time.Minute)
	published, err = env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, published)

	// A fresh computation is picked up by the next pass.
	env.clock.Advance(time.Minute)
	env.seedMetrics(t, pk(3))
	published, err = env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	require.Len(t, env.relays.published(), 2)
	assert.Equal(t, pk(3), env.relays.published()[1].Tags.GetFirst([]string{"d"}).Value())
}

func TestPublisher_ScoringFailureSkipsEntry(t *testing.T) {
	t.Parallel()

	env := newPublisherEnv(t)
	_, err := env.manager.Enable(nil)
	require.NoError(t, err)

	env.scorer.err = errors.New("graph not initialized")
	env.seedMetrics(t, pk(2))

	published, err := env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestPublisher_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	env := newPublisherEnv(t)
	_, err := env.manager.Enable(nil)
	require.NoError(t, err)

	env.scorer.scores[pk(2)] = 0.5
	env.relays.err = errors.New("all relays down")
	env.seedMetrics(t, pk(2))

	published, err := env.pub.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, assertions.Rank(0))
	assert.Equal(t, 65, assertions.Rank(0.65))
	assert.Equal(t, 100, assertions.Rank(1))
	assert.Equal(t, 33, assertions.Rank(0.333))
}
