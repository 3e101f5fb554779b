package validators

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nbd-wtf/go-nostr"
)

const DefaultRelayListCacheTTL = time.Hour

// RelayListFetcher retrieves the newest kind-10002 event for a pubkey, nil
// when no relay has one.
type RelayListFetcher interface {
	FetchRelayList(ctx context.Context, pubkey string) (*nostr.Event, error)
}

// RelayList scores 1.0 when the pubkey has published a NIP-65 relay list
// with at least one relay tag. Lookups are cached, absence included; fetch
// failures are not.
type RelayList struct {
	log     *slog.Logger
	fetcher RelayListFetcher
	ttl     time.Duration

	cache   *ttlcache.Cache[string, bool]
	cacheMu sync.RWMutex
}

func NewRelayList(log *slog.Logger, fetcher RelayListFetcher, ttl time.Duration) *RelayList {
	if ttl == 0 {
		ttl = DefaultRelayListCacheTTL
	}
	return &RelayList{
		log:     log,
		fetcher: fetcher,
		ttl:     ttl,
		cache:   ttlcache.New(ttlcache.WithTTL[string, bool](ttl)),
	}
}

func (v *RelayList) Name() string { return NameEventKind10002 }

func (v *RelayList) Validate(ctx context.Context, in Input) (float64, error) {
	if has, ok := v.cached(in.Pubkey); ok {
		return boolScore(has), nil
	}

	ev, err := v.fetcher.FetchRelayList(ctx, in.Pubkey)
	if err != nil {
		return 0, fmt.Errorf("fetch relay list for %s: %w", in.Pubkey, err)
	}
	has := hasRelayTags(ev)
	v.setCached(in.Pubkey, has)
	return boolScore(has), nil
}

func (v *RelayList) cached(pubkey string) (bool, bool) {
	v.cacheMu.RLock()
	defer v.cacheMu.RUnlock()
	item := v.cache.Get(pubkey)
	if item == nil {
		return false, false
	}
	return item.Value(), true
}

func (v *RelayList) setCached(pubkey string, has bool) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	v.cache.Set(pubkey, has, v.ttl)
}

func hasRelayTags(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "r" && tag[1] != "" {
			return true
		}
	}
	return false
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
