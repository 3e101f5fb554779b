package scorer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ContextVM/relatr-sub002/internal/profiles"
)

// ProfileSearcher runs a NIP-50 search over the relay pool and returns the
// newest kind-0 event per matching author.
type ProfileSearcher interface {
	SearchProfiles(ctx context.Context, query string, limit int) ([]*nostr.Event, error)
}

type SearchRequest struct {
	Query string

	// Limit bounds the ranked results, 1..MaxSearchLimit. Zero selects
	// DefaultSearchLimit.
	Limit int

	// ExtendToNostr forces a relay search even when the local store has
	// matches. A relay search also happens whenever local search finds
	// nothing.
	ExtendToNostr bool
}

type SearchResult struct {
	Pubkey     string      `json:"pubkey"`
	TrustScore *TrustScore `json:"trustScore"`
	Rank       int         `json:"rank"`
	ExactMatch bool        `json:"exactMatch,omitempty"`
}

type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	TotalFound int            `json:"totalFound"`
}

// Search finds profiles matching query, scores each from the default
// source's perspective, and ranks them by descending score.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	if len(query) > MaxQueryLength {
		return nil, fmt.Errorf("%w: query longer than %d characters", ErrInvalidRequest, MaxQueryLength)
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	if limit < 0 || limit > MaxSearchLimit {
		return nil, fmt.Errorf("%w: limit must be in 1..%d", ErrInvalidRequest, MaxSearchLimit)
	}

	candidates := s.searchCandidates(ctx, query, req.ExtendToNostr)
	if len(candidates) == 0 {
		return &SearchResponse{Results: []SearchResult{}}, nil
	}

	scored := make([]SearchResult, 0, len(candidates))
	for _, item := range s.CalculateBatch(ctx, candidates) {
		if item.Err != nil {
			s.log.Debug("scorer: search candidate skipped", "pubkey", item.Pubkey, "error", item.Err)
			continue
		}
		scored = append(scored, SearchResult{
			Pubkey:     item.Pubkey,
			TrustScore: item.Score,
			ExactMatch: s.exactMatch(item.Pubkey, query),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].TrustScore.Score != scored[j].TrustScore.Score {
			return scored[i].TrustScore.Score > scored[j].TrustScore.Score
		}
		return scored[i].Pubkey < scored[j].Pubkey
	})

	total := len(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	for i := range scored {
		scored[i].Rank = i + 1
	}

	return &SearchResponse{Results: scored, TotalFound: total}, nil
}

// searchCandidates gathers candidate pubkeys: the cached query result when
// fresh, else the local metadata store, extended to the relays when asked or
// when local search comes up empty. Relay hits are persisted for next time.
func (s *Service) searchCandidates(ctx context.Context, query string, extend bool) []string {
	if !extend {
		cached, err := s.cfg.Store.GetSearchResults(query)
		if err != nil {
			s.log.Warn("scorer: search cache read failed", "query", query, "error", err)
		} else if cached != nil {
			return cached
		}
	}

	seen := make(map[string]struct{})
	var candidates []string
	add := func(pk string) {
		if _, dup := seen[pk]; dup || len(candidates) >= MaxSearchLimit {
			return
		}
		seen[pk] = struct{}{}
		candidates = append(candidates, pk)
	}

	local, err := s.cfg.Store.SearchMetadata(query, MaxSearchLimit)
	if err != nil {
		s.log.Warn("scorer: local search failed", "query", query, "error", err)
	}
	for _, md := range local {
		add(md.Pubkey)
	}

	if (extend || len(candidates) == 0) && s.cfg.Searcher != nil {
		events, err := s.cfg.Searcher.SearchProfiles(ctx, query, MaxSearchLimit)
		if err != nil {
			s.log.Warn("scorer: relay search failed", "query", query, "error", err)
		}
		for _, ev := range events {
			md, err := profiles.ParseEvent(ev)
			if err != nil {
				s.log.Debug("scorer: skipping unparseable search hit", "error", err)
				continue
			}
			if err := s.cfg.Store.SetMetadata(md, 0); err != nil {
				s.log.Warn("scorer: search hit write failed", "pubkey", md.Pubkey, "error", err)
			}
			add(md.Pubkey)
		}
	}

	if len(candidates) > 0 {
		if err := s.cfg.Store.SetSearchResults(query, candidates, 0); err != nil {
			s.log.Warn("scorer: search cache write failed", "query", query, "error", err)
		}
	}
	return candidates
}

// exactMatch reports whether the profile's identity or name equals the query
// byte for byte.
func (s *Service) exactMatch(pk, query string) bool {
	md, err := s.cfg.Store.GetMetadata(pk)
	if err != nil || md == nil {
		return false
	}
	return md.Nip05 == query || md.Name == query
}
