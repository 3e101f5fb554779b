package server

import (
	"context"
	"time"

	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

type SearchProfilesInput struct {
	Query string `json:"query"`

	// Limit bounds the ranked results, 1..50. Zero selects the default of 7.
	Limit int `json:"limit,omitempty"`

	// ExtendToNostr forces a relay search even when the local store has
	// matches.
	ExtendToNostr bool `json:"extendToNostr,omitempty"`
}

type SearchProfilesOutput struct {
	Results      []scorer.SearchResult `json:"results"`
	TotalFound   int                   `json:"totalFound"`
	SearchTimeMs int64                 `json:"searchTimeMs"`
}

func (s *Server) registerSearchProfilesTool() error {
	return registerTool(s, "search_profiles", `
		Search Nostr profiles by name, display name, or NIP-05 identifier and
		rank the matches by their personalized trust score, highest first.
		Searches the local metadata store first and extends to the relays when
		asked or when nothing matches locally.
	`, s.handleSearchProfiles)
}

func (s *Server) handleSearchProfiles(ctx context.Context, in SearchProfilesInput) (SearchProfilesOutput, error) {
	startTime := time.Now()

	resp, err := s.cfg.Scorer.Search(ctx, scorer.SearchRequest{
		Query:         in.Query,
		Limit:         in.Limit,
		ExtendToNostr: in.ExtendToNostr,
	})
	if err != nil {
		return SearchProfilesOutput{}, err
	}

	return SearchProfilesOutput{
		Results:      resp.Results,
		TotalFound:   resp.TotalFound,
		SearchTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}
