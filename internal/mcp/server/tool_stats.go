package server

import (
	"context"
	"time"

	"github.com/ContextVM/relatr-sub002/internal/graph"
)

type StatsInput struct{}

type TableStats struct {
	TotalEntries int64 `json:"totalEntries"`
}

type DatabaseStats struct {
	Metrics  TableStats `json:"metrics"`
	Metadata TableStats `json:"metadata"`
}

type SocialGraphStats struct {
	Stats      graph.Stats `json:"stats"`
	RootPubkey string      `json:"rootPubkey"`
}

type CacheCounters struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hitRate"`
}

type StatsOutput struct {
	Timestamp    string           `json:"timestamp"`
	SourcePubkey string           `json:"sourcePubkey"`
	Database     DatabaseStats    `json:"database"`
	SocialGraph  SocialGraphStats `json:"socialGraph"`
	Cache        CacheCounters    `json:"cache"`
}

func (s *Server) registerStatsTool() error {
	return registerTool(s, "stats", `
		Report service health counters: cached metric and metadata row counts,
		cache hit rate, the social graph's size, and its current root pubkey.
	`, s.handleStats)
}

func (s *Server) handleStats(_ context.Context, _ StatsInput) (StatsOutput, error) {
	stats, err := s.cfg.Scorer.StatsSnapshot()
	if err != nil {
		return StatsOutput{}, err
	}

	return StatsOutput{
		Timestamp:    stats.Timestamp.Format(time.RFC3339),
		SourcePubkey: stats.SourcePubkey,
		Database: DatabaseStats{
			Metrics:  TableStats{TotalEntries: stats.MetricsRows},
			Metadata: TableStats{TotalEntries: stats.MetadataRows},
		},
		SocialGraph: SocialGraphStats{
			Stats:      stats.Graph,
			RootPubkey: stats.RootPubkey,
		},
		Cache: CacheCounters{
			Hits:    stats.Cache.Hits,
			Misses:  stats.Cache.Misses,
			Total:   stats.Cache.Total,
			HitRate: stats.Cache.HitRate,
		},
	}, nil
}
