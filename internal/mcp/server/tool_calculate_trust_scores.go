package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

type CalculateTrustScoresInput struct {
	TargetPubkeys []string `json:"targetPubkeys"`
}

// BatchScore is one entry of a batch reply. Entries that failed to score
// carry Error instead of TrustScore; the rest of the batch is unaffected.
type BatchScore struct {
	Pubkey     string             `json:"pubkey"`
	TrustScore *scorer.TrustScore `json:"trustScore,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type CalculateTrustScoresOutput struct {
	TrustScores       []BatchScore `json:"trustScores"`
	ComputationTimeMs int64        `json:"computationTimeMs"`
}

func (s *Server) registerCalculateTrustScoresTool() error {
	return registerTool(s, "calculate_trust_scores", `
		Calculate personalized trust scores for several Nostr pubkeys in one
		call. Targets are scored concurrently from the configured source's
		perspective; duplicates are dropped and per-pubkey failures are
		reported inline without failing the batch.
	`, s.handleCalculateTrustScores)
}

func (s *Server) handleCalculateTrustScores(ctx context.Context, in CalculateTrustScoresInput) (CalculateTrustScoresOutput, error) {
	if len(in.TargetPubkeys) == 0 {
		return CalculateTrustScoresOutput{}, fmt.Errorf("%w: targetPubkeys must not be empty", errBadRequest)
	}

	startTime := time.Now()
	items := s.cfg.Scorer.CalculateBatch(ctx, in.TargetPubkeys)

	scores := make([]BatchScore, 0, len(items))
	for _, item := range items {
		entry := BatchScore{Pubkey: item.Pubkey, TrustScore: item.Score}
		if item.Err != nil {
			entry.Error = item.Err.Error()
		}
		scores = append(scores, entry)
	}

	return CalculateTrustScoresOutput{
		TrustScores:       scores,
		ComputationTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}
