package server

import (
	"context"
	"time"

	"github.com/ContextVM/relatr-sub002/internal/scorer"
	"github.com/ContextVM/relatr-sub002/internal/weights"
)

type CalculateTrustScoreInput struct {
	TargetPubkey string `json:"targetPubkey"`

	// SourcePubkey personalizes the score for a different observer. Empty
	// selects the configured source.
	SourcePubkey string `json:"sourcePubkey,omitempty"`

	// WeightingScheme names a registered weight profile. Empty selects the
	// active one.
	WeightingScheme string `json:"weightingScheme,omitempty"`

	// DistanceWeight and ValidatorWeights override individual weights on top
	// of the selected profile; the merged profile must still satisfy the
	// sum-to-one invariant.
	DistanceWeight   *float64           `json:"distanceWeight,omitempty"`
	ValidatorWeights map[string]float64 `json:"validatorWeights,omitempty"`

	// ForceRefresh bypasses cached validator metrics.
	ForceRefresh bool `json:"forceRefresh,omitempty"`
}

type CalculateTrustScoreOutput struct {
	TrustScore        *scorer.TrustScore `json:"trustScore"`
	ComputationTimeMs int64              `json:"computationTimeMs"`
}

func (s *Server) registerCalculateTrustScoreTool() error {
	return registerTool(s, "calculate_trust_score", `
		Calculate a personalized trust score (0.0-1.0) for a Nostr pubkey, seen
		from the configured source pubkey's position in the follow graph.
		Accepts hex or npub input. The score combines social distance with
		profile validation metrics (NIP-05, lightning address, relay list,
		reciprocity); the components breakdown is returned alongside the score.
	`, s.handleCalculateTrustScore)
}

func (s *Server) handleCalculateTrustScore(ctx context.Context, in CalculateTrustScoreInput) (CalculateTrustScoreOutput, error) {
	startTime := time.Now()

	var overrides *weights.Overrides
	if in.DistanceWeight != nil || len(in.ValidatorWeights) > 0 {
		overrides = &weights.Overrides{
			DistanceWeight: in.DistanceWeight,
			Validators:     in.ValidatorWeights,
		}
	}

	score, err := s.cfg.Scorer.Calculate(ctx, scorer.Request{
		Target:       in.TargetPubkey,
		Source:       in.SourcePubkey,
		Scheme:       in.WeightingScheme,
		ForceRefresh: in.ForceRefresh,
		Overrides:    overrides,
	})
	if err != nil {
		return CalculateTrustScoreOutput{}, err
	}

	return CalculateTrustScoreOutput{
		TrustScore:        score,
		ComputationTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}
