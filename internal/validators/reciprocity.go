package validators

import "context"

// FollowChecker reports whether follower's contact list includes followee.
type FollowChecker interface {
	DoesFollow(follower, followee string) bool
}

// Reciprocity scores 1.0 when the scoring source and the target follow each
// other. A pubkey trivially reciprocates itself. Endpoints absent from the
// graph score 0.
type Reciprocity struct {
	graph FollowChecker
}

func NewReciprocity(g FollowChecker) *Reciprocity {
	return &Reciprocity{graph: g}
}

func (v *Reciprocity) Name() string { return NameReciprocity }

func (v *Reciprocity) Validate(_ context.Context, in Input) (float64, error) {
	if in.SourcePubkey == "" {
		return 0, nil
	}
	if in.Pubkey == in.SourcePubkey {
		return 1, nil
	}
	if v.graph.DoesFollow(in.SourcePubkey, in.Pubkey) && v.graph.DoesFollow(in.Pubkey, in.SourcePubkey) {
		return 1, nil
	}
	return 0, nil
}
