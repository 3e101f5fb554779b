package validators

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
)

// Nip05Resolver resolves a NIP-05 identifier to the pubkey its well-known
// document claims. nip05.QueryIdentifier is the production resolver.
type Nip05Resolver func(ctx context.Context, identifier string) (*nostr.ProfilePointer, error)

// Nip05 scores 1.0 when the profile's NIP-05 identifier resolves back to the
// profile's own pubkey.
type Nip05 struct {
	log     *slog.Logger
	resolve Nip05Resolver
}

func NewNip05(log *slog.Logger, resolver Nip05Resolver) *Nip05 {
	if resolver == nil {
		resolver = nip05.QueryIdentifier
	}
	return &Nip05{log: log, resolve: resolver}
}

func (v *Nip05) Name() string { return NameNip05Valid }

func (v *Nip05) Validate(ctx context.Context, in Input) (float64, error) {
	if in.Metadata == nil {
		return 0, nil
	}
	identifier := strings.TrimSpace(in.Metadata.Nip05)
	if identifier == "" || !nip05.IsValidIdentifier(identifier) {
		return 0, nil
	}

	pp, err := v.resolve(ctx, identifier)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", identifier, err)
	}
	if pp != nil && strings.EqualFold(pp.PublicKey, in.Pubkey) {
		return 1, nil
	}
	return 0, nil
}
