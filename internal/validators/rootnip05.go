package validators

import (
	"context"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip05"
)

// RootNip05 scores 1.0 for identifiers that canonicalize to the root form
// _@domain. A bare domain counts: NIP-05 defaults the missing local part
// to "_" and displays the root form as the domain alone.
type RootNip05 struct{}

func NewRootNip05() *RootNip05 { return &RootNip05{} }

func (v *RootNip05) Name() string { return NameIsRootNip05 }

func (v *RootNip05) Validate(_ context.Context, in Input) (float64, error) {
	if in.Metadata == nil {
		return 0, nil
	}
	name, _, err := nip05.ParseIdentifier(strings.TrimSpace(in.Metadata.Nip05))
	if err != nil {
		return 0, nil
	}
	if name == "_" {
		return 1, nil
	}
	return 0, nil
}
