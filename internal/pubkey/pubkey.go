package pubkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalid is returned when an identifier is not a 64-char hex pubkey, an
// npub, or an nprofile.
var ErrInvalid = errors.New("invalid pubkey")

// Normalize converts any accepted pubkey encoding to canonical form: 64
// lowercase hex characters. Accepted inputs are raw hex (any case), npub
// bech32, and nprofile bech32 (relay hints are discarded).
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalid)
	}

	switch {
	case strings.HasPrefix(s, "npub1"):
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		hex, ok := value.(string)
		if !ok || prefix != "npub" {
			return "", fmt.Errorf("%w: unexpected bech32 payload in %q", ErrInvalid, raw)
		}
		return strings.ToLower(hex), nil

	case strings.HasPrefix(s, "nprofile1"):
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		pp, ok := value.(nostr.ProfilePointer)
		if !ok || prefix != "nprofile" {
			return "", fmt.Errorf("%w: unexpected bech32 payload in %q", ErrInvalid, raw)
		}
		return strings.ToLower(pp.PublicKey), nil

	default:
		hex := strings.ToLower(s)
		if !isHex64(hex) {
			return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
		return hex, nil
	}
}

// NormalizeAll maps Normalize over keys, failing on the first invalid entry.
func NormalizeAll(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		pk, err := Normalize(k)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
