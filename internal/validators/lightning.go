package validators

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

// Lightning address parts per LUD-16: a dot-atom local part and a dotted
// domain, neither starting nor ending with a dot or dash.
var (
	lud16LocalRegexp  = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?$`)
	lud16DomainRegexp = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)+$`)
)

const (
	maxLud16Local  = 64
	maxLud16Domain = 253
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// Lightning scores 1.0 when the profile carries a plausible lightning
// address (lud16) or LNURL pay string (lud06). Syntax only, no endpoint
// probe.
type Lightning struct{}

func NewLightning() *Lightning { return &Lightning{} }

func (v *Lightning) Name() string { return NameLightningAddress }

func (v *Lightning) Validate(_ context.Context, in Input) (float64, error) {
	if in.Metadata == nil {
		return 0, nil
	}
	if isLightningAddress(strings.TrimSpace(in.Metadata.Lud16)) {
		return 1, nil
	}
	if isLnurl(strings.TrimSpace(in.Metadata.Lud06)) {
		return 1, nil
	}
	return 0, nil
}

func isLightningAddress(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		return false
	}
	if len(local) == 0 || len(local) > maxLud16Local {
		return false
	}
	if len(domain) > maxLud16Domain {
		return false
	}
	return lud16LocalRegexp.MatchString(local) && lud16DomainRegexp.MatchString(domain)
}

// isLnurl accepts either encoding LUD-06 allows: a bech32 lnurl1 string or
// an absolute http(s) URL.
func isLnurl(s string) bool {
	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return true
	}
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "lnurl1") || len(s) < 16 {
		return false
	}
	for _, r := range s[len("lnurl1"):] {
		if !strings.ContainsRune(bech32Charset, r) {
			return false
		}
	}
	return true
}
