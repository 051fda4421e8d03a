// Package webhook delivers terminal and progress events to customer
// endpoints at least once, with exponential backoff, per-host circuit
// breakers, HMAC signatures, and an SSRF guard applied both at
// admission and again at send time (DNS rebinding defense).
package webhook

import (
	"context"
	"net"
	"net/netip"
	"net/url"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// Guard rejects webhook URLs whose host resolves into loopback,
// link-local, private, or otherwise reserved ranges.
type Guard struct {
	// LookupIP is swappable for tests; defaults to the system resolver.
	LookupIP func(ctx context.Context, host string) ([]netip.Addr, error)
	// AllowPrivate skips the range checks. Local development only; never
	// set in a deployed environment.
	AllowPrivate bool
}

// NewGuard builds a Guard on the system resolver.
func NewGuard() *Guard {
	return &Guard{LookupIP: func(ctx context.Context, host string) ([]netip.Addr, error) {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		return addrs, nil
	}}
}

// Validate checks the URL shape and every resolved address. Any single
// forbidden address fails the whole URL.
func (g *Guard) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.Codef(domain.CodeWebhookForbidden, domain.ErrInvalidArgument,
			"op=webhook.Validate: url must be absolute http(s)")
	}
	host := u.Hostname()
	if host == "" {
		return domain.Codef(domain.CodeWebhookForbidden, domain.ErrInvalidArgument,
			"op=webhook.Validate: url has no host")
	}

	// Literal addresses never touch DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(addr)
	}

	addrs, err := g.LookupIP(ctx, host)
	if err != nil || len(addrs) == 0 {
		return domain.Codef(domain.CodeWebhookForbidden, domain.ErrInvalidArgument,
			"op=webhook.Validate: host does not resolve")
	}
	for _, addr := range addrs {
		if err := g.checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) checkAddr(addr netip.Addr) error {
	if g.AllowPrivate {
		return nil
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified(),
		isReserved(addr):
		return domain.Codef(domain.CodeWebhookForbidden, domain.ErrInvalidArgument,
			"op=webhook.Validate: host resolves to a forbidden range")
	}
	return nil
}

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),   // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),   // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),  // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"), // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),    // reserved
}

func isReserved(addr netip.Addr) bool {
	if !addr.Is4() {
		// ULA fc00::/7 is the v6 private analogue not covered by IsPrivate
		// on some address forms.
		return netip.MustParsePrefix("fc00::/7").Contains(addr)
	}
	for _, p := range reservedV4 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ErrForbidden reports whether err is the guard's rejection.
func ErrForbidden(err error) bool {
	return err != nil && domain.CodeOf(err) == domain.CodeWebhookForbidden
}
