// Package security guards outbound HTTP calls to operator-configured URLs
// (webhooks, the log sink) against reaching internal infrastructure such as
// the instance metadata service, loopback or private networks.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// dnsTimeout bounds resolution of a target host.
const dnsTimeout = 500 * time.Millisecond

// DefaultMaxRedirects is used when ClientConfig.MaxRedirects is zero.
const DefaultMaxRedirects = 3

var (
	// ErrSSRFBlocked is returned when a target resolves to a blocked range.
	ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")
	// ErrSSRFDNSTimeout is returned when resolution exceeds dnsTimeout.
	ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")
	// ErrSSRFDNSFailed is returned when resolution fails or yields nothing.
	ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")
	// ErrSSRFTooManyRedirects is returned past the redirect cap.
	ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")
)

// blockedPrefixes are never dialed.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, instance metadata
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::1/128"),
}

// IsBlocked reports whether addr falls in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsSSRFError reports whether err came from the guard rather than the
// remote. Such failures do not improve on retry.
func IsSSRFError(err error) bool {
	return errors.Is(err, ErrSSRFBlocked) ||
		errors.Is(err, ErrSSRFDNSTimeout) ||
		errors.Is(err, ErrSSRFDNSFailed) ||
		errors.Is(err, ErrSSRFTooManyRedirects)
}

// Resolver abstracts DNS resolution for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates hosts before they are dialed.
type Guard struct {
	Resolver Resolver
	// AllowPrivate disables the blocklist, for local stacks that serve a
	// mock webhook on loopback.
	AllowPrivate bool
}

func (g *Guard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

// Resolve returns the addresses of host, failing if any of them is blocked.
// Every address is checked before any is used, so a name that mixes public
// and private records is refused.
func (g *Guard) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !g.AllowPrivate && IsBlocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, addr)
		}
		return []netip.Addr{addr}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	ips, err := g.resolver().LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}

	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			return nil, fmt.Errorf("%w: host %q returned an invalid address", ErrSSRFDNSFailed, host)
		}
		if !g.AllowPrivate && IsBlocked(addr) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, addr.Unmap(), host)
		}
		out = append(out, addr)
	}
	return out, nil
}

// DialContext resolves and validates the host of addr, then dials the first
// address. The resolved address is dialed directly so a second lookup cannot
// rebind the name.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	addrs, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect hook that caps the
// number of redirects and validates each redirect target.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}
		_, err := g.Resolve(req.Context(), host)
		return err
	}
}

// ClientConfig configures NewSafeHTTPClient.
type ClientConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	AllowPrivate bool
	// Resolver overrides DNS resolution, for tests.
	Resolver Resolver
}

// NewSafeHTTPClient returns an http.Client whose connections and redirects
// pass through a Guard.
func NewSafeHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	g := &Guard{Resolver: cfg.Resolver, AllowPrivate: cfg.AllowPrivate}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext

	return &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: g.CheckRedirect(cfg.MaxRedirects),
	}
}
