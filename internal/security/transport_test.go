package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements Resolver for deterministic testing.
type mockResolver struct {
	ips map[string][]string
}

func (m *mockResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	raw, ok := m.ips[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	out := make([]net.IPAddr, len(raw))
	for i, s := range raw {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out, nil
}

// slowResolver blocks until the lookup context expires.
type slowResolver struct{}

func (slowResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.0", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"162.159.135.232", false},
		{"2606:4700::6810:1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.blocked, IsBlocked(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestGuardResolve(t *testing.T) {
	g := &Guard{Resolver: &mockResolver{ips: map[string][]string{
		"discord.com":      {"162.159.135.232"},
		"evil.example":     {"169.254.169.254"},
		"rebind.example":   {"162.159.135.232", "10.0.0.5"},
		"empty.example":    {},
		"loopback.example": {"127.0.0.1"},
	}}}
	ctx := context.Background()

	addrs, err := g.Resolve(ctx, "discord.com")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("162.159.135.232")}, addrs)

	_, err = g.Resolve(ctx, "evil.example")
	assert.ErrorIs(t, err, ErrSSRFBlocked)

	_, err = g.Resolve(ctx, "rebind.example")
	assert.ErrorIs(t, err, ErrSSRFBlocked)

	_, err = g.Resolve(ctx, "empty.example")
	assert.ErrorIs(t, err, ErrSSRFDNSFailed)

	_, err = g.Resolve(ctx, "unknown.example")
	assert.ErrorIs(t, err, ErrSSRFDNSFailed)

	_, err = g.Resolve(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSSRFBlocked)

	allow := &Guard{Resolver: g.Resolver, AllowPrivate: true}
	addrs, err = allow.Resolve(ctx, "loopback.example")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addrs[0].String())
}

func TestGuardResolve_DNSTimeout(t *testing.T) {
	g := &Guard{Resolver: slowResolver{}}
	start := time.Now()
	_, err := g.Resolve(context.Background(), "slow.example")
	assert.ErrorIs(t, err, ErrSSRFDNSTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckRedirect(t *testing.T) {
	g := &Guard{Resolver: &mockResolver{ips: map[string][]string{
		"cdn.example":  {"162.159.135.232"},
		"meta.example": {"169.254.169.254"},
	}}}
	check := g.CheckRedirect(2)

	req := httptest.NewRequest(http.MethodGet, "https://cdn.example/next", nil)
	assert.NoError(t, check(req, []*http.Request{{}}))

	req = httptest.NewRequest(http.MethodGet, "https://meta.example/latest", nil)
	assert.ErrorIs(t, check(req, nil), ErrSSRFBlocked)

	req = httptest.NewRequest(http.MethodGet, "https://cdn.example/next", nil)
	err := check(req, []*http.Request{{}, {}})
	assert.ErrorIs(t, err, ErrSSRFTooManyRedirects)
	assert.True(t, IsSSRFError(err))
}

func TestNewSafeHTTPClient_BlocksLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewSafeHTTPClient(ClientConfig{Timeout: 2 * time.Second})
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSSRFBlocked)
	assert.True(t, IsSSRFError(err))
}

func TestNewSafeHTTPClient_AllowPrivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewSafeHTTPClient(ClientConfig{Timeout: 2 * time.Second, AllowPrivate: true})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestIsSSRFError(t *testing.T) {
	assert.True(t, IsSSRFError(fmt.Errorf("wrapped: %w", ErrSSRFDNSFailed)))
	assert.False(t, IsSSRFError(fmt.Errorf("connection refused")))
	assert.False(t, IsSSRFError(nil))
}
