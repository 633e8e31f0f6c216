package connector

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// GuardError is an SSRF policy violation with a stable connector error code.
type GuardError struct {
	Code    string
	Message string
}

func (e *GuardError) Error() string { return e.Message }

// LookupFunc resolves a hostname to its full address set. Injectable so
// tests can simulate DNS drift without real resolution.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

var blockedRanges = mustParseCIDRs(
	"127.0.0.0/8",    // IPv4 loopback
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"169.254.0.0/16", // link-local
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // unique-local
	"fe80::/10",      // link-local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, ipnet)
	}
	return out
}

// Guard enforces the outbound-request policy: scheme and allowlist checks,
// blocked IP ranges, and DNS-drift detection between resolution and dispatch.
type Guard struct {
	lookup       LookupFunc
	allowPrivate bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLookup injects a DNS resolver.
func WithLookup(lookup LookupFunc) GuardOption {
	return func(g *Guard) { g.lookup = lookup }
}

// WithAllowPrivate disables the blocked-range check. Dev and test only;
// never set in production.
func WithAllowPrivate(allow bool) GuardOption {
	return func(g *Guard) { g.allowPrivate = allow }
}

// NewGuard creates a guard using the system resolver unless overridden.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckURL runs steps 1-3 of the outbound sequence: scheme, host allowlist,
// and blocked-range checks on the full resolved address set. It returns the
// resolved set for the later drift comparison.
func (g *Guard) CheckURL(ctx context.Context, rawURL string, allowlist []string) ([]net.IP, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &GuardError{Code: CodeRequestError, Message: fmt.Sprintf("invalid url: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &GuardError{Code: CodeDomainNotAllowed, Message: fmt.Sprintf("scheme %q not allowed", parsed.Scheme)}
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, &GuardError{Code: CodeDomainNotAllowed, Message: "url has no host"}
	}

	if !hostAllowed(host, allowlist) {
		return nil, &GuardError{Code: CodeDomainNotAllowed, Message: fmt.Sprintf("host %q is not in the domain allowlist", host)}
	}

	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, &GuardError{Code: CodeRequestError, Message: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if !g.allowPrivate {
		for _, ip := range ips {
			if blockedIP(ip) {
				return nil, &GuardError{Code: CodeSSRFBlocked, Message: fmt.Sprintf("host %q resolves to blocked address %s", host, ip)}
			}
		}
	}
	return ips, nil
}

// CheckDrift re-resolves host immediately before dispatch and rejects when
// the address set changed since CheckURL (DNS rebind defense).
func (g *Guard) CheckDrift(ctx context.Context, host string, prior []net.IP) error {
	current, err := g.resolve(ctx, strings.ToLower(host))
	if err != nil {
		return &GuardError{Code: CodeRequestError, Message: fmt.Sprintf("dns re-resolution failed: %v", err)}
	}
	if !sameIPSet(prior, current) {
		return &GuardError{Code: CodeSSRFDNSDrift, Message: fmt.Sprintf("dns answer for %q changed between resolution and dispatch", host)}
	}
	return nil
}

func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	// Literal addresses resolve to themselves; the blocked-range check still
	// applies to them.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return g.lookup(ctx, host)
}

// hostAllowed implements exact-or-subdomain matching. A bare suffix match is
// rejected: "evilexample.com" does not match allowlist entry "example.com".
func hostAllowed(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return false
	}
	for _, allowed := range allowlist {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func blockedIP(ip net.IP) bool {
	for _, ipnet := range blockedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func sameIPSet(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = a[i].String()
		bs[i] = b[i].String()
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
