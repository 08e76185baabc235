// Package security provides SSRF protection for outbound HTTP requests whose
// target comes from untrusted input, such as the SubscribeURL of an SNS
// subscription confirmation.
//
// Every dialed address is checked after DNS resolution, so a hostname that
// resolves (or rebinds) to internal infrastructure is refused at connect time.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// ErrBlocked is returned when a request targets a blocked IP range.
var ErrBlocked = errors.New("ssrf: request to blocked IP range")

// ErrTooManyRedirects is returned when the redirect limit is exceeded.
var ErrTooManyRedirects = errors.New("ssrf: too many redirects")

var blockedPrefixes = mustPrefixes(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // private
	"172.16.0.0/12",  // private
	"192.168.0.0/16", // private
	"169.254.0.0/16", // link-local, cloud metadata
	"0.0.0.0/8",
	"224.0.0.0/4", // multicast
	"240.0.0.0/4",
	"100.64.0.0/10", // carrier-grade NAT
	"198.18.0.0/15",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
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

// controlDial runs after resolution with the concrete address being dialed.
func controlDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("ssrf: invalid address %q: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("ssrf: unresolved address %q: %w", address, err)
	}
	if IsBlocked(addr) {
		return fmt.Errorf("%w: %s", ErrBlocked, addr)
	}
	return nil
}

// CheckRedirect limits redirect chains. Redirect targets are dialed through
// the same guarded transport, so only the count is enforced here.
func CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		return nil
	}
}

// NewSafeHTTPClient creates an http.Client that refuses connections to
// blocked ranges.
func NewSafeHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Control: controlDial}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(maxRedirects),
	}
}
