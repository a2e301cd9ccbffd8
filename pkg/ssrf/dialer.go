package ssrf

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// SafeDialer returns a dialer that refuses connections to non-public
// addresses after resolution. It closes the gap AssertURLSafe leaves open
// when a public hostname resolves to an internal address.
func SafeDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			return checkDialAddress(address)
		},
	}
}

func checkDialAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &GuardError{Code: CodeBadURL, Detail: fmt.Sprintf("dial address %q", address)}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &GuardError{Code: CodeBadURL, Detail: fmt.Sprintf("dial address %q", address)}
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return &GuardError{Code: CodeBlocked, Detail: "ipv6 destination " + addr.String()}
	}
	if isPrivateV4(addr) || addr.IsMulticast() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return &GuardError{Code: CodeBlocked, Detail: "resolved to private address " + addr.String()}
	}
	return nil
}

// NewHTTPClient returns a client that checks every request URL (including
// redirects) against p and dials only public IPv4 addresses.
func NewHTTPClient(p Policy, timeout time.Duration) *http.Client {
	dialer := SafeDialer(timeout)
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &guardedTransport{policy: p, next: transport},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("ssrf guard: too many redirects")
			}
			return AssertURLSafe(req.URL.String(), p)
		},
	}
}

type guardedTransport struct {
	policy Policy
	next   http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := AssertURLSafe(req.URL.String(), t.policy); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
