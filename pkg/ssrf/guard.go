// Package ssrf validates outbound destinations before any network call is issued.
//
// AssertURLSafe is a syntactic pre-filter: it never resolves DNS. Callers that
// must defend against DNS rebinding dial through SafeDialer, which re-applies
// the address rules to every resolved IP.
package ssrf

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// Code identifies why a destination was rejected.
type Code string

const (
	CodeBadURL           Code = "BAD_URL"
	CodeSchemeNotAllowed Code = "SCHEME_NOT_ALLOWED"
	CodeBlocked          Code = "SSRF_GUARD_BLOCKED"
	CodeHostNotAllowed   Code = "HOST_NOT_ALLOWED"
)

// GuardError is returned for every rejected destination.
type GuardError struct {
	Code   Code
	URL    string
	Detail string
}

func (e *GuardError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ssrf guard: %s", e.Code)
	}
	return fmt.Sprintf("ssrf guard: %s: %s", e.Code, e.Detail)
}

// Unwrap lets errors.Is(err, fault.ErrGuardBlocked) match every guard code.
func (e *GuardError) Unwrap() error { return fault.ErrGuardBlocked }

// Policy is the allow-policy a destination is checked against.
type Policy struct {
	// AllowedSchemes defaults to {"https"} when empty. A trailing colon is ignored.
	AllowedSchemes []string `yaml:"allowed_schemes" json:"allowed_schemes"`
	// AllowedHosts holds exact hostnames or "*.suffix" wildcard patterns.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	// AllowUnlistedHosts disables the allow-list requirement
	// (requireAllowedHosts=false). Address rules still apply.
	AllowUnlistedHosts bool `yaml:"allow_unlisted_hosts" json:"allow_unlisted_hosts"`
}

const metadataAddress = "169.254.169.254"

var deniedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
}

// AssertURLSafe returns nil when raw may be dispatched under p, otherwise a
// *GuardError. Checks run cheapest and most certain first; the order is part
// of the contract because the first failing check determines the code.
func AssertURLSafe(raw string, p Policy) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return &GuardError{Code: CodeBadURL, URL: raw, Detail: "unparseable or relative URL"}
	}

	scheme := strings.ToLower(u.Scheme)
	if !schemeAllowed(scheme, p.AllowedSchemes) {
		return &GuardError{Code: CodeSchemeNotAllowed, URL: raw, Detail: scheme}
	}
	if scheme == "data" {
		return nil
	}

	if strings.ContainsAny(u.Host, "[]") {
		return &GuardError{Code: CodeBlocked, URL: raw, Detail: "bracketed host literal"}
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return &GuardError{Code: CodeBadURL, URL: raw, Detail: "missing host"}
	}
	if deniedHosts[host] || strings.HasSuffix(host, ".local") {
		return &GuardError{Code: CodeBlocked, URL: raw, Detail: "denied host " + host}
	}
	if host == metadataAddress {
		return &GuardError{Code: CodeBlocked, URL: raw, Detail: "cloud metadata address"}
	}
	if strings.Contains(host, ":") {
		return &GuardError{Code: CodeBlocked, URL: raw, Detail: "ipv6 literal"}
	}
	if addr, ok := parseIPv4Literal(host); ok && isPrivateV4(addr) {
		return &GuardError{Code: CodeBlocked, URL: raw, Detail: "private address " + addr.String()}
	}

	if p.AllowUnlistedHosts {
		return nil
	}
	if len(p.AllowedHosts) == 0 {
		return &GuardError{Code: CodeHostNotAllowed, URL: raw, Detail: "empty host allow-list"}
	}
	if !HostAllowed(host, p.AllowedHosts) {
		return &GuardError{Code: CodeHostNotAllowed, URL: raw, Detail: host}
	}
	return nil
}

// HostAllowed reports whether host matches an exact entry or a "*.suffix"
// pattern. "*.example.com" matches "example.com" and "a.example.com" but not
// "notexample.com".
func HostAllowed(host string, patterns []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, raw := range patterns {
		pat := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
		if pat == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(pat, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pat {
			return true
		}
	}
	return false
}

func schemeAllowed(scheme string, allowed []string) bool {
	if len(allowed) == 0 {
		return scheme == "https"
	}
	for _, s := range allowed {
		if strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ":")) == scheme {
			return true
		}
	}
	return false
}

func isPrivateV4(addr netip.Addr) bool {
	for _, p := range privateV4 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIPv4Literal accepts dotted-quad plus the legacy inet_aton forms
// (fewer parts, hex and octal components) that resolvers still honour, so
// "0x7f.1" and "2130706433" are recognised as 127.0.0.1.
func parseIPv4Literal(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, addr.Is4()
	}

	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, part := range parts {
		if part == "" {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(part, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	last := len(vals) - 1
	for i := 0; i < last; i++ {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
	}
	if vals[last] >= 1<<(8*(4-last)) {
		return netip.Addr{}, false
	}

	n := vals[last]
	for i := 0; i < last; i++ {
		n |= vals[i] << (8 * (3 - i))
	}
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}
