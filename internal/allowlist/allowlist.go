// Package allowlist decides which outbound resources sandboxed scripts may
// fetch through the egress proxy.
package allowlist

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Allowlist is a static set of permitted URL prefixes. A resource matches an
// entry when scheme, host and port are equal and the resource path lies under
// the entry path.
type Allowlist struct {
	raw     []string
	entries []*url.URL
}

// New parses entries. Every entry must be an absolute http(s) URL.
func New(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, entry := range entries {
		u, err := normalize(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", entry, err)
		}
		a.raw = append(a.raw, entry)
		a.entries = append(a.entries, u)
	}
	return a, nil
}

// Allowed reports whether resource matches one allowlist entry
func (a *Allowlist) Allowed(resource string) bool {
	u, err := normalize(resource)
	if err != nil || hasDotSegment(u.Path) {
		return false
	}

	for _, entry := range a.entries {
		if entry.Scheme != u.Scheme || entry.Host != u.Host {
			continue
		}
		if pathUnder(u.Path, entry.Path) {
			return true
		}
	}
	return false
}

// URLs returns the configured entries as written
func (a *Allowlist) URLs() []string {
	out := make([]string, len(a.raw))
	copy(out, a.raw)
	return out
}

// DeniedMessage is the rejection text listing the exact allowlist
func (a *Allowlist) DeniedMessage() string {
	return fmt.Sprintf("only these URLs are allowed: [%s]", strings.Join(a.raw, ", "))
}

func normalize(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("credentials are not allowed in URLs")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("missing host")
	}
	if net.ParseIP(hostname) == nil {
		hostname, err = idna.Lookup.ToASCII(strings.TrimSuffix(hostname, "."))
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	u.Host = net.JoinHostPort(strings.ToLower(hostname), port)

	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func pathUnder(path, prefix string) bool {
	if prefix == "/" || path == prefix {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// hasDotSegment reports whether the decoded path holds a "." or ".." segment.
// Upstreams resolve those after matching, so they could leave the entry path.
func hasDotSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
