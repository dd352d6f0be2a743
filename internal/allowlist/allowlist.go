// File: internal/allowlist/allowlist.go

// Package allowlist decides whether a URL may be used as a navigation or
// download target. An empty allowlist is an explicit opt-out of restriction;
// a non-empty one permits only listed domains and their subdomains.
package allowlist

import (
	"fmt"
	"net/url"
	"strings"
)

// Allowlist is an immutable, deduplicated set of permitted domains.
// The zero value (or New(nil)) permits every URL.
type Allowlist struct {
	domains []string
}

// New builds an allowlist from configured entries. Entries are lowercased,
// trimmed of a leading dot, and deduplicated at load time.
func New(entries []string) *Allowlist {
	seen := make(map[string]struct{}, len(entries))
	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		d := strings.ToLower(strings.TrimSpace(e))
		d = strings.TrimPrefix(d, ".")
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return &Allowlist{domains: domains}
}

// Empty reports whether the allowlist imposes no restriction.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.domains) == 0
}

// Check validates that rawURL is an http(s) URL whose hostname equals an
// allowed entry or is a subdomain of one. A malformed URL is reported as a
// parse failure, distinct from a domain rejection.
func (a *Allowlist) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid URL %q: missing host", rawURL)
	}

	if a.Empty() {
		return nil
	}

	for _, d := range a.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not allowed", host)
}
