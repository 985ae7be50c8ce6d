// Package routing defines the relay routing table: per-user relay routes
// discovered through the outbox model, behind a storage interface with
// durable and in-memory implementations.
package routing

import (
	"strings"
	"time"
)

// RelayRoute is one discovered relay preference for one user.
type RelayRoute struct {
	PubKey       string    `json:"pubkey"`
	URL          string    `json:"url"`
	Read         bool      `json:"read"`
	Write        bool      `json:"write"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Valid reports whether the route is usable. Routes must name a user and a
// relay and allow at least one direction.
func (r RelayRoute) Valid() bool {
	return r.PubKey != "" && r.URL != "" && (r.Read || r.Write)
}

// Sanitize drops invalid routes and collapses duplicates by relay URL,
// keeping the first occurrence.
func Sanitize(routes []RelayRoute) []RelayRoute {
	seen := make(map[string]bool, len(routes))
	out := make([]RelayRoute, 0, len(routes))
	for _, r := range routes {
		r.URL = NormalizeRelayURL(r.URL)
		if !r.Valid() || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out
}

// NormalizeRelayURL trims and validates a relay URL. Only ws:// and wss://
// schemes are accepted; anything else normalizes to the empty string.
func NormalizeRelayURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return ""
	}
	return strings.TrimSuffix(url, "/")
}
