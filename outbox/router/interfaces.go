package router

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Querier runs a one-shot query against a set of relays and returns the
// deduplicated union of results. Implemented by *pool.Pool.
type Querier interface {
	QuerySync(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error)
}
