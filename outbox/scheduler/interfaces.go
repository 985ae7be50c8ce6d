package scheduler

import (
	"context"

	"github.com/girino/nostr-outbox/outbox/router"
)

// Discoverer runs one discovery pass over a set of users against the given
// bootstrap relays. Implemented by *router.Router.
type Discoverer interface {
	Discover(ctx context.Context, pubkeys []string, bootstrapRelays []string) router.Result
}
