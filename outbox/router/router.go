// Package router implements the outbox discovery protocol: fetching
// relay-list documents (kind 10002) for batches of users from bootstrap
// relays and upserting the parsed routes into the routing table.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/metrics"
	"github.com/girino/nostr-outbox/routing"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultBatchSize bounds the authors list in one relay filter.
const DefaultBatchSize = 25

// ErrMalformedDocument marks a relay-list document missing required fields.
// Malformed documents are skipped during discovery, never surfaced.
var ErrMalformedDocument = errors.New("malformed relay list document")

// Result aggregates the outcome of a discovery pass.
type Result struct {
	Success         bool
	EventsFound     int
	UsersDiscovered int
}

func (r *Result) merge(other Result) {
	if !other.Success {
		r.Success = false
	}
	r.EventsFound += other.EventsFound
	r.UsersDiscovered += other.UsersDiscovered
}

// Router runs discovery queries and writes routes. It is the only writer of
// the routing table.
type Router struct {
	querier   Querier
	store     routing.Store
	batchSize int
}

// New creates a router. batchSize <= 0 selects DefaultBatchSize.
func New(querier Querier, store routing.Store, batchSize int) *Router {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Router{
		querier:   querier,
		store:     store,
		batchSize: batchSize,
	}
}

// Discover fetches relay-list documents for pubkeys from bootstrapRelays in
// fixed-size batches and upserts the parsed routes. The result is the sum of
// per-batch outcomes; a failed batch flips Success but never aborts the pass.
func (r *Router) Discover(ctx context.Context, pubkeys []string, bootstrapRelays []string) Result {
	total := Result{Success: true}
	pubkeys = dedupe(pubkeys)
	if len(pubkeys) == 0 || len(bootstrapRelays) == 0 {
		return total
	}

	logging.Debug("Router: discovering relay lists for %d users across %d bootstrap relays", len(pubkeys), len(bootstrapRelays))
	for start := 0; start < len(pubkeys); start += r.batchSize {
		end := start + r.batchSize
		if end > len(pubkeys) {
			end = len(pubkeys)
		}
		total.merge(r.discoverBatch(ctx, pubkeys[start:end], bootstrapRelays))
		if ctx.Err() != nil {
			break
		}
	}
	logging.Info("Router: discovery pass found %d documents, routes for %d users", total.EventsFound, total.UsersDiscovered)
	return total
}

func (r *Router) discoverBatch(ctx context.Context, batch []string, bootstrapRelays []string) Result {
	filter := nostr.Filter{
		Kinds:   []int{nostr.KindRelayListMetadata},
		Authors: batch,
		Limit:   len(batch) * 4,
	}

	events, err := r.querier.QuerySync(ctx, bootstrapRelays, filter)
	if err != nil {
		logging.Warn("Router: batch query failed: %v", err)
		return Result{Success: false}
	}

	res := Result{Success: true, EventsFound: len(events)}
	now := time.Now()
	for author, ev := range latestPerAuthor(events) {
		routes := ParseRoutes(ev, now)
		if err := r.store.UpsertRoutes(author, routes); err != nil {
			logging.Warn("Router: upsert for %s failed: %v", author, err)
			res.Success = false
			continue
		}
		metrics.AddRoutesUpserted(len(routes))
		if len(routes) > 0 {
			res.UsersDiscovered++
		}
		logging.DebugMethod("router", "discoverBatch", "%s -> %d routes", author, len(routes))
	}
	return res
}

// latestPerAuthor keeps the newest document per author. Equal timestamps keep
// the first seen.
func latestPerAuthor(events []nostr.Event) map[string]nostr.Event {
	latest := make(map[string]nostr.Event)
	for _, ev := range events {
		cur, ok := latest[ev.PubKey]
		if !ok || ev.CreatedAt > cur.CreatedAt {
			latest[ev.PubKey] = ev
		}
	}
	return latest
}

// ParseRoutes extracts relay routes from a kind-10002 document.
// Tag format: ["r", "<relay-url>", "<read|write>"]. No marker means both
// directions; unrecognized markers degrade to both. Tags without a valid
// ws(s) URL are skipped.
func ParseRoutes(ev nostr.Event, discoveredAt time.Time) []routing.RelayRoute {
	routes := []routing.RelayRoute{}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := routing.NormalizeRelayURL(tag[1])
		if url == "" {
			logging.DebugMethod("router", "ParseRoutes", "skipping malformed relay tag in %s: %v", ev.ID, ErrMalformedDocument)
			continue
		}

		read, write := true, true
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				write = false
			case "write":
				read = false
			}
		}

		routes = append(routes, routing.RelayRoute{
			PubKey:       ev.PubKey,
			URL:          url,
			Read:         read,
			Write:        write,
			DiscoveredAt: discoveredAt,
		})
	}
	return routing.Sanitize(routes)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
