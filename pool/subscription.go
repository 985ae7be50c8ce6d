package pool

import (
	"context"
	"sync"

	"github.com/girino/nostr-outbox/logging"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
)

// EventHandler receives events from a streaming subscription, tagged with the
// relay that delivered them.
type EventHandler func(relayURL string, ev *nostr.Event)

// Subscription is a long-lived streaming subscription spanning several
// relays. Close is idempotent and detaches every relay.
type Subscription struct {
	id     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	seen   *lru.Cache[string, struct{}]
}

// ID returns the subscription's unique id.
func (h *Subscription) ID() string { return h.id }

// Close unsubscribes from every relay. Safe to call repeatedly and from any
// goroutine; other subscriptions are unaffected.
func (h *Subscription) Close() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
		logging.Debug("Subscription: %s closed", h.id)
	})
}

// markSeen records an event id, reporting whether it was already known.
func (h *Subscription) markSeen(id string) bool {
	known, _ := h.seen.ContainsOrAdd(id, struct{}{})
	return known
}

// SubscribeMany opens a streaming subscription on every url. Events are
// deduplicated across relays by id before reaching the handler. The handler
// is invoked from per-relay goroutines and must be safe for concurrent use.
func (p *Pool) SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter, handler EventHandler) (*Subscription, error) {
	seen, err := lru.New[string, struct{}](p.cfg.SubscriptionCacheSize)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	h := &Subscription{
		id:     uuid.NewString(),
		cancel: cancel,
		seen:   seen,
	}

	urls = dedupeURLs(urls)
	logging.Debug("Pool: subscription %s across %d relays", h.id, len(urls))
	for _, url := range urls {
		h.wg.Add(1)
		go func(u string) {
			defer h.wg.Done()
			p.streamRelay(subCtx, h, u, filter, handler)
		}(url)
	}
	return h, nil
}

// streamRelay pumps one relay's events into the handler until the
// subscription is closed or the relay drops.
func (p *Pool) streamRelay(ctx context.Context, h *Subscription, url string, filter nostr.Filter, handler EventHandler) {
	s, err := p.GetConnection(ctx, url)
	if err != nil {
		logging.Debug("Pool: subscription %s skipping %s: %v", h.id, url, err)
		return
	}
	s.acquire()
	defer s.release()

	conn, err := s.Conn()
	if err != nil {
		logging.Debug("Pool: subscription %s skipping %s: %v", h.id, url, err)
		return
	}
	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		s.fail(err)
		logging.Debug("Pool: subscription %s failed on %s: %v", h.id, url, err)
		return
	}
	defer sub.Unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			s.touch()
			if h.markSeen(ev.ID) {
				continue
			}
			handler(url, ev)
		}
	}
}
