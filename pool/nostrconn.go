package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// nostrConn adapts *nostr.Relay to the Conn interface.
type nostrConn struct {
	relay *nostr.Relay
}

// DialRelay is the default Connector; it opens a websocket to the relay via
// go-nostr.
func DialRelay(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: relay}, nil
}

func (c *nostrConn) Subscribe(ctx context.Context, filter nostr.Filter) (*Sub, error) {
	sub, err := c.relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	return NewSub(sub.Events, sub.EndOfStoredEvents, sub.Unsub), nil
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}
