package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is the subset of a relay connection the pool drives. The default
// implementation wraps *nostr.Relay; tests inject fakes.
type Conn interface {
	// Subscribe opens a request-scoped subscription for one filter.
	Subscribe(ctx context.Context, filter nostr.Filter) (*Sub, error)

	// Publish sends one event and waits for the relay's acknowledgement.
	Publish(ctx context.Context, ev nostr.Event) error

	// Close tears down the underlying socket.
	Close() error
}

// Connector opens a connection to one relay URL.
type Connector func(ctx context.Context, url string) (Conn, error)

// Sub is a live subscription on a single relay. Events carries matching
// events; EndOfStoredEvents fires once the relay has sent everything it had
// stored for the filter.
type Sub struct {
	Events            <-chan *nostr.Event
	EndOfStoredEvents <-chan struct{}

	unsub func()
}

// NewSub builds a Sub from raw channels. Intended for custom Connector
// implementations.
func NewSub(events <-chan *nostr.Event, eose <-chan struct{}, unsub func()) *Sub {
	return &Sub{Events: events, EndOfStoredEvents: eose, unsub: unsub}
}

// Unsub tells the relay to stop the subscription. Safe to call more than once.
func (s *Sub) Unsub() {
	if s.unsub != nil {
		s.unsub()
	}
}
