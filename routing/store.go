package routing

import "time"

// Store persists discovered relay routes plus the last-discovery timestamp
// used to gate periodic refresh. Only the outbox router writes routes;
// readers never mutate.
type Store interface {
	// AllUsers lists every user with a stored route set. An empty slice
	// signals a cold table.
	AllUsers() ([]string, error)

	// UpsertRoutes replaces the route set for pubkey wholesale; stale
	// entries are dropped, not merged.
	UpsertRoutes(pubkey string, routes []RelayRoute) error

	// Routes returns the stored route set for pubkey, or an empty slice if
	// the user was never discovered.
	Routes(pubkey string) ([]RelayRoute, error)

	// LastDiscovery returns when the last discovery run completed, or the
	// zero time if none has.
	LastDiscovery() (time.Time, error)

	// SetLastDiscovery records the completion time of a discovery run.
	SetLastDiscovery(t time.Time) error

	// Clear wipes all routes and metadata.
	Clear() error

	// Close releases the backing store.
	Close() error
}
