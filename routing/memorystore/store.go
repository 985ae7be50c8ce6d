// Package memorystore is an in-memory routing.Store. It satisfies the full
// interface but loses everything on restart; meant for tests and throwaway
// embedding.
package memorystore

import (
	"sync"
	"time"

	"github.com/girino/nostr-outbox/routing"
)

// Store implements routing.Store on a mutex-guarded map.
type Store struct {
	mu            sync.RWMutex
	routes        map[string][]routing.RelayRoute
	lastDiscovery time.Time
}

var _ routing.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		routes: make(map[string][]routing.RelayRoute),
	}
}

func (s *Store) AllUsers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.routes))
	for pubkey := range s.routes {
		users = append(users, pubkey)
	}
	return users, nil
}

func (s *Store) UpsertRoutes(pubkey string, routes []routing.RelayRoute) error {
	routes = routing.Sanitize(routes)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pubkey] = append([]routing.RelayRoute{}, routes...)
	return nil
}

func (s *Store) Routes(pubkey string) ([]routing.RelayRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]routing.RelayRoute{}, s.routes[pubkey]...), nil
}

func (s *Store) LastDiscovery() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDiscovery, nil
}

func (s *Store) SetLastDiscovery(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDiscovery = t
	return nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = make(map[string][]routing.RelayRoute)
	s.lastDiscovery = time.Time{}
	return nil
}

func (s *Store) Close() error { return nil }
