// Package badgerstore is the durable routing table, backed by an embedded
// BadgerDB so routes survive process restarts.
package badgerstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/routing"
)

var (
	routePrefix      = []byte("route/")
	lastDiscoveryKey = []byte("meta/last_discovery")
)

// Store implements routing.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

var _ routing.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open routing store at %s: %w", path, err)
	}
	logging.Debug("BadgerStore: opened routing table at %s", path)
	return &Store{db: db}, nil
}

func routeKey(pubkey string) []byte {
	return append(append([]byte{}, routePrefix...), pubkey...)
}

// AllUsers scans route keys only; values are not loaded.
func (s *Store) AllUsers() ([]string, error) {
	users := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = routePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			users = append(users, string(key[len(routePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

// UpsertRoutes replaces pubkey's route set wholesale.
func (s *Store) UpsertRoutes(pubkey string, routes []routing.RelayRoute) error {
	routes = routing.Sanitize(routes)
	data, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("marshal routes for %s: %w", pubkey, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(routeKey(pubkey), data)
	})
	if err != nil {
		return fmt.Errorf("upsert routes for %s: %w", pubkey, err)
	}
	logging.DebugMethod("badgerstore", "UpsertRoutes", "%s -> %d routes", pubkey, len(routes))
	return nil
}

// Routes returns the stored set, or an empty slice for unknown users.
func (s *Store) Routes(pubkey string) ([]routing.RelayRoute, error) {
	routes := []routing.RelayRoute{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(routeKey(pubkey))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &routes)
	})
	if err == badger.ErrKeyNotFound {
		return []routing.RelayRoute{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routes for %s: %w", pubkey, err)
	}
	return routes, nil
}

// LastDiscovery returns the persisted run timestamp, zero if never set.
func (s *Store) LastDiscovery() (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastDiscoveryKey)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		unix, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		ts = time.Unix(unix, 0)
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last discovery: %w", err)
	}
	return ts, nil
}

// SetLastDiscovery persists the run timestamp.
func (s *Store) SetLastDiscovery(t time.Time) error {
	data := []byte(strconv.FormatInt(t.Unix(), 10))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lastDiscoveryKey, data)
	})
	if err != nil {
		return fmt.Errorf("write last discovery: %w", err)
	}
	return nil
}

// Clear drops every key, routes and metadata alike.
func (s *Store) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clear routing store: %w", err)
	}
	logging.Info("BadgerStore: routing table cleared")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
