// Package outbox wires the relay pool, discovery router, and scheduler into
// one client-side subsystem: ask it for routes or events and it figures out
// which relays to talk to.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/outbox/router"
	"github.com/girino/nostr-outbox/outbox/scheduler"
	"github.com/girino/nostr-outbox/pool"
	"github.com/girino/nostr-outbox/routing"
	"github.com/girino/nostr-outbox/routing/badgerstore"
	"github.com/girino/nostr-outbox/routing/memorystore"
	"github.com/girino/nostr-outbox/stats"
	"github.com/nbd-wtf/go-nostr"
)

// Config holds configuration for the outbox system
type Config struct {
	// BootstrapRelays are the well-known relays queried for relay-list
	// documents.
	BootstrapRelays []string
	// DataDir is where the routing table persists. Empty selects the
	// in-memory store.
	DataDir string
	// Identities are the local user pubkeys driving first-load and periodic
	// discovery.
	Identities []string

	Pool pool.Config

	BatchSize          int
	BatchDelay         time.Duration
	MinRefreshInterval time.Duration
	RefreshInterval    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	sched := scheduler.DefaultConfig()
	return Config{
		BootstrapRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		Pool:               pool.DefaultConfig(),
		BatchSize:          router.DefaultBatchSize,
		BatchDelay:         sched.BatchDelay,
		MinRefreshInterval: sched.MinRefreshInterval,
		RefreshInterval:    sched.RefreshInterval,
	}
}

// SystemStats represents the complete statistics from the outbox system
type SystemStats struct {
	Pool      pool.PoolStats           `json:"pool"`
	Scheduler scheduler.SchedulerStats `json:"scheduler"`
	Timestamp int64                    `json:"timestamp"`
}

// System provides a unified interface over the pool, routing table, router,
// and scheduler.
type System struct {
	pool           *pool.Pool
	store          routing.Store
	router         *router.Router
	scheduler      *scheduler.Scheduler
	statsCollector *stats.StatsCollector
}

// NewSystem creates an outbox system with all components. The routing table
// lives in badger under cfg.DataDir, or in memory when DataDir is empty.
func NewSystem(cfg *Config) (*System, error) {
	logging.Debug("System: initializing outbox system")

	var store routing.Store
	if cfg.DataDir != "" {
		s, err := badgerstore.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening routing store: %w", err)
		}
		store = s
	} else {
		logging.Warn("System: no data dir configured, routing table will not survive restarts")
		store = memorystore.New()
	}

	p := pool.New(cfg.Pool)
	rt := router.New(p, store, cfg.BatchSize)

	sched := scheduler.New(rt, store, scheduler.Config{
		BootstrapRelays:    cfg.BootstrapRelays,
		BatchSize:          cfg.BatchSize,
		BatchDelay:         cfg.BatchDelay,
		MinRefreshInterval: cfg.MinRefreshInterval,
		RefreshInterval:    cfg.RefreshInterval,
	})
	sched.SetIdentities(cfg.Identities)

	statsCollector := stats.NewStatsCollector()
	statsCollector.RegisterProvider(p)
	statsCollector.RegisterProvider(sched)

	return &System{
		pool:           p,
		store:          store,
		router:         rt,
		scheduler:      sched,
		statsCollector: statsCollector,
	}, nil
}

// Start launches the pool janitor and the discovery scheduler. If the routing
// table is cold and identities are configured, discovery starts immediately.
func (s *System) Start() {
	logging.Info("System: starting outbox system")
	s.pool.Start()
	s.scheduler.Start()
}

// Stop gracefully stops the scheduler, the pool, and the routing store.
func (s *System) Stop() {
	logging.Info("System: stopping outbox system")
	s.scheduler.Stop()
	s.pool.Stop()
	if err := s.store.Close(); err != nil {
		logging.Warn("System: closing routing store: %v", err)
	}
}

// DiscoverForUsers requests a discovery run for the given pubkeys. Returns
// whether a run started; a run already in flight or a warm routing table
// makes this a no-op.
func (s *System) DiscoverForUsers(pubkeys []string) bool {
	return s.scheduler.Trigger(pubkeys)
}

// SetIdentities installs the local identity set used by periodic refresh.
func (s *System) SetIdentities(pubkeys []string) {
	s.scheduler.SetIdentities(pubkeys)
}

// IsDiscovering reports whether a discovery run is active.
func (s *System) IsDiscovering() bool {
	return s.scheduler.IsDiscovering()
}

// ActiveDiscoveryRelays returns the relay set a running discovery is using,
// so other consumers can stay off those sockets during a sweep. Nil when
// idle.
func (s *System) ActiveDiscoveryRelays() []string {
	return s.scheduler.ActiveRelays()
}

// HasCompletedInitialDiscovery reports whether at least one run finished
// since startup.
func (s *System) HasCompletedInitialDiscovery() bool {
	return s.scheduler.HasCompletedInitialDiscovery()
}

// DiscoveryProgress returns the latest discovery progress snapshot.
func (s *System) DiscoveryProgress() scheduler.Progress {
	return s.scheduler.CurrentProgress()
}

// SubscribeProgress registers a discovery progress observer. The returned
// cancel detaches it.
func (s *System) SubscribeProgress() (<-chan scheduler.Progress, func()) {
	return s.scheduler.SubscribeProgress()
}

// Routes returns the known relay routes for a user. Empty when the user was
// never discovered or published no relay list.
func (s *System) Routes(pubkey string) ([]routing.RelayRoute, error) {
	return s.store.Routes(pubkey)
}

// ReadRelays returns the relays pubkey reads from, for addressing events TO
// that user.
func (s *System) ReadRelays(pubkey string) ([]string, error) {
	return s.relaysFor(pubkey, func(r routing.RelayRoute) bool { return r.Read })
}

// WriteRelays returns the relays pubkey writes to, for fetching events FROM
// that user.
func (s *System) WriteRelays(pubkey string) ([]string, error) {
	return s.relaysFor(pubkey, func(r routing.RelayRoute) bool { return r.Write })
}

func (s *System) relaysFor(pubkey string, keep func(routing.RelayRoute) bool) ([]string, error) {
	routes, err := s.store.Routes(pubkey)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(routes))
	for _, r := range routes {
		if keep(r) {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}

// KnownUsers returns every pubkey present in the routing table.
func (s *System) KnownUsers() ([]string, error) {
	return s.store.AllUsers()
}

// ClearRoutes wipes the routing table, forcing rediscovery.
func (s *System) ClearRoutes() error {
	logging.Info("System: clearing routing table")
	return s.store.Clear()
}

// QuerySync runs a one-shot query against urls and returns the deduplicated
// union of results.
func (s *System) QuerySync(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error) {
	return s.pool.QuerySync(ctx, urls, filter)
}

// Publish sends ev to every url in parallel and reports per-relay outcomes.
func (s *System) Publish(ctx context.Context, urls []string, ev nostr.Event) []pool.PublishResult {
	return s.pool.Publish(ctx, urls, ev)
}

// SubscribeMany opens a live subscription across urls with cross-relay
// event dedup.
func (s *System) SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter, handler pool.EventHandler) (*pool.Subscription, error) {
	return s.pool.SubscribeMany(ctx, urls, filter, handler)
}

// ConnectedRelays returns the urls of currently open connections.
func (s *System) ConnectedRelays() []string {
	return s.pool.ConnectedRelays()
}

// GetPool returns the underlying connection pool for direct use.
func (s *System) GetPool() *pool.Pool {
	return s.pool
}

// GetStats returns comprehensive statistics in structured format
func (s *System) GetStats() SystemStats {
	return SystemStats{
		Pool:      s.pool.GetStats().(pool.PoolStats),
		Scheduler: s.scheduler.GetStats().(scheduler.SchedulerStats),
		Timestamp: time.Now().Unix(),
	}
}

// GetStatsCollector returns the stats collector for external use
func (s *System) GetStatsCollector() *stats.StatsCollector {
	return s.statsCollector
}

// GetStatsAsJSON returns all stats as formatted JSON
func (s *System) GetStatsAsJSON() ([]byte, error) {
	return s.statsCollector.GetStatsAsJSON()
}
