// Package pool provides bounded, multiplexed access to many Nostr relay
// connections: synchronous multi-relay queries, parallel publishes and
// long-lived streaming subscriptions, all under a global connection ceiling
// with idle eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/metrics"
	"github.com/girino/nostr-outbox/routing"
	"github.com/nbd-wtf/go-nostr"
)

// acquirePollInterval is how often a blocked GetConnection rechecks capacity.
const acquirePollInterval = 50 * time.Millisecond

// Config holds pool tuning knobs.
type Config struct {
	// MaxConnections bounds open plus connecting sessions.
	MaxConnections int
	// AcquireWait is how long GetConnection blocks for capacity before
	// failing with ErrMaxConnections.
	AcquireWait time.Duration
	// IdleTimeout is the inactivity window after which a session may be
	// closed by cleanup.
	IdleTimeout time.Duration
	// QueryTimeout bounds one QuerySync call.
	QueryTimeout time.Duration
	// PublishTimeout bounds each per-relay publish.
	PublishTimeout time.Duration
	// BackoffBase and BackoffMax shape reconnect backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RetryBudget is the number of consecutive connect failures before a
	// session is marked degraded.
	RetryBudget int
	// SubscriptionCacheSize is the per-subscription seen-event LRU size.
	SubscriptionCacheSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:        25,
		AcquireWait:           2 * time.Second,
		IdleTimeout:           5 * time.Minute,
		QueryTimeout:          10 * time.Second,
		PublishTimeout:        10 * time.Second,
		BackoffBase:           time.Second,
		BackoffMax:            30 * time.Second,
		RetryBudget:           5,
		SubscriptionCacheSize: 4096,
	}
}

// PublishResult is the per-relay outcome of a Publish call.
type PublishResult struct {
	URL      string
	Success  bool
	Duration time.Duration
	Err      error
}

// Pool owns a bounded collection of relay sessions. It is the single owner
// and mutator of live socket state.
type Pool struct {
	cfg     Config
	connect Connector
	clock   clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queries       atomic.Int64
	queryFailures atomic.Int64
	publishes     atomic.Int64
	publishFails  atomic.Int64
	eventsFetched atomic.Int64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithConnector replaces the default go-nostr dialer.
func WithConnector(c Connector) Option {
	return func(p *Pool) { p.connect = c }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New creates a pool. Call Start to run the idle-connection janitor.
func New(cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		connect:  DialRelay,
		clock:    clock.New(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	logging.Debug("Pool: initialized with maxConnections=%d idleTimeout=%v", cfg.MaxConnections, cfg.IdleTimeout)
	return p
}

// Start launches the background janitor that closes idle sessions.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.janitor()
}

// Stop halts the janitor and closes every session.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	logging.Info("Pool: stopped, closed %d sessions", len(sessions))
}

func (p *Pool) janitor() {
	defer p.wg.Done()

	interval := p.cfg.IdleTimeout / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ForceCleanup()
		}
	}
}

// GetConnection returns an open session for url, creating one subject to the
// connection ceiling. At the ceiling it evicts the least-recently-active idle
// session, or waits up to AcquireWait before failing with ErrMaxConnections.
func (p *Pool) GetConnection(ctx context.Context, url string) (*Session, error) {
	url = routing.NormalizeRelayURL(url)
	if url == "" {
		return nil, fmt.Errorf("%w: invalid relay url", ErrConnect)
	}

	deadline := p.clock.Now().Add(p.cfg.AcquireWait)
	for {
		p.mu.Lock()
		if s, ok := p.sessions[url]; ok {
			p.mu.Unlock()
			if s.State() == StateDegraded {
				return nil, fmt.Errorf("%w: %s", ErrDegraded, url)
			}
			if err := s.Open(ctx); err != nil {
				return nil, err
			}
			return s, nil
		}

		if len(p.sessions) < p.cfg.MaxConnections {
			s := newSession(url, p.connect, p.clock, p.cfg)
			p.sessions[url] = s
			p.mu.Unlock()
			if err := s.Open(ctx); err != nil {
				// Session stays registered so backoff state survives.
				return nil, err
			}
			return s, nil
		}

		if victim := p.lruEvictableLocked(); victim != nil {
			delete(p.sessions, victim.URL())
			p.mu.Unlock()
			victim.Close()
			logging.DebugMethod("pool", "GetConnection", "evicted idle session %s to make room for %s", victim.URL(), url)
			continue
		}
		p.mu.Unlock()

		if !p.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %d sessions busy", ErrMaxConnections, p.cfg.MaxConnections)
		}
		t := p.clock.Timer(acquirePollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// lruEvictableLocked picks the evictable session with the oldest activity.
// Caller holds p.mu.
func (p *Pool) lruEvictableLocked() *Session {
	var victim *Session
	for _, s := range p.sessions {
		if !s.evictable() {
			continue
		}
		if victim == nil || s.LastActivity().Before(victim.LastActivity()) {
			victim = s
		}
	}
	return victim
}

// QuerySync issues a request-scoped subscription against every url in
// parallel and returns the union of results, deduplicated by event id.
// Failing relays contribute nothing; the call itself only errors when ctx is
// already dead.
func (p *Pool) QuerySync(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.queries.Add(1)
	metrics.IncrementQueries()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		byID = make(map[string]nostr.Event)
	)
	for _, url := range dedupeURLs(urls) {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			events, err := p.queryRelay(ctx, u, filter)
			if err != nil {
				p.queryFailures.Add(1)
				metrics.IncrementQueryFailures()
				logging.Debug("Pool: query against %s failed: %v", u, err)
				return
			}
			mu.Lock()
			for _, ev := range events {
				if _, seen := byID[ev.ID]; !seen {
					byID[ev.ID] = ev
				}
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	out := make([]nostr.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	p.eventsFetched.Add(int64(len(out)))
	metrics.AddEventsFetched(len(out))
	logging.DebugMethod("pool", "QuerySync", "%d relays -> %d events", len(urls), len(out))
	return out, nil
}

// queryRelay collects events from one relay until EOSE, the filter limit, or
// the context deadline. A deadline returns whatever was collected so far.
func (p *Pool) queryRelay(ctx context.Context, url string, filter nostr.Filter) ([]nostr.Event, error) {
	s, err := p.GetConnection(ctx, url)
	if err != nil {
		return nil, err
	}
	s.acquire()
	defer s.release()

	conn, err := s.Conn()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	defer sub.Unsub()

	max := 500
	if filter.Limit > 0 {
		max = filter.Limit
	}

	var events []nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			if ev == nil {
				continue
			}
			s.touch()
			events = append(events, *ev)
			if len(events) >= max {
				return events, nil
			}
		case <-sub.EndOfStoredEvents:
			s.touch()
			return events, nil
		case <-ctx.Done():
			// Partial results, not an error.
			return events, nil
		}
	}
}

// Publish sends the event to every url in parallel, each with its own
// timeout. Partial failure is reported per relay, never as a call error.
func (p *Pool) Publish(ctx context.Context, urls []string, ev nostr.Event) []PublishResult {
	urls = dedupeURLs(urls)
	results := make([]PublishResult, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = p.publishRelay(ctx, u, ev)
		}(i, url)
	}
	wg.Wait()
	return results
}

func (p *Pool) publishRelay(ctx context.Context, url string, ev nostr.Event) PublishResult {
	p.publishes.Add(1)
	metrics.IncrementPublishes()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	start := p.clock.Now()
	fail := func(err error) PublishResult {
		p.publishFails.Add(1)
		metrics.IncrementPublishFailures()
		logging.Debug("Pool: publish %s to %s failed: %v", ev.ID, url, err)
		return PublishResult{URL: url, Success: false, Duration: p.clock.Now().Sub(start), Err: err}
	}

	s, err := p.GetConnection(ctx, url)
	if err != nil {
		return fail(err)
	}
	s.acquire()
	defer s.release()

	conn, err := s.Conn()
	if err != nil {
		return fail(err)
	}
	if err := conn.Publish(ctx, ev); err != nil {
		s.fail(err)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: publish to %s", ErrTimeout, url)
		}
		return fail(err)
	}
	s.touch()
	elapsed := p.clock.Now().Sub(start)
	logging.DebugMethod("pool", "Publish", "event %s to %s (%.2fms)", ev.ID, url, elapsed.Seconds()*1000)
	return PublishResult{URL: url, Success: true, Duration: elapsed}
}

// ConnectedRelays returns the URLs of currently open sessions.
func (p *Pool) ConnectedRelays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	urls := make([]string, 0, len(p.sessions))
	for url, s := range p.sessions {
		if s.State() == StateOpen {
			urls = append(urls, url)
		}
	}
	return urls
}

// SessionCount returns the number of tracked sessions, open or not.
func (p *Pool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// RetrySession clears the degraded flag on a session so it is eligible for
// new work again.
func (p *Pool) RetrySession(url string) {
	url = routing.NormalizeRelayURL(url)
	p.mu.Lock()
	s := p.sessions[url]
	p.mu.Unlock()
	if s != nil {
		s.Retry()
	}
}

// ForceCleanup closes sessions idle beyond the configured threshold. Safe to
// call at any time, e.g. on memory-pressure signals.
func (p *Pool) ForceCleanup() {
	p.mu.Lock()
	var victims []*Session
	for url, s := range p.sessions {
		if s.idleFor(p.cfg.IdleTimeout) {
			delete(p.sessions, url)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	if len(victims) > 0 {
		logging.Info("Pool: cleaned up %d idle sessions", len(victims))
	}
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = routing.NormalizeRelayURL(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// PoolStats is the stats-provider payload for the pool.
type PoolStats struct {
	MaxConnections  int      `json:"max_connections"`
	Sessions        int      `json:"sessions"`
	ConnectedRelays []string `json:"connected_relays"`
	Queries         int64    `json:"queries"`
	QueryFailures   int64    `json:"query_failures"`
	Publishes       int64    `json:"publishes"`
	PublishFailures int64    `json:"publish_failures"`
	EventsFetched   int64    `json:"events_fetched"`
}

// GetStatsName returns the name for this stats provider.
func (p *Pool) GetStatsName() string { return "pool" }

// GetStats returns pool statistics.
func (p *Pool) GetStats() interface{} {
	return PoolStats{
		MaxConnections:  p.cfg.MaxConnections,
		Sessions:        p.SessionCount(),
		ConnectedRelays: p.ConnectedRelays(),
		Queries:         p.queries.Load(),
		QueryFailures:   p.queryFailures.Load(),
		Publishes:       p.publishes.Load(),
		PublishFailures: p.publishFails.Load(),
		EventsFetched:   p.eventsFetched.Load(),
	}
}
