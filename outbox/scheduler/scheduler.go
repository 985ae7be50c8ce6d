// Package scheduler decides when discovery runs, serializes its batches, and
// reports progress to observers. Only one run is ever active; triggers while
// running are no-ops.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/metrics"
	"github.com/girino/nostr-outbox/routing"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// BootstrapRelays are queried for relay-list documents.
	BootstrapRelays []string
	// BatchSize is how many users go into one discovery batch.
	BatchSize int
	// BatchDelay paces consecutive batches within a run.
	BatchDelay time.Duration
	// MinRefreshInterval gates how often triggers may start a run while the
	// table is warm.
	MinRefreshInterval time.Duration
	// RefreshInterval is the periodic re-discovery cadence.
	RefreshInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          25,
		BatchDelay:         500 * time.Millisecond,
		MinRefreshInterval: 30 * time.Minute,
		RefreshInterval:    2 * time.Hour,
	}
}

// Progress is a snapshot of a discovery run's advancement.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// newProgress rounds to a whole percentage, saturating at 99 until every
// user is actually done. 100 means complete, never "almost".
func newProgress(completed, total int) Progress {
	p := Progress{Completed: completed, Total: total}
	if total <= 0 {
		return p
	}
	pct := int(math.Round(float64(completed) / float64(total) * 100))
	if pct >= 100 && completed < total {
		pct = 99
	}
	p.Percentage = pct
	return p
}

// runState is the ephemeral per-run session. Lost on restart; routes already
// written are not.
type runState struct {
	ID        string
	PubKeys   []string
	StartedAt time.Time
	Completed int
	Total     int
}

// Scheduler orchestrates discovery runs.
type Scheduler struct {
	discoverer Discoverer
	store      routing.Store
	cfg        Config
	clock      clock.Clock
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	started          bool
	running          bool
	run              *runState
	activeRelays     []string
	identities       []string
	lastRun          time.Time
	lastProgress     Progress
	completedInitial bool
	subscribers      map[int]chan Progress
	nextSubID        int

	runsStarted atomic.Int64
	runsFailed  atomic.Int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a scheduler. Call Start to enable the periodic refresh loop.
func New(discoverer Discoverer, store routing.Store, cfg Config, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultConfig().BatchDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		discoverer:  discoverer,
		store:       store,
		cfg:         cfg,
		clock:       clock.New(),
		limiter:     rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]chan Progress),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetIdentities installs the local identity set used by first-load and
// periodic triggers. Scheduler-private; only this writer mutates it.
func (s *Scheduler) SetIdentities(pubkeys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append([]string{}, pubkeys...)
}

// Start loads persisted state and launches the periodic refresh loop. If the
// routing table is cold and identities are known, a run starts immediately.
func (s *Scheduler) Start() {
	if last, err := s.store.LastDiscovery(); err == nil {
		s.mu.Lock()
		s.lastRun = last
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.started = true
	identities := append([]string{}, s.identities...)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refreshLoop()

	if len(identities) > 0 {
		if s.Trigger(identities) {
			logging.Info("Scheduler: first-load discovery started for %d identities", len(identities))
		}
	}
}

// Stop cancels any in-flight run (between batches) and the refresh loop.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logging.Info("Scheduler: stopped")
}

// Trigger requests a discovery run for pubkeys. Returns whether a run
// actually started: a running scheduler, a warm table inside the minimum
// refresh interval, or an empty set all make this a no-op.
func (s *Scheduler) Trigger(pubkeys []string) bool {
	pubkeys = dedupe(pubkeys)
	if len(pubkeys) == 0 {
		return false
	}

	s.mu.Lock()
	now := s.clock.Now()
	if !s.shouldRunLocked(now) {
		s.mu.Unlock()
		logging.DebugMethod("scheduler", "Trigger", "skipped (running=%v, lastRun=%v)", s.running, s.lastRun)
		return false
	}
	run := &runState{
		ID:        uuid.NewString(),
		PubKeys:   pubkeys,
		StartedAt: now,
		Total:     len(pubkeys),
	}
	s.running = true
	s.run = run
	s.activeRelays = append([]string{}, s.cfg.BootstrapRelays...)
	s.lastProgress = newProgress(0, run.Total)
	s.mu.Unlock()

	s.runsStarted.Add(1)
	metrics.IncrementDiscoveryRuns()
	logging.Info("Scheduler: run %s started for %d users", run.ID, run.Total)

	s.wg.Add(1)
	go s.runDiscovery(run)
	return true
}

// shouldRunLocked applies the trigger conditions: not already running, and
// either a cold routing table (which overrides freshness) or the minimum
// refresh interval elapsed. Caller holds s.mu.
func (s *Scheduler) shouldRunLocked(now time.Time) bool {
	if s.running {
		return false
	}
	if users, err := s.store.AllUsers(); err == nil && len(users) == 0 {
		return true
	}
	if s.lastRun.IsZero() {
		return true
	}
	return now.Sub(s.lastRun) >= s.cfg.MinRefreshInterval
}

func (s *Scheduler) runDiscovery(run *runState) {
	defer s.wg.Done()
	defer s.finishRun(run)

	failed := false
	for start := 0; start < len(run.PubKeys); start += s.cfg.BatchSize {
		// Politeness pacing; also the cooperative cancellation point
		// between batches.
		if err := s.limiter.Wait(s.ctx); err != nil {
			logging.Info("Scheduler: run %s cancelled after %d/%d users", run.ID, run.Completed, run.Total)
			return
		}

		end := start + s.cfg.BatchSize
		if end > len(run.PubKeys) {
			end = len(run.PubKeys)
		}
		batch := run.PubKeys[start:end]

		res := s.discoverer.Discover(s.ctx, batch, s.cfg.BootstrapRelays)
		if !res.Success {
			failed = true
		}
		s.advance(run, len(batch))
	}

	if failed {
		s.runsFailed.Add(1)
		metrics.IncrementDiscoveryFailed()
		logging.Warn("Scheduler: run %s completed with failed batches", run.ID)
	}
}

// advance moves the completion counter and broadcasts progress.
func (s *Scheduler) advance(run *runState, n int) {
	s.mu.Lock()
	run.Completed += n
	p := newProgress(run.Completed, run.Total)
	s.lastProgress = p
	s.publishLocked(p)
	s.mu.Unlock()
	logging.DebugMethod("scheduler", "advance", "run %s progress %d/%d (%d%%)", run.ID, p.Completed, p.Total, p.Percentage)
}

// finishRun always executes, so a run never stays Running after total
// failure; the next trigger retries naturally.
func (s *Scheduler) finishRun(run *runState) {
	now := s.clock.Now()
	if err := s.store.SetLastDiscovery(now); err != nil {
		logging.Warn("Scheduler: persisting last-run timestamp failed: %v", err)
	}

	s.mu.Lock()
	s.running = false
	s.run = nil
	s.activeRelays = nil
	s.lastRun = now
	s.completedInitial = true
	s.publishLocked(s.lastProgress)
	s.mu.Unlock()

	logging.Info("Scheduler: run %s finished (%d/%d users, %v)", run.ID, run.Completed, run.Total, now.Sub(run.StartedAt))
}

func (s *Scheduler) refreshLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			identities := append([]string{}, s.identities...)
			s.mu.Unlock()
			if len(identities) == 0 {
				continue
			}
			if s.Trigger(identities) {
				logging.Debug("Scheduler: periodic refresh started for %d identities", len(identities))
			}
		}
	}
}

// IsDiscovering reports whether a run is active: the process-wide conflict
// marker for consumers that want to stay off the discovery relays.
func (s *Scheduler) IsDiscovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveRelays returns the relay set a running discovery is using, or nil.
func (s *Scheduler) ActiveRelays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activeRelays...)
}

// HasCompletedInitialDiscovery reports whether at least one run finished
// since startup.
func (s *Scheduler) HasCompletedInitialDiscovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedInitial
}

// CurrentProgress returns the latest progress snapshot. Completed is
// monotonically non-decreasing within a run.
func (s *Scheduler) CurrentProgress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProgress
}

// SubscribeProgress registers an observer. The channel holds the latest
// snapshot (stale values are replaced, not queued). The returned cancel
// detaches and closes the channel.
func (s *Scheduler) SubscribeProgress() (<-chan Progress, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Progress, 1)
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// publishLocked delivers a snapshot to every subscriber, replacing any stale
// value still buffered. Caller holds s.mu.
func (s *Scheduler) publishLocked(p Progress) {
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

// SchedulerStats is the stats-provider payload for the scheduler.
type SchedulerStats struct {
	Running          bool     `json:"running"`
	CompletedInitial bool     `json:"completed_initial"`
	LastRun          string   `json:"last_run"`
	RunsStarted      int64    `json:"runs_started"`
	RunsFailed       int64    `json:"runs_failed"`
	Progress         Progress `json:"progress"`
	ActiveRelays     []string `json:"active_relays,omitempty"`
}

// GetStatsName returns the name for this stats provider.
func (s *Scheduler) GetStatsName() string { return "scheduler" }

// GetStats returns scheduler statistics.
func (s *Scheduler) GetStats() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := ""
	if !s.lastRun.IsZero() {
		last = s.lastRun.Format(time.RFC3339)
	}
	return SchedulerStats{
		Running:          s.running,
		CompletedInitial: s.completedInitial,
		LastRun:          last,
		RunsStarted:      s.runsStarted.Load(),
		RunsFailed:       s.runsFailed.Load(),
		Progress:         s.lastProgress,
		ActiveRelays:     append([]string(nil), s.activeRelays...),
	}
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
