package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/nostr-outbox/logging"
	"github.com/girino/nostr-outbox/metrics"
)

// State describes the lifecycle of a session's socket.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Session manages one relay connection. Sessions are created and owned by the
// pool; callers never hold them across pool operations.
type Session struct {
	url     string
	connect Connector
	clock   clock.Clock

	backoffBase time.Duration
	backoffMax  time.Duration
	retryBudget int

	inflight atomic.Int64

	mu           sync.Mutex
	conn         Conn
	state        State
	dialDone     chan struct{}
	failures     int
	nextAttempt  time.Time
	lastActivity time.Time
}

func newSession(url string, connect Connector, clk clock.Clock, cfg Config) *Session {
	return &Session{
		url:          url,
		connect:      connect,
		clock:        clk,
		backoffBase:  cfg.BackoffBase,
		backoffMax:   cfg.BackoffMax,
		retryBudget:  cfg.RetryBudget,
		lastActivity: clk.Now(),
	}
}

// URL returns the relay URL this session is bound to.
func (s *Session) URL() string { return s.url }

// State returns the current socket state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open establishes the socket. Idempotent if already open; a concurrent call
// during an in-flight dial waits for that dial to settle rather than racing
// it. A session in backoff fails fast; a degraded session fails until Retry.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	for s.state == StateConnecting {
		done := s.dialDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	switch s.state {
	case StateOpen:
		s.mu.Unlock()
		return nil
	case StateDegraded:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s after %d consecutive failures", ErrDegraded, s.url, s.failures)
	}
	now := s.clock.Now()
	if now.Before(s.nextAttempt) {
		wait := s.nextAttempt.Sub(now)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s in backoff for %v", ErrConnect, s.url, wait)
	}
	s.state = StateConnecting
	s.dialDone = make(chan struct{})
	s.mu.Unlock()

	conn, err := s.connect(ctx, s.url)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(s.dialDone)
	if err != nil {
		s.failures++
		delay := s.backoffDelay()
		s.nextAttempt = s.clock.Now().Add(delay)
		if s.failures >= s.retryBudget {
			s.state = StateDegraded
			logging.Warn("Session: %s degraded after %d failed connects", s.url, s.failures)
		} else {
			s.state = StateClosed
			logging.DebugMethod("pool", "Open", "connect to %s failed (attempt %d, next in %v): %v", s.url, s.failures, delay, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrConnect, s.url, err)
	}

	s.conn = conn
	s.state = StateOpen
	s.failures = 0
	s.nextAttempt = time.Time{}
	s.lastActivity = s.clock.Now()
	metrics.IncrementActiveConnections()
	logging.Debug("Session: connected to %s", s.url)
	return nil
}

// backoffDelay returns the delay before the next connect attempt: base delay
// doubling per failure, capped at backoffMax. Caller holds s.mu.
func (s *Session) backoffDelay() time.Duration {
	d := s.backoffBase
	for i := 1; i < s.failures; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	if d > s.backoffMax {
		return s.backoffMax
	}
	return d
}

// Retry clears the degraded flag and backoff so the next Open dials again.
func (s *Session) Retry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDegraded {
		s.state = StateClosed
	}
	s.failures = 0
	s.nextAttempt = time.Time{}
	logging.Debug("Session: %s reset for retry", s.url)
}

// Conn returns the live connection, or ErrNotConnected.
func (s *Session) Conn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.conn == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, s.url, s.state)
	}
	return s.conn, nil
}

// fail records a broken connection discovered mid-operation. The socket is
// closed and the session returns to closed; the next Open redials immediately.
func (s *Session) fail(err error) {
	s.mu.Lock()
	conn := s.conn
	wasOpen := s.state == StateOpen
	s.conn = nil
	if s.state != StateDegraded {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		metrics.DecrementActiveConnections()
	}
	logging.DebugMethod("pool", "fail", "connection to %s dropped: %v", s.url, err)
}

// Close tears down the socket. The session stays usable; Open reconnects.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	wasOpen := s.state == StateOpen
	s.conn = nil
	if s.state != StateDegraded {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		metrics.DecrementActiveConnections()
	}
}

func (s *Session) acquire() { s.inflight.Add(1) }
func (s *Session) release() { s.inflight.Add(-1) }

func (s *Session) busy() bool { return s.inflight.Load() > 0 }

// touch marks activity on the session, deferring idle eviction.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// LastActivity reports when the session last did useful work.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// idleFor reports whether the session has been inactive for at least d and
// has no in-flight work.
func (s *Session) idleFor(d time.Duration) bool {
	if s.busy() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.lastActivity) >= d
}

// evictable reports whether the pool may drop this session to make room.
// Connecting sessions are never evicted.
func (s *Session) evictable() bool {
	if s.busy() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateConnecting
}
