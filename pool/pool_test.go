package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func testPoolConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnections = 3
	cfg.AcquireWait = 10 * time.Millisecond
	cfg.QueryTimeout = 2 * time.Second
	cfg.PublishTimeout = 2 * time.Second
	cfg.BackoffBase = time.Millisecond
	cfg.RetryBudget = 2
	return cfg
}

// mapConnector serves a fixed conn per url; unknown urls fail.
func mapConnector(conns map[string]*fakeConn) Connector {
	return func(ctx context.Context, url string) (Conn, error) {
		if c, ok := conns[url]; ok {
			return c, nil
		}
		return nil, errors.New("unreachable")
	}
}

func event(id, pubkey string, createdAt int64) nostr.Event {
	return nostr.Event{ID: id, PubKey: pubkey, CreatedAt: nostr.Timestamp(createdAt), Kind: nostr.KindTextNote}
}

func TestPool_ConnectionCeiling(t *testing.T) {
	urls := []string{
		"wss://a.test", "wss://b.test", "wss://c.test",
		"wss://d.test", "wss://e.test", "wss://f.test",
	}
	conns := make(map[string]*fakeConn, len(urls))
	for _, u := range urls {
		conns[u] = &fakeConn{}
	}

	clk := clock.NewMock()
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)), WithClock(clk))

	for _, u := range urls {
		_, err := p.GetConnection(context.Background(), u)
		require.NoError(t, err)
		require.LessOrEqual(t, p.SessionCount(), 3)
		clk.Add(time.Millisecond)
	}
	require.Equal(t, 3, p.SessionCount())

	// The newest sessions survived eviction.
	relays := p.ConnectedRelays()
	require.ElementsMatch(t, []string{"wss://d.test", "wss://e.test", "wss://f.test"}, relays)
}

func TestPool_CeilingHoldsUnderConcurrency(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 4
	cfg.AcquireWait = 2 * time.Second
	urls := make([]string, 20)
	conns := make(map[string]*fakeConn, len(urls))
	for i := range urls {
		urls[i] = "wss://relay" + string(rune('a'+i)) + ".test"
		conns[urls[i]] = &fakeConn{}
	}
	p := New(cfg, WithConnector(mapConnector(conns)))

	done := make(chan struct{})
	exceeded := make(chan int, 1)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				if n := p.SessionCount(); n > cfg.MaxConnections {
					select {
					case exceeded <- n:
					default:
					}
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, len(urls))
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := p.GetConnection(context.Background(), u); err != nil {
				errs <- err
			}
		}(u)
	}
	wg.Wait()
	close(done)
	close(errs)
	for err := range errs {
		t.Errorf("GetConnection failed: %v", err)
	}

	select {
	case n := <-exceeded:
		t.Fatalf("session count reached %d, ceiling is %d", n, cfg.MaxConnections)
	default:
	}
	require.LessOrEqual(t, p.SessionCount(), cfg.MaxConnections)
}

func TestPool_AcquireTimeoutWhenAllBusy(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	conns := map[string]*fakeConn{"wss://a.test": {}, "wss://b.test": {}}
	p := New(cfg, WithConnector(mapConnector(conns)))

	s, err := p.GetConnection(context.Background(), "wss://a.test")
	require.NoError(t, err)
	s.acquire()
	defer s.release()

	_, err = p.GetConnection(context.Background(), "wss://b.test")
	require.ErrorIs(t, err, ErrMaxConnections)
	require.Equal(t, 1, p.SessionCount())
}

func TestPool_EvictsIdleForNewConnection(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	conns := map[string]*fakeConn{"wss://a.test": {}, "wss://b.test": {}}
	p := New(cfg, WithConnector(mapConnector(conns)))

	_, err := p.GetConnection(context.Background(), "wss://a.test")
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "wss://b.test")
	require.NoError(t, err)
	require.Equal(t, 1, p.SessionCount())
	require.Equal(t, []string{"wss://b.test"}, p.ConnectedRelays())
	require.True(t, conns["wss://a.test"].closed.Load())
}

func TestPool_GetConnectionRejectsBadURL(t *testing.T) {
	p := New(testPoolConfig(), WithConnector(mapConnector(nil)))
	_, err := p.GetConnection(context.Background(), "https://not-a-relay.test")
	require.ErrorIs(t, err, ErrConnect)
}

func TestPool_DegradedSessionSurfaced(t *testing.T) {
	cfg := testPoolConfig()
	cfg.RetryBudget = 1
	p := New(cfg, WithConnector(mapConnector(nil)))

	_, err := p.GetConnection(context.Background(), "wss://a.test")
	require.ErrorIs(t, err, ErrConnect)

	_, err = p.GetConnection(context.Background(), "wss://a.test")
	require.ErrorIs(t, err, ErrDegraded)

	p.RetrySession("wss://a.test")
	_, err = p.GetConnection(context.Background(), "wss://a.test")
	require.ErrorIs(t, err, ErrConnect)
}

func TestPool_QuerySyncUnionDedup(t *testing.T) {
	e1, e2, e3 := event("e1", "p1", 100), event("e2", "p1", 101), event("e3", "p2", 102)
	conns := map[string]*fakeConn{
		"wss://a.test": {events: []*nostr.Event{&e1, &e2}},
		"wss://b.test": {events: []*nostr.Event{&e2, &e3}},
	}
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)))

	urls := []string{"wss://a.test", "wss://b.test", "wss://down.test"}
	events, err := p.QuerySync(context.Background(), urls, nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	require.Len(t, events, 3)

	ids := make(map[string]bool)
	for _, ev := range events {
		ids[ev.ID] = true
	}
	require.True(t, ids["e1"] && ids["e2"] && ids["e3"])

	stats := p.GetStats().(PoolStats)
	require.Equal(t, int64(1), stats.Queries)
	require.Equal(t, int64(1), stats.QueryFailures)
	require.Equal(t, int64(3), stats.EventsFetched)
}

func TestPool_QuerySyncHonorsLimit(t *testing.T) {
	e1, e2, e3 := event("e1", "p1", 100), event("e2", "p1", 101), event("e3", "p1", 102)
	conns := map[string]*fakeConn{
		"wss://a.test": {events: []*nostr.Event{&e1, &e2, &e3}},
	}
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)))

	events, err := p.QuerySync(context.Background(), []string{"wss://a.test"}, nostr.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestPool_QuerySyncDeadContext(t *testing.T) {
	p := New(testPoolConfig(), WithConnector(mapConnector(nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.QuerySync(ctx, []string{"wss://a.test"}, nostr.Filter{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_PublishPartialFailure(t *testing.T) {
	conns := map[string]*fakeConn{
		"wss://a.test": {},
		"wss://b.test": {publishErr: errors.New("blocked: rate limited")},
	}
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)))

	results := p.Publish(context.Background(), []string{"wss://a.test", "wss://b.test"}, event("e1", "p1", 100))
	require.Len(t, results, 2)

	byURL := make(map[string]PublishResult)
	for _, r := range results {
		byURL[r.URL] = r
	}
	require.True(t, byURL["wss://a.test"].Success)
	require.NoError(t, byURL["wss://a.test"].Err)
	require.False(t, byURL["wss://b.test"].Success)
	require.Error(t, byURL["wss://b.test"].Err)
	require.Equal(t, int64(1), conns["wss://a.test"].published.Load())
}

func TestPool_PublishDedupesURLs(t *testing.T) {
	conns := map[string]*fakeConn{"wss://a.test": {}}
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)))

	results := p.Publish(context.Background(), []string{"wss://a.test", "wss://a.test/", " wss://a.test"}, event("e1", "p1", 100))
	require.Len(t, results, 1)
	require.Equal(t, int64(1), conns["wss://a.test"].published.Load())
}

func TestPool_ForceCleanup(t *testing.T) {
	cfg := testPoolConfig()
	cfg.IdleTimeout = time.Minute
	conns := map[string]*fakeConn{"wss://a.test": {}, "wss://b.test": {}}
	clk := clock.NewMock()
	p := New(cfg, WithConnector(mapConnector(conns)), WithClock(clk))

	_, err := p.GetConnection(context.Background(), "wss://a.test")
	require.NoError(t, err)
	clk.Add(30 * time.Second)
	_, err = p.GetConnection(context.Background(), "wss://b.test")
	require.NoError(t, err)

	clk.Add(40 * time.Second)
	p.ForceCleanup()
	require.Equal(t, 1, p.SessionCount())
	require.True(t, conns["wss://a.test"].closed.Load())
	require.False(t, conns["wss://b.test"].closed.Load())
}

func TestPool_StopClosesEverything(t *testing.T) {
	conns := map[string]*fakeConn{"wss://a.test": {}, "wss://b.test": {}}
	p := New(testPoolConfig(), WithConnector(mapConnector(conns)))
	p.Start()

	_, err := p.GetConnection(context.Background(), "wss://a.test")
	require.NoError(t, err)
	_, err = p.GetConnection(context.Background(), "wss://b.test")
	require.NoError(t, err)

	p.Stop()
	require.Equal(t, 0, p.SessionCount())
	require.True(t, conns["wss://a.test"].closed.Load())
	require.True(t, conns["wss://b.test"].closed.Load())
}

func TestPool_SubscribeManyDedup(t *testing.T) {
	a := newStreamConn()
	b := newStreamConn()
	p := New(testPoolConfig(), WithConnector(func(ctx context.Context, url string) (Conn, error) {
		if url == "wss://a.test" {
			return a, nil
		}
		return b, nil
	}))

	var mu sync.Mutex
	var got []string
	handler := func(relayURL string, ev *nostr.Event) {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
	}

	sub, err := p.SubscribeMany(context.Background(), []string{"wss://a.test", "wss://b.test"}, nostr.Filter{}, handler)
	require.NoError(t, err)

	e1, e2 := event("e1", "p1", 100), event("e2", "p1", 101)
	a.push(&e1)
	b.push(&e1)
	b.push(&e2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.ElementsMatch(t, []string{"e1", "e2"}, got)
	mu.Unlock()

	sub.Close()
	sub.Close()
}

// streamConn is a fake relay whose subscription stays open until the caller
// cancels; the test feeds events through push.
type streamConn struct {
	events chan *nostr.Event
}

func newStreamConn() *streamConn {
	return &streamConn{events: make(chan *nostr.Event, 16)}
}

func (c *streamConn) push(ev *nostr.Event) { c.events <- ev }

func (c *streamConn) Subscribe(ctx context.Context, filter nostr.Filter) (*Sub, error) {
	return NewSub(c.events, make(chan struct{}), func() {}), nil
}

func (c *streamConn) Publish(ctx context.Context, ev nostr.Event) error { return nil }

func (c *streamConn) Close() error { return nil }
