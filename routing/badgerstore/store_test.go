package badgerstore

import (
	"testing"
	"time"

	"github.com/girino/nostr-outbox/routing"
	"github.com/stretchr/testify/require"
)

func testRoutes(pubkey string) []routing.RelayRoute {
	at := time.Unix(1700000000, 0).UTC()
	return []routing.RelayRoute{
		{PubKey: pubkey, URL: "wss://a.test", Read: true, Write: true, DiscoveredAt: at},
		{PubKey: pubkey, URL: "wss://b.test", Read: true, DiscoveredAt: at},
	}
}

func TestStore_RoutesRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Routes("alice")
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.UpsertRoutes("alice", testRoutes("alice")))

	got, err = s.Routes("alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "wss://a.test", got[0].URL)
	require.True(t, got[0].Read && got[0].Write)
	require.Equal(t, "wss://b.test", got[1].URL)
	require.True(t, got[1].Read)
	require.False(t, got[1].Write)
}

func TestStore_UpsertReplacesWholesale(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertRoutes("alice", testRoutes("alice")))

	replacement := []routing.RelayRoute{
		{PubKey: "alice", URL: "wss://c.test", Write: true, DiscoveredAt: time.Now()},
	}
	require.NoError(t, s.UpsertRoutes("alice", replacement))

	got, err := s.Routes("alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "wss://c.test", got[0].URL)

	// An empty relay list still replaces; the user stays known.
	require.NoError(t, s.UpsertRoutes("alice", nil))
	got, err = s.Routes("alice")
	require.NoError(t, err)
	require.Empty(t, got)

	users, err := s.AllUsers()
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)
}

func TestStore_AllUsers(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	users, err := s.AllUsers()
	require.NoError(t, err)
	require.Empty(t, users)

	require.NoError(t, s.UpsertRoutes("alice", testRoutes("alice")))
	require.NoError(t, s.UpsertRoutes("bob", testRoutes("bob")))
	require.NoError(t, s.SetLastDiscovery(time.Now()))

	users, err = s.AllUsers()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, users)
}

func TestStore_LastDiscovery(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ts, err := s.LastDiscovery()
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	want := time.Unix(1700000000, 0)
	require.NoError(t, s.SetLastDiscovery(want))

	ts, err = s.LastDiscovery()
	require.NoError(t, err)
	require.Equal(t, want.Unix(), ts.Unix())
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRoutes("alice", testRoutes("alice")))
	require.NoError(t, s.SetLastDiscovery(time.Unix(1700000000, 0)))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Routes("alice")
	require.NoError(t, err)
	require.Len(t, got, 2)

	ts, err := s.LastDiscovery()
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), ts.Unix())
}

func TestStore_Clear(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertRoutes("alice", testRoutes("alice")))
	require.NoError(t, s.SetLastDiscovery(time.Now()))

	require.NoError(t, s.Clear())

	users, err := s.AllUsers()
	require.NoError(t, err)
	require.Empty(t, users)

	ts, err := s.LastDiscovery()
	require.NoError(t, err)
	require.True(t, ts.IsZero())
}
