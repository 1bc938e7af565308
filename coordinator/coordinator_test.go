package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shuffle-and-Sync/gamesync/metrics"
	"github.com/Shuffle-and-Sync/gamesync/store"
)

func testConfig() Config {
	return Config{
		ConnectionTTL:     10 * time.Minute,
		HeartbeatInterval: time.Minute,
		HeartbeatTTL:      3 * time.Minute,
		SweepInterval:     time.Minute,
		StaleThreshold:    5 * time.Minute,
	}
}

func newTestCoordinator(t *testing.T, s store.Store) *Coordinator {
	t.Helper()
	c, err := New(s, "instance-"+t.Name(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.JoinGame(ctx, "alice", "room-1")

	assert.Equal(t, []string{"alice"}, c.GetOnlinePlayers(ctx, "room-1"))

	online, err := mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.True(t, online)

	c.Disconnect(ctx, "alice", "conn-1")

	online, err = mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Empty(t, c.GetOnlinePlayers(ctx, "room-1"))
}

func TestDisconnectKeepsUserOnlineWithOtherConnections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.Connect(ctx, "alice", "conn-2")
	c.Disconnect(ctx, "alice", "conn-1")

	online, err := mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.True(t, online, "a second live connection should keep the user online")

	c.Disconnect(ctx, "alice", "conn-2")
	online, err = mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestDisconnectMissingRecordIsNoOp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	// Already-disconnected is a valid state, not an error.
	c.Disconnect(ctx, "ghost", "conn-404")

	online, err := mem.SIsMember(ctx, "presence:online", "ghost")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestDisconnectLeavesJoinedRooms(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.Connect(ctx, "bob", "conn-2")
	c.JoinGame(ctx, "alice", "room-1")
	c.JoinGame(ctx, "bob", "room-1")

	c.Disconnect(ctx, "alice", "conn-1")

	members, err := mem.SMembers(ctx, "room:room-1:members")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestRoomTeardownWhenLastMemberLeaves(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.Connect(ctx, "bob", "conn-2")
	c.JoinGame(ctx, "alice", "room-7")
	c.JoinGame(ctx, "bob", "room-7")

	_, activityExists, err := mem.Get(ctx, "room:room-7:activity")
	require.NoError(t, err)
	require.True(t, activityExists)

	c.LeaveGame(ctx, "alice", "room-7")

	members, err := mem.SCard(ctx, "room:room-7:members")
	require.NoError(t, err)
	assert.Equal(t, int64(1), members)

	c.LeaveGame(ctx, "bob", "room-7")

	// Empty sets are deleted, not left dangling, and the activity
	// record goes with them.
	keys, err := mem.Keys(ctx, "room:room-7:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestJoinGameTagsConnectionRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.Connect(ctx, "alice", "conn-2")
	c.JoinGame(ctx, "alice", "room-1")
	c.JoinGame(ctx, "alice", "room-2")

	for _, connectionID := range []string{"conn-1", "conn-2"} {
		data, ok, err := mem.HGet(ctx, "presence:conn:alice", connectionID)
		require.NoError(t, err)
		require.True(t, ok)
		var record PlayerConnection
		require.NoError(t, json.Unmarshal(data, &record))
		assert.ElementsMatch(t, []string{"room-1", "room-2"}, record.Games)
	}

	c.LeaveGame(ctx, "alice", "room-1")

	data, _, err := mem.HGet(ctx, "presence:conn:alice", "conn-1")
	require.NoError(t, err)
	var record PlayerConnection
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, []string{"room-2"}, record.Games)
}

func TestGetOnlinePlayersExcludesStaleMembers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.JoinGame(ctx, "alice", "room-1")

	// A crashed process leaves bob in the member set with no live
	// connection and no online flag.
	require.NoError(t, mem.SAdd(ctx, "room:room-1:members", "bob"))

	assert.Equal(t, []string{"alice"}, c.GetOnlinePlayers(ctx, "room-1"))
}

func TestSelfEchoSuppression(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	local, err := New(mem, "instance-x", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Shutdown(context.Background()) })

	remote, err := New(mem, "instance-y", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { remote.Shutdown(context.Background()) })

	var mu sync.Mutex
	var received []GameEvent
	require.NoError(t, local.OnGameEvent(ctx, "room-1", func(event GameEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
	}))

	// An event from our own instance must never reach our handler.
	local.Broadcast(ctx, "room-1", GameEvent{Type: EventChat, UserID: "alice"})
	// An event from another instance must.
	remote.Broadcast(ctx, "room-1", GameEvent{Type: EventChat, UserID: "bob"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "bob", received[0].UserID)
	assert.Equal(t, "instance-y", received[0].OriginInstance)
	assert.Equal(t, "room-1", received[0].GameID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestBroadcastFillsOriginAndTimestamp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	sub, err := mem.Subscribe(ctx, "room:room-1:events")
	require.NoError(t, err)
	defer sub.Close()

	c.Broadcast(ctx, "room-1", GameEvent{Type: EventGameAction, UserID: "alice"})

	select {
	case msg := <-sub.Messages():
		var event GameEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, c.InstanceID(), event.OriginInstance)
		assert.Equal(t, "room-1", event.GameID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the room channel")
	}
}

func TestTwoProcessJoinRace(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	p1, err := New(mem, "instance-p1", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { p1.Shutdown(context.Background()) })

	p2, err := New(mem, "instance-p2", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { p2.Shutdown(context.Background()) })

	p1.Connect(ctx, "alice", "conn-1")
	p2.Connect(ctx, "bob", "conn-2")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p1.JoinGame(ctx, "alice", "room-7")
	}()
	go func() {
		defer wg.Done()
		p2.JoinGame(ctx, "bob", "room-7")
	}()
	wg.Wait()

	assert.ElementsMatch(t, []string{"alice", "bob"}, p1.GetOnlinePlayers(ctx, "room-7"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, p2.GetOnlinePlayers(ctx, "room-7"))
}

func TestStaleSweep(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.JoinGame(ctx, "alice", "room-1")

	// Backdate the connection record past the staleness threshold, as if
	// the owning process crashed without disconnecting.
	record := PlayerConnection{
		UserID:       "alice",
		ConnectionID: "conn-1",
		Games:        []string{"room-1"},
		LastSeenAt:   time.Now().UTC().Add(-time.Hour),
		ServerID:     "instance-dead",
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, mem.HSet(ctx, "presence:conn:alice", "conn-1", data))

	c.SweepStaleConnections(ctx)

	online, err := mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.False(t, online, "user with only stale connections should be swept offline")

	_, ok, err := mem.HGet(ctx, "presence:conn:alice", "conn-1")
	require.NoError(t, err)
	assert.False(t, ok, "stale connection record should be removed")

	keys, err := mem.Keys(ctx, "room:room-1:*")
	require.NoError(t, err)
	assert.Empty(t, keys, "sweeping the last member should tear the room down")
}

func TestSweepKeepsFreshConnections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.SweepStaleConnections(ctx)

	online, err := mem.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestConnectionGaugeTracksLocalConnectionsOnly(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	// Locally-owned connections move the gauge symmetrically.
	before := testutil.ToFloat64(metrics.ActiveConnections)
	c.Connect(ctx, "alice", "conn-1")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ActiveConnections))
	c.Disconnect(ctx, "alice", "conn-1")
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveConnections))

	// A record owned by a crashed instance is swept without touching
	// this instance's gauge.
	record := PlayerConnection{
		UserID:       "bob",
		ConnectionID: "conn-2",
		LastSeenAt:   time.Now().UTC().Add(-time.Hour),
		ServerID:     "instance-dead",
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, mem.HSet(ctx, "presence:conn:bob", "conn-2", data))
	require.NoError(t, mem.SAdd(ctx, "presence:online", "bob"))

	c.SweepStaleConnections(ctx)

	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveConnections))
	_, ok, err := mem.HGet(ctx, "presence:conn:bob", "conn-2")
	require.NoError(t, err)
	assert.False(t, ok, "the foreign stale record should still be removed")
}

func TestSweepClearsOrphanedOnlineFlag(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	// Online flag with no connection hash at all: the hash TTL already
	// expired after a crash.
	require.NoError(t, mem.SAdd(ctx, "presence:online", "ghost"))

	c.SweepStaleConnections(ctx)

	online, err := mem.SIsMember(ctx, "presence:online", "ghost")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem)

	c.Connect(ctx, "alice", "conn-1")
	c.Connect(ctx, "alice", "conn-2")
	c.Connect(ctx, "bob", "conn-3")
	c.JoinGame(ctx, "alice", "room-1")
	c.JoinGame(ctx, "bob", "room-2")

	stats := c.GetStats(ctx)
	assert.Equal(t, int64(2), stats.OnlineUsers)
	assert.Equal(t, int64(2), stats.ActiveGames)
	assert.Equal(t, int64(3), stats.TotalConnections)
}

func TestShutdownDeregistersInstance(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c, err := New(mem, "instance-z", testConfig(), nil)
	require.NoError(t, err)

	_, ok, err := mem.Get(ctx, "instance:instance-z")
	require.NoError(t, err)
	require.True(t, ok, "heartbeat marker should exist after startup")

	c.JoinGame(ctx, "alice", "room-1")
	c.Shutdown(ctx)
	c.Shutdown(ctx) // safe to call twice

	_, ok, err = mem.Get(ctx, "instance:instance-z")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat marker should be deregistered")
}

func TestDecodePayload(t *testing.T) {
	payload, err := json.Marshal(ChatPayload{Message: "gg"})
	require.NoError(t, err)

	decoded, err := DecodePayload(GameEvent{Type: EventChat, Payload: payload})
	require.NoError(t, err)
	chat, ok := decoded.(*ChatPayload)
	require.True(t, ok)
	assert.Equal(t, "gg", chat.Message)

	_, err = DecodePayload(GameEvent{Type: "unregistered-type"})
	assert.Error(t, err)

	_, err = DecodePayload(GameEvent{Type: EventChat, Payload: json.RawMessage(`{`)})
	assert.Error(t, err)
}
