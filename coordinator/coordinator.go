// Package coordinator tracks which users are connected to which live game
// rooms across a horizontally-scaled fleet of stateless processes, and
// broadcasts game and presence events between them through the shared
// store's pub/sub channels.
//
// The shared store is the single source of cross-process truth. Everything
// held in-process (room subscriptions, handler lists) is a derivation and
// is never authoritative for another process's state. Presence and
// membership are soft state: last-write-wins on connection records is
// acceptable, and multi-step sequences tolerate benign races because every
// teardown step is idempotent.
package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Shuffle-and-Sync/gamesync/metrics"
	"github.com/Shuffle-and-Sync/gamesync/store"
)

// Config holds the coordinator's timing knobs. TTLs and thresholds are
// process-wide, not per-call.
type Config struct {
	// ConnectionTTL is the sliding TTL on a user's connection-record hash.
	ConnectionTTL time.Duration
	// HeartbeatInterval is how often the instance liveness marker is
	// refreshed; HeartbeatTTL is the marker's TTL and must exceed it.
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	// SweepInterval is how often the stale-connection sweep runs.
	// Connections idle longer than StaleThreshold are force-disconnected.
	SweepInterval  time.Duration
	StaleThreshold time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ConnectionTTL:     10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTTL:      90 * time.Second,
		SweepInterval:     5 * time.Minute,
		StaleThreshold:    5 * time.Minute,
	}
}

// PlayerConnection is one physical connection of a user. A user may hold
// several at once (multiple tabs, devices). Stored as a hash field under
// the user's connection key with a sliding TTL.
type PlayerConnection struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Games        []string  `json:"games,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	ServerID     string    `json:"server_id"`
}

// Stats is a cluster-wide snapshot assembled from the shared store.
type Stats struct {
	OnlineUsers      int64 `json:"online_users"`
	ActiveGames      int64 `json:"active_games"`
	TotalConnections int64 `json:"total_connections"`
}

// Key and channel layout in the shared store.
const (
	onlineUsersKey  = "presence:online"
	presenceChannel = "presence:events"
)

func connectionsKey(userID string) string { return "presence:conn:" + userID }
func roomMembersKey(gameID string) string { return "room:" + gameID + ":members" }
func roomActivityKey(gameID string) string { return "room:" + gameID + ":activity" }
func roomChannel(gameID string) string    { return "room:" + gameID + ":events" }
func instanceKey(instanceID string) string { return "instance:" + instanceID }

// roomActivityTTL bounds activity records so a crashed cluster can't leak
// them forever; normal teardown deletes them explicitly.
const roomActivityTTL = 24 * time.Hour

type roomSub struct {
	sub     store.Subscription
	handler GameEventHandler
}

// Coordinator owns one process's view of presence and room membership.
// Construct one per process and tear it down with Shutdown; there are no
// ambient singletons.
type Coordinator struct {
	store      store.Store
	instanceID string
	cfg        Config
	sink       EventSink // optional event mirror, may be nil

	mu     sync.Mutex
	rooms  map[string]*roomSub
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a coordinator and verifies the store is reachable by writing
// the initial instance heartbeat. This is the one fatal path: every other
// operation degrades softly, but starting against an unreachable store
// would leave the process half-initialized.
func New(s store.Store, instanceID string, cfg Config, sink EventSink) (*Coordinator, error) {
	c := &Coordinator{
		store:      s,
		instanceID: instanceID,
		cfg:        cfg,
		sink:       sink,
		rooms:      make(map[string]*roomSub),
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.heartbeat(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.sweepLoop()

	return c, nil
}

// InstanceID returns this process's identifier, stamped on every event it
// produces.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Connect registers a player connection, marks the user online, and
// announces the presence change. Reconnecting with the same connectionId
// overwrites the prior record, so retries are harmless.
func (c *Coordinator) Connect(ctx context.Context, userID, connectionID string) {
	record := PlayerConnection{
		UserID:       userID,
		ConnectionID: connectionID,
		LastSeenAt:   time.Now().UTC(),
		ServerID:     c.instanceID,
	}
	if !c.writeConnection(ctx, record) {
		return
	}

	if err := c.store.SAdd(ctx, onlineUsersKey, userID); err != nil {
		log.Printf("coordinator: add %s to online set failed: %v", userID, err)
	}

	c.publishPresence(ctx, userID, StatusOnline)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	log.Printf("coordinator: user %s connected (connection %s)", userID, connectionID)
}

// Disconnect removes a connection record, leaves every room it had
// joined, and marks the user offline once their last connection is gone.
// A missing record is a no-op: already-disconnected is a valid state.
func (c *Coordinator) Disconnect(ctx context.Context, userID, connectionID string) {
	record, ok := c.readConnection(ctx, userID, connectionID)
	if !ok {
		return
	}

	for _, gameID := range record.Games {
		c.LeaveGame(ctx, userID, gameID)
	}

	if err := c.store.HDel(ctx, connectionsKey(userID), connectionID); err != nil {
		log.Printf("coordinator: delete connection %s/%s failed: %v", userID, connectionID, err)
	}
	// The gauge counts this instance's connections; sweeping a record
	// owned by a crashed instance must not drag it negative.
	if record.ServerID == c.instanceID {
		metrics.ActiveConnections.Dec()
	}

	remaining, err := c.store.HLen(ctx, connectionsKey(userID))
	if err != nil {
		log.Printf("coordinator: count connections for %s failed: %v", userID, err)
		return
	}
	if remaining == 0 {
		c.markOffline(ctx, userID)
	}
	log.Printf("coordinator: user %s disconnected (connection %s)", userID, connectionID)
}

// Touch records activity on a connection, refreshing its lastSeenAt and
// the sliding TTL on the user's connection hash.
func (c *Coordinator) Touch(ctx context.Context, userID, connectionID string) {
	record, ok := c.readConnection(ctx, userID, connectionID)
	if !ok {
		return
	}
	record.LastSeenAt = time.Now().UTC()
	c.writeConnection(ctx, record)
}

// JoinGame adds the user to the room's member set, tags their connection
// records with the game, subscribes this process to the room's channel if
// it isn't already, and announces the join to the room.
func (c *Coordinator) JoinGame(ctx context.Context, userID, gameID string) {
	if err := c.store.SAdd(ctx, roomMembersKey(gameID), userID); err != nil {
		log.Printf("coordinator: add %s to room %s failed: %v", userID, gameID, err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.store.SetTTL(ctx, roomActivityKey(gameID), []byte(now), roomActivityTTL); err != nil {
		log.Printf("coordinator: touch activity for room %s failed: %v", gameID, err)
	}

	c.updateConnections(ctx, userID, func(record *PlayerConnection) {
		for _, g := range record.Games {
			if g == gameID {
				return
			}
		}
		record.Games = append(record.Games, gameID)
	})

	if err := c.subscribeRoom(ctx, gameID); err != nil {
		log.Printf("coordinator: subscribe to room %s failed: %v", gameID, err)
	}

	c.Broadcast(ctx, gameID, GameEvent{Type: EventPlayerJoined, UserID: userID})
}

// LeaveGame removes the user from the room, strips the game from their
// connection records, and tears the room down if they were the last
// member. Teardown is idempotent: two processes racing to remove the last
// two members may both attempt it, and deleting an already-deleted key is
// a no-op.
func (c *Coordinator) LeaveGame(ctx context.Context, userID, gameID string) {
	if err := c.store.SRem(ctx, roomMembersKey(gameID), userID); err != nil {
		log.Printf("coordinator: remove %s from room %s failed: %v", userID, gameID, err)
	}

	c.updateConnections(ctx, userID, func(record *PlayerConnection) {
		games := record.Games[:0]
		for _, g := range record.Games {
			if g != gameID {
				games = append(games, g)
			}
		}
		record.Games = games
	})

	c.Broadcast(ctx, gameID, GameEvent{Type: EventPlayerLeft, UserID: userID})

	members, err := c.store.SCard(ctx, roomMembersKey(gameID))
	if err != nil {
		log.Printf("coordinator: count members of room %s failed: %v", gameID, err)
		return
	}
	if members == 0 {
		c.teardownRoom(ctx, gameID)
	}
}

// GetOnlinePlayers returns the room members who are actually online: the
// intersection of the member set and the global online set. Membership
// alone is not enough because a member's connection can expire without a
// leave ever running (e.g. a crashed process).
func (c *Coordinator) GetOnlinePlayers(ctx context.Context, gameID string) []string {
	members, err := c.store.SMembers(ctx, roomMembersKey(gameID))
	if err != nil {
		log.Printf("coordinator: read members of room %s failed: %v", gameID, err)
		return nil
	}

	online := make([]string, 0, len(members))
	for _, userID := range members {
		ok, err := c.store.SIsMember(ctx, onlineUsersKey, userID)
		if err != nil {
			log.Printf("coordinator: online check for %s failed: %v", userID, err)
			continue
		}
		if ok {
			online = append(online, userID)
		}
	}
	return online
}

// Broadcast stamps the event with this instance's id and the current time
// (when absent) and publishes it to the room channel. Delivery is
// at-most-once and unordered across processes by design; no
// acknowledgement or retry is layered on top.
func (c *Coordinator) Broadcast(ctx context.Context, gameID string, event GameEvent) {
	event.GameID = gameID
	if event.OriginInstance == "" {
		event.OriginInstance = c.instanceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("coordinator: marshal %s event for room %s failed: %v", event.Type, gameID, err)
		return
	}
	if err := c.store.Publish(ctx, roomChannel(gameID), data); err != nil {
		log.Printf("coordinator: broadcast %s to room %s failed: %v", event.Type, gameID, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()

	if c.sink != nil {
		// Fire and forget: the mirror retries internally and must never
		// slow down or fail a broadcast.
		go func(ev GameEvent) {
			if err := c.sink.Publish(ev); err != nil {
				log.Printf("coordinator: mirror %s event failed: %v", ev.Type, err)
			}
		}(event)
	}
}

// OnGameEvent registers the handler for a room's events, subscribing this
// process to the room channel if it hasn't yet. One handler per room
// channel: registering again replaces the previous handler, so repeated
// registration is idempotent. Events originating from this instance are
// suppressed before the handler runs.
func (c *Coordinator) OnGameEvent(ctx context.Context, gameID string, handler GameEventHandler) error {
	if err := c.subscribeRoom(ctx, gameID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[gameID]; ok {
		room.handler = handler
	}
	return nil
}

// GetStats assembles a cluster-wide snapshot from the shared store.
func (c *Coordinator) GetStats(ctx context.Context) Stats {
	var stats Stats

	if n, err := c.store.SCard(ctx, onlineUsersKey); err == nil {
		stats.OnlineUsers = n
		metrics.OnlineUsers.Set(float64(n))
	} else {
		log.Printf("coordinator: online count failed: %v", err)
	}

	roomKeys, err := c.store.Keys(ctx, "room:*:members")
	if err != nil {
		log.Printf("coordinator: room scan failed: %v", err)
	}
	stats.ActiveGames = int64(len(roomKeys))

	connKeys, err := c.store.Keys(ctx, "presence:conn:*")
	if err != nil {
		log.Printf("coordinator: connection scan failed: %v", err)
	}
	for _, key := range connKeys {
		if n, err := c.store.HLen(ctx, key); err == nil {
			stats.TotalConnections += n
		}
	}
	return stats
}

// Shutdown stops the background tasks, unsubscribes every room channel,
// and deregisters the instance heartbeat. Safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)

	rooms := c.rooms
	c.rooms = make(map[string]*roomSub)
	c.mu.Unlock()

	// Close subscriptions first so the dispatch loops drain and exit,
	// then wait for them and the periodic tasks.
	for gameID, room := range rooms {
		if err := room.sub.Close(); err != nil {
			log.Printf("coordinator: close subscription for room %s failed: %v", gameID, err)
		}
	}
	c.wg.Wait()
	metrics.ActiveRooms.Set(0)

	if _, err := c.store.Delete(ctx, instanceKey(c.instanceID)); err != nil {
		log.Printf("coordinator: deregister instance failed: %v", err)
	}
	log.Printf("coordinator: instance %s shut down", c.instanceID)
}

// --- internals ---

func (c *Coordinator) writeConnection(ctx context.Context, record PlayerConnection) bool {
	data, err := json.Marshal(record)
	if err != nil {
		log.Printf("coordinator: marshal connection %s/%s failed: %v", record.UserID, record.ConnectionID, err)
		return false
	}
	key := connectionsKey(record.UserID)
	if err := c.store.HSet(ctx, key, record.ConnectionID, data); err != nil {
		log.Printf("coordinator: store connection %s/%s failed: %v", record.UserID, record.ConnectionID, err)
		return false
	}
	if err := c.store.Expire(ctx, key, c.cfg.ConnectionTTL); err != nil {
		log.Printf("coordinator: refresh TTL for %s failed: %v", key, err)
	}
	return true
}

func (c *Coordinator) readConnection(ctx context.Context, userID, connectionID string) (PlayerConnection, bool) {
	data, ok, err := c.store.HGet(ctx, connectionsKey(userID), connectionID)
	if err != nil {
		log.Printf("coordinator: read connection %s/%s failed: %v", userID, connectionID, err)
		return PlayerConnection{}, false
	}
	if !ok {
		return PlayerConnection{}, false
	}
	var record PlayerConnection
	if err := json.Unmarshal(data, &record); err != nil {
		log.Printf("coordinator: unmarshal connection %s/%s failed: %v", userID, connectionID, err)
		return PlayerConnection{}, false
	}
	return record, true
}

// updateConnections applies mutate to every live connection record of a
// user. Last-write-wins per hash field is acceptable here; connection
// records are soft state, not a ledger.
func (c *Coordinator) updateConnections(ctx context.Context, userID string, mutate func(*PlayerConnection)) {
	all, err := c.store.HGetAll(ctx, connectionsKey(userID))
	if err != nil {
		log.Printf("coordinator: read connections for %s failed: %v", userID, err)
		return
	}
	for connectionID, data := range all {
		var record PlayerConnection
		if err := json.Unmarshal(data, &record); err != nil {
			log.Printf("coordinator: unmarshal connection %s/%s failed: %v", userID, connectionID, err)
			continue
		}
		mutate(&record)
		c.writeConnection(ctx, record)
	}
}

func (c *Coordinator) markOffline(ctx context.Context, userID string) {
	if err := c.store.SRem(ctx, onlineUsersKey, userID); err != nil {
		log.Printf("coordinator: remove %s from online set failed: %v", userID, err)
	}
	c.publishPresence(ctx, userID, StatusOffline)
}

func (c *Coordinator) publishPresence(ctx context.Context, userID, status string) {
	event := PresenceEvent{
		UserID:         userID,
		Status:         status,
		Timestamp:      time.Now().UTC(),
		OriginInstance: c.instanceID,
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("coordinator: marshal presence event for %s failed: %v", userID, err)
		return
	}
	// A missed presence update degrades gracefully: the user is treated
	// as offline after TTL expiry instead of blocking gameplay.
	if err := c.store.Publish(ctx, presenceChannel, data); err != nil {
		log.Printf("coordinator: publish presence for %s failed: %v", userID, err)
	}
}

// subscribeRoom subscribes this process to a room channel. Subscription
// is per-process, not per-user: the first joiner triggers it, later
// joiners share it.
func (c *Coordinator) subscribeRoom(ctx context.Context, gameID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.rooms[gameID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.store.Subscribe(ctx, roomChannel(gameID))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.rooms[gameID]; ok || c.closed {
		// Lost the race with another joiner, or shutting down.
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.rooms[gameID] = &roomSub{sub: sub}
	c.mu.Unlock()

	metrics.ActiveRooms.Inc()
	c.wg.Add(1)
	go c.dispatchLoop(gameID, sub)
	return nil
}

func (c *Coordinator) dispatchLoop(gameID string, sub store.Subscription) {
	defer c.wg.Done()
	for msg := range sub.Messages() {
		var event GameEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			log.Printf("coordinator: malformed event on room %s channel: %v", gameID, err)
			continue
		}
		// Suppress the echo of our own broadcasts; local consumers
		// already saw the event when it was produced.
		if event.OriginInstance == c.instanceID {
			metrics.EventsDroppedSelf.Inc()
			continue
		}

		c.mu.Lock()
		var handler GameEventHandler
		if room, ok := c.rooms[gameID]; ok {
			handler = room.handler
		}
		c.mu.Unlock()

		metrics.EventsDelivered.Inc()
		if handler != nil {
			handler(event)
		}
	}
}

// teardownRoom deletes the room's activity record and drops this
// process's channel subscription. Runs when the last member leaves.
func (c *Coordinator) teardownRoom(ctx context.Context, gameID string) {
	if _, err := c.store.Delete(ctx, roomActivityKey(gameID), roomMembersKey(gameID)); err != nil {
		log.Printf("coordinator: delete room %s records failed: %v", gameID, err)
	}

	c.mu.Lock()
	room, ok := c.rooms[gameID]
	if ok {
		delete(c.rooms, gameID)
	}
	c.mu.Unlock()

	if ok {
		if err := room.sub.Close(); err != nil {
			log.Printf("coordinator: close subscription for room %s failed: %v", gameID, err)
		}
		metrics.ActiveRooms.Dec()
	}
	log.Printf("coordinator: room %s torn down", gameID)
}
