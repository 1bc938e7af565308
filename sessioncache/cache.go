// Package sessioncache is a TTL-tiered read-through cache for session
// derived views, built on the shared store. Every entry belongs to one of
// four fixed tiers (session, list, actions, history) whose TTLs are set at
// compile time; per-call TTLs are deliberately not offered so invalidation
// reasoning stays tractable.
//
// The cache is strictly an optimization. Store failures are soft: reads
// report a miss, writes report false, and the caller falls through to the
// relational store.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Shuffle-and-Sync/gamesync/metrics"
	"github.com/Shuffle-and-Sync/gamesync/store"
)

// Tier TTLs. Session objects change often and are read constantly; lists
// must stay fresh; actions are append-only; history is immutable.
const (
	SessionTTL = 10 * time.Minute
	ListTTL    = 2 * time.Minute
	ActionsTTL = 30 * time.Minute
	HistoryTTL = 24 * time.Hour
)

// CommunityAll is the list scope covering every community.
const CommunityAll = "all"

// Cache provides the four cache tiers over a shared store.
type Cache struct {
	store store.Store

	hits          atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	invalidations atomic.Uint64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Sets          uint64 `json:"sets"`
	Invalidations uint64 `json:"invalidations"`
}

func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// Key layout. History versions get their own suffixed keys so pattern
// deletion can clear an unbounded version range in one call.
func sessionKey(id string) string        { return "cache:session:" + id }
func userSessionsKey(userID string) string { return "cache:sessions:user:" + userID }
func communityKey(communityID string) string {
	return "cache:sessions:community:" + communityID
}
func activeListKey() string  { return "cache:sessions:active" }
func waitingListKey() string { return "cache:sessions:waiting" }
func actionsKey(sessionID string) string { return "cache:actions:" + sessionID }
func historyKey(sessionID string) string { return "cache:history:" + sessionID }
func stateVersionKey(sessionID string, version int) string {
	return historyKey(sessionID) + ":v" + strconv.Itoa(version)
}
func stateVersionPattern(sessionID string) string { return historyKey(sessionID) + ":v*" }

// set marshals and writes one entry, reporting success. Store errors are
// logged and swallowed.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("cache: marshal for %s failed: %v", key, err)
		return false
	}
	if err := c.store.SetTTL(ctx, key, data, ttl); err != nil {
		log.Printf("cache: set %s failed: %v", key, err)
		return false
	}
	c.sets.Add(1)
	return true
}

// get reads and unmarshals one entry into out. Any failure is a miss.
func (c *Cache) get(ctx context.Context, key string, out any) bool {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Printf("cache: get %s failed: %v", key, err)
		c.miss()
		return false
	}
	if !ok {
		c.miss()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Printf("cache: unmarshal %s failed: %v", key, err)
		c.miss()
		return false
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return true
}

func (c *Cache) miss() {
	c.misses.Add(1)
	metrics.CacheMisses.Inc()
}

func (c *Cache) invalidate(ctx context.Context, keys ...string) bool {
	n, err := c.store.Delete(ctx, keys...)
	if err != nil {
		log.Printf("cache: invalidate %v failed: %v", keys, err)
		return false
	}
	c.invalidations.Add(uint64(n))
	return true
}

// --- Session tier ---

func (c *Cache) CacheSession(ctx context.Context, session GameSession) bool {
	return c.set(ctx, sessionKey(session.ID), session, SessionTTL)
}

func (c *Cache) GetSession(ctx context.Context, sessionID string) (*GameSession, bool) {
	var session GameSession
	if !c.get(ctx, sessionKey(sessionID), &session) {
		return nil, false
	}
	return &session, true
}

func (c *Cache) InvalidateSession(ctx context.Context, sessionID string) bool {
	return c.invalidate(ctx, sessionKey(sessionID))
}

// CacheSessions writes a batch of sessions in one pipelined round trip.
func (c *Cache) CacheSessions(ctx context.Context, sessions []GameSession) bool {
	if len(sessions) == 0 {
		return true
	}
	entries := make(map[string][]byte, len(sessions))
	for _, session := range sessions {
		data, err := json.Marshal(session)
		if err != nil {
			log.Printf("cache: marshal session %s failed: %v", session.ID, err)
			return false
		}
		entries[sessionKey(session.ID)] = data
	}
	if err := c.store.BatchSetTTL(ctx, entries, SessionTTL); err != nil {
		log.Printf("cache: batch set %d sessions failed: %v", len(sessions), err)
		return false
	}
	c.sets.Add(uint64(len(entries)))
	return true
}

// GetSessions fetches a batch of sessions by id; absent or unreadable
// entries are simply omitted from the result.
func (c *Cache) GetSessions(ctx context.Context, sessionIDs []string) map[string]GameSession {
	out := make(map[string]GameSession, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = sessionKey(id)
	}
	found, err := c.store.BatchGet(ctx, keys)
	if err != nil {
		log.Printf("cache: batch get %d sessions failed: %v", len(keys), err)
		return out
	}
	for i, id := range sessionIDs {
		data, ok := found[keys[i]]
		if !ok {
			c.miss()
			continue
		}
		var session GameSession
		if err := json.Unmarshal(data, &session); err != nil {
			log.Printf("cache: unmarshal session %s failed: %v", id, err)
			c.miss()
			continue
		}
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		out[id] = session
	}
	return out
}

// --- List tier ---

func (c *Cache) CacheCommunitySessions(ctx context.Context, communityID string, sessions []GameSession) bool {
	return c.set(ctx, communityKey(communityID), sessions, ListTTL)
}

func (c *Cache) GetCommunitySessions(ctx context.Context, communityID string) ([]GameSession, bool) {
	var sessions []GameSession
	if !c.get(ctx, communityKey(communityID), &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *Cache) InvalidateCommunitySessions(ctx context.Context, communityID string) bool {
	return c.invalidate(ctx, communityKey(communityID))
}

func (c *Cache) CacheActiveSessions(ctx context.Context, sessions []GameSession) bool {
	return c.set(ctx, activeListKey(), sessions, ListTTL)
}

func (c *Cache) GetActiveSessions(ctx context.Context) ([]GameSession, bool) {
	var sessions []GameSession
	if !c.get(ctx, activeListKey(), &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *Cache) CacheWaitingSessions(ctx context.Context, sessions []GameSession) bool {
	return c.set(ctx, waitingListKey(), sessions, ListTTL)
}

func (c *Cache) GetWaitingSessions(ctx context.Context) ([]GameSession, bool) {
	var sessions []GameSession
	if !c.get(ctx, waitingListKey(), &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *Cache) CacheUserSessions(ctx context.Context, userID string, sessions []GameSession) bool {
	return c.set(ctx, userSessionsKey(userID), sessions, ListTTL)
}

func (c *Cache) GetUserSessions(ctx context.Context, userID string) ([]GameSession, bool) {
	var sessions []GameSession
	if !c.get(ctx, userSessionsKey(userID), &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *Cache) InvalidateUserSessions(ctx context.Context, userID string) bool {
	return c.invalidate(ctx, userSessionsKey(userID))
}

// --- Actions tier ---

func (c *Cache) CacheActions(ctx context.Context, sessionID string, actions []GameAction) bool {
	return c.set(ctx, actionsKey(sessionID), actions, ActionsTTL)
}

func (c *Cache) GetActions(ctx context.Context, sessionID string) ([]GameAction, bool) {
	var actions []GameAction
	if !c.get(ctx, actionsKey(sessionID), &actions) {
		return nil, false
	}
	return actions, true
}

func (c *Cache) InvalidateActions(ctx context.Context, sessionID string) bool {
	return c.invalidate(ctx, actionsKey(sessionID))
}

// --- History tier ---

func (c *Cache) CacheStateHistory(ctx context.Context, sessionID string, versions []StateVersion) bool {
	return c.set(ctx, historyKey(sessionID), versions, HistoryTTL)
}

func (c *Cache) GetStateHistory(ctx context.Context, sessionID string) ([]StateVersion, bool) {
	var versions []StateVersion
	if !c.get(ctx, historyKey(sessionID), &versions) {
		return nil, false
	}
	return versions, true
}

func (c *Cache) CacheStateVersion(ctx context.Context, sessionID string, version StateVersion) bool {
	return c.set(ctx, stateVersionKey(sessionID, version.Version), version, HistoryTTL)
}

func (c *Cache) GetStateVersion(ctx context.Context, sessionID string, version int) (*StateVersion, bool) {
	var v StateVersion
	if !c.get(ctx, stateVersionKey(sessionID, version), &v) {
		return nil, false
	}
	return &v, true
}

// InvalidateStateHistory clears the aggregate history entry and every
// per-version entry. Versions are unbounded, so the per-version keys go
// through the store's pattern deletion rather than a known-version loop.
func (c *Cache) InvalidateStateHistory(ctx context.Context, sessionID string) bool {
	ok := c.invalidate(ctx, historyKey(sessionID))
	n, err := c.store.DeletePattern(ctx, stateVersionPattern(sessionID))
	if err != nil {
		log.Printf("cache: pattern invalidate for session %s failed: %v", sessionID, err)
		return false
	}
	c.invalidations.Add(uint64(n))
	return ok
}

// InvalidateSessionAndRelated clears every derived view that embeds the
// session: the session object itself, the host's and co-host's user lists,
// the community list (specific and "all"), and the global active/waiting
// lists. A single-key invalidation would leave those list views stale
// until their own TTLs expire; the cascade collapses that window to the
// update itself.
func (c *Cache) InvalidateSessionAndRelated(ctx context.Context, sessionID string, session *GameSession) bool {
	keys := []string{
		sessionKey(sessionID),
		activeListKey(),
		waitingListKey(),
		communityKey(CommunityAll),
	}
	if session != nil {
		if session.HostID != "" {
			keys = append(keys, userSessionsKey(session.HostID))
		}
		if session.CoHostID != "" {
			keys = append(keys, userSessionsKey(session.CoHostID))
		}
		if session.CommunityID != "" {
			keys = append(keys, communityKey(session.CommunityID))
		}
	}
	return c.invalidate(ctx, keys...)
}

// Warmup populates the cache from a caller-supplied loader (typically the
// relational store) so a fresh deploy doesn't take a cold-cache stampede.
// Sessions are cached individually, partitioned into the global
// active/waiting lists, and grouped per community.
func (c *Cache) Warmup(ctx context.Context, loader func(ctx context.Context) ([]GameSession, error)) error {
	sessions, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("cache warmup load: %w", err)
	}

	c.CacheSessions(ctx, sessions)

	var active, waiting []GameSession
	byCommunity := make(map[string][]GameSession)
	for _, session := range sessions {
		switch session.Status {
		case StatusActive:
			active = append(active, session)
		case StatusWaiting:
			waiting = append(waiting, session)
		default:
			continue
		}
		if session.CommunityID != "" {
			byCommunity[session.CommunityID] = append(byCommunity[session.CommunityID], session)
		}
	}

	c.CacheActiveSessions(ctx, active)
	c.CacheWaitingSessions(ctx, waiting)
	c.CacheCommunitySessions(ctx, CommunityAll, append(append([]GameSession{}, active...), waiting...))
	for communityID, communitySessions := range byCommunity {
		c.CacheCommunitySessions(ctx, communityID, communitySessions)
	}

	log.Printf("cache: warmed %d sessions (%d active, %d waiting, %d communities)",
		len(sessions), len(active), len(waiting), len(byCommunity))
	return nil
}

func (c *Cache) GetStats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
