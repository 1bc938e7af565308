package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Shuffle-and-Sync/gamesync/metrics"
)

// heartbeat refreshes this instance's liveness marker. The short TTL lets
// other instances and operators detect a dead process without any
// explicit deregistration.
func (c *Coordinator) heartbeat(ctx context.Context) error {
	payload := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	return c.store.SetTTL(ctx, instanceKey(c.instanceID), payload, c.cfg.HeartbeatTTL)
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.heartbeat(ctx); err != nil {
				// Not retried synchronously; the next tick retries.
				log.Printf("coordinator: heartbeat failed: %v", err)
			}
			cancel()
		}
	}
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.SweepStaleConnections(ctx)
			cancel()
		}
	}
}

// SweepStaleConnections force-disconnects every connection whose
// lastSeenAt exceeds the staleness threshold, and removes users left with
// no live connections from the online set. This is the backstop for
// processes that crashed without running their own disconnect path.
func (c *Coordinator) SweepStaleConnections(ctx context.Context) {
	users, err := c.store.SMembers(ctx, onlineUsersKey)
	if err != nil {
		log.Printf("coordinator: sweep: read online set failed: %v", err)
		return
	}

	cutoff := time.Now().UTC().Add(-c.cfg.StaleThreshold)
	var swept int

	for _, userID := range users {
		records, err := c.store.HGetAll(ctx, connectionsKey(userID))
		if err != nil {
			log.Printf("coordinator: sweep: read connections for %s failed: %v", userID, err)
			continue
		}

		for connectionID, data := range records {
			var record PlayerConnection
			if err := json.Unmarshal(data, &record); err != nil {
				// Unreadable record: treat as stale and drop it.
				log.Printf("coordinator: sweep: dropping unreadable connection %s/%s: %v", userID, connectionID, err)
				if err := c.store.HDel(ctx, connectionsKey(userID), connectionID); err != nil {
					log.Printf("coordinator: sweep: delete connection %s/%s failed: %v", userID, connectionID, err)
				}
				continue
			}
			if record.LastSeenAt.Before(cutoff) {
				log.Printf("coordinator: sweep: force-disconnecting stale connection %s/%s (last seen %s)",
					userID, connectionID, record.LastSeenAt.Format(time.RFC3339))
				c.Disconnect(ctx, userID, connectionID)
				metrics.StaleConnectionsSwept.Inc()
				swept++
			}
		}

		// The user's connection hash may have expired wholesale (process
		// crash plus TTL); the online set is then the only leftover.
		remaining, err := c.store.HLen(ctx, connectionsKey(userID))
		if err != nil {
			continue
		}
		if remaining == 0 {
			stillOnline, err := c.store.SIsMember(ctx, onlineUsersKey, userID)
			if err != nil || !stillOnline {
				continue
			}
			c.markOffline(ctx, userID)
		}
	}

	if swept > 0 {
		log.Printf("coordinator: sweep removed %d stale connections", swept)
	}
}
