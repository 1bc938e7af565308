package sessioncache

import (
	"encoding/json"
	"time"
)

// Session status values used to partition list caches.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// GameSession is the cached view of a live or waiting game session. The
// relational store owns the durable record; this struct is what route
// handlers read on the hot path.
type GameSession struct {
	ID          string    `json:"id"`
	HostID      string    `json:"host_id"`
	CoHostID    string    `json:"co_host_id,omitempty"`
	CommunityID string    `json:"community_id"`
	GameType    string    `json:"game_type"`
	Status      string    `json:"status"`
	Players     []string  `json:"players,omitempty"`
	MaxPlayers  int       `json:"max_players,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GameAction is one recorded action within a session. Actions are append
// only; once written they rarely change, hence the medium cache TTL.
type GameAction struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StateVersion is one entry in a session's state-version history,
// effectively immutable once the version exists.
type StateVersion struct {
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	State       any       `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}
