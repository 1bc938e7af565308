package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shuffle-and-Sync/gamesync/statesync"
)

// Built-in game event types. Each type declares its payload shape through
// the payload registry so consumers can deserialize safely.
const (
	EventPlayerJoined = "player-joined"
	EventPlayerLeft   = "player-left"
	EventGameAction   = "game-action"
	EventStateSync    = "state-sync"
	EventChat         = "chat"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// GameEvent is a transient event broadcast to every process subscribed to
// a room. It is published, never persisted. Delivery is at-most-once and
// unordered across processes; consumers must tolerate loss.
type GameEvent struct {
	Type           string          `json:"type"`
	UserID         string          `json:"user_id,omitempty"`
	GameID         string          `json:"game_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	OriginInstance string          `json:"origin_instance"`
}

// PresenceEvent announces a user coming online or going offline. Broadcast
// only, best effort.
type PresenceEvent struct {
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	OriginInstance string    `json:"origin_instance"`
}

// GameEventHandler receives events delivered on a room channel. Handlers
// run on the subscription's dispatch goroutine and must not block.
type GameEventHandler func(event GameEvent)

// EventSink receives a copy of every broadcast event, e.g. a Kafka mirror
// feeding downstream consumers. Sink failures never affect the broadcast.
type EventSink interface {
	Publish(event GameEvent) error
}

// GameActionPayload carries one in-game action.
type GameActionPayload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StateSyncPayload ships a structural diff between two state versions so
// receivers can patch forward instead of refetching the full state.
type StateSyncPayload struct {
	Version         int            `json:"version"`
	BaseFingerprint string         `json:"base_fingerprint,omitempty"`
	Ops             []statesync.Op `json:"ops"`
}

// ChatPayload carries a table-chat message.
type ChatPayload struct {
	Message string `json:"message"`
}

var (
	payloadMu       sync.RWMutex
	payloadRegistry = map[string]func() any{}
)

// RegisterPayload declares the payload shape for an event type. Built-in
// types are registered at init; game adapters register their own.
func RegisterPayload(eventType string, factory func() any) {
	payloadMu.Lock()
	defer payloadMu.Unlock()
	payloadRegistry[eventType] = factory
}

// DecodePayload unmarshals an event's payload into the registered shape
// for its type. Unregistered types are an error so callers never work
// against an untyped blob by accident.
func DecodePayload(event GameEvent) (any, error) {
	payloadMu.RLock()
	factory, ok := payloadRegistry[event.Type]
	payloadMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no payload registered for event type %q", event.Type)
	}
	out := factory()
	if len(event.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(event.Payload, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return out, nil
}

func init() {
	// player-joined and player-left carry no payload beyond the event's
	// own user/game fields.
	RegisterPayload(EventPlayerJoined, func() any { return &struct{}{} })
	RegisterPayload(EventPlayerLeft, func() any { return &struct{}{} })
	RegisterPayload(EventGameAction, func() any { return &GameActionPayload{} })
	RegisterPayload(EventStateSync, func() any { return &StateSyncPayload{} })
	RegisterPayload(EventChat, func() any { return &ChatPayload{} })
}
