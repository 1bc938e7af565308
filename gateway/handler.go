// Package gateway bridges end-user websocket connections to the
// coordinator: it authenticates the handshake, registers the connection's
// presence, forwards join/leave/broadcast frames, and relays room events
// back down the socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Shuffle-and-Sync/gamesync/config"
	"github.com/Shuffle-and-Sync/gamesync/coordinator"
)

// Client frame actions.
const (
	actionJoin      = "join"
	actionLeave     = "leave"
	actionBroadcast = "broadcast"
)

// clientFrame is what a connected client sends upward.
type clientFrame struct {
	Action  string          `json:"action"`
	GameID  string          `json:"game_id"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler manages websocket connections and routes frames to the
// coordinator.
type Handler struct {
	manager      *ClientManager
	coord        *coordinator.Coordinator
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	upgrader     websocket.Upgrader
}

func NewHandler(manager *ClientManager, coord *coordinator.Coordinator, jwtValidator *JWTValidator, authConfig *config.AuthConfig, wsConfig *config.WebSocketConfig) *Handler {
	return &Handler{
		manager:      manager,
		coord:        coord,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(wsConfig.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims
	var err error

	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
	}

	// The coordinator requires a userId on every call. With auth enabled
	// it comes from the token subject; without, the client names itself.
	var userID string
	switch {
	case claims != nil:
		userID = claims.Subject
	case r.URL.Query().Get("user_id") != "":
		userID = r.URL.Query().Get("user_id")
	default:
		userID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(int64(h.wsConfig.MessageSizeLimit))

	connectionID := uuid.New().String()
	// On inactivity timeout, drop presence right away instead of waiting
	// for the read loop to observe the closed socket.
	client := NewClient(connectionID, userID, conn, h.wsConfig, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.coord.Disconnect(ctx, userID, connectionID)
	})
	client.StartTimers()
	conn.SetPongHandler(client.GetPongHandler())

	h.manager.Add(client)
	h.manager.IncreaseWaitGroup()
	h.coord.Connect(r.Context(), userID, connectionID)

	defer func() {
		h.manager.Remove(connectionID)
		// The request context is gone by now; disconnect on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.coord.Disconnect(ctx, userID, connectionID)
		h.manager.DecreaseWaitGroup()
	}()

	if err := client.SafeWriteJSON(map[string]string{
		"connection_id": connectionID,
		"user_id":       userID,
	}); err != nil {
		log.Printf("Failed to send connection handshake: %v", err)
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from connection %s: %v", connectionID, err)
			}
			client.Close(websocket.CloseNormalClosure, "Client disconnected")
			break
		}
		client.UpdateActivity()
		h.coord.Touch(r.Context(), userID, connectionID)

		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			client.SafeWriteJSON(map[string]string{"error": "malformed frame"})
			continue
		}
		if frame.GameID == "" {
			client.SafeWriteJSON(map[string]string{"error": "game_id is required"})
			continue
		}

		switch frame.Action {
		case actionJoin:
			h.handleJoin(r.Context(), client, frame.GameID)
		case actionLeave:
			h.handleLeave(r.Context(), client, frame.GameID)
		case actionBroadcast:
			h.handleBroadcast(r.Context(), client, frame)
		default:
			client.SafeWriteJSON(map[string]string{"error": "unknown action"})
		}
	}
}

func (h *Handler) handleJoin(ctx context.Context, client *Client, gameID string) {
	h.coord.JoinGame(ctx, client.UserID, gameID)
	h.manager.JoinRoom(gameID, client)

	// Remote-origin events flow through the coordinator's room handler;
	// re-registering on every join is fine since registration replaces.
	if err := h.coord.OnGameEvent(ctx, gameID, h.relayToRoom(gameID)); err != nil {
		log.Printf("Failed to register relay for room %s: %v", gameID, err)
	}

	// Our own broadcasts are echo-suppressed on the pub/sub path, so
	// locally produced events are fanned out to local members here.
	h.relayLocal(gameID, client.ConnectionID, coordinator.GameEvent{
		Type:           coordinator.EventPlayerJoined,
		UserID:         client.UserID,
		GameID:         gameID,
		Timestamp:      time.Now().UTC(),
		OriginInstance: h.coord.InstanceID(),
	})
}

func (h *Handler) handleLeave(ctx context.Context, client *Client, gameID string) {
	h.coord.LeaveGame(ctx, client.UserID, gameID)
	h.manager.LeaveRoom(gameID, client.ConnectionID)

	h.relayLocal(gameID, client.ConnectionID, coordinator.GameEvent{
		Type:           coordinator.EventPlayerLeft,
		UserID:         client.UserID,
		GameID:         gameID,
		Timestamp:      time.Now().UTC(),
		OriginInstance: h.coord.InstanceID(),
	})
}

func (h *Handler) handleBroadcast(ctx context.Context, client *Client, frame clientFrame) {
	event := coordinator.GameEvent{
		Type:    frame.Type,
		UserID:  client.UserID,
		GameID:  frame.GameID,
		Payload: frame.Payload,
	}
	// Reject types with no registered payload shape before they reach
	// anyone else; consumers must be able to deserialize safely.
	if _, err := coordinator.DecodePayload(event); err != nil {
		client.SafeWriteJSON(map[string]string{"error": err.Error()})
		return
	}

	h.coord.Broadcast(ctx, frame.GameID, event)

	event.OriginInstance = h.coord.InstanceID()
	event.Timestamp = time.Now().UTC()
	h.relayLocal(frame.GameID, client.ConnectionID, event)
}

// relayToRoom builds the room handler that fans remote events out to this
// instance's local room members.
func (h *Handler) relayToRoom(gameID string) coordinator.GameEventHandler {
	return func(event coordinator.GameEvent) {
		h.relayLocal(gameID, "", event)
	}
}

func (h *Handler) relayLocal(gameID, excludeConnectionID string, event coordinator.GameEvent) {
	for _, member := range h.manager.RoomClients(gameID, excludeConnectionID) {
		if err := member.SafeWriteJSON(event); err != nil {
			log.Printf("Failed to relay %s event to connection %s: %v", event.Type, member.ConnectionID, err)
		}
	}
}
