package gateway

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// ClientManager tracks the live websocket clients on this instance and
// which of them belong to which room, so room events can be fanned out
// locally. The shared store remains the cross-process source of truth;
// this map is purely a local routing table.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connectionID -> client
	rooms   map[string]map[string]*Client // gameID -> connectionID -> client
	wg      sync.WaitGroup
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

func (m *ClientManager) Add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ConnectionID] = client
}

// Remove drops the client from the manager and from every room it was in.
func (m *ClientManager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, connectionID)
	for gameID, members := range m.rooms {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(m.rooms, gameID)
		}
	}
}

func (m *ClientManager) Get(connectionID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[connectionID]
	return client, ok
}

// JoinRoom records the client as a local member of the room. Reports
// whether it was the first local member, i.e. whether the caller needs to
// wire up the room's event relay.
func (m *ClientManager) JoinRoom(gameID string, client *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[gameID]
	if !ok {
		members = make(map[string]*Client)
		m.rooms[gameID] = members
	}
	members[client.ConnectionID] = client
	return !ok
}

func (m *ClientManager) LeaveRoom(gameID, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[gameID]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(m.rooms, gameID)
		}
	}
}

// RoomClients returns a snapshot of the room's local members, optionally
// excluding one connection (the sender of a locally produced event).
func (m *ClientManager) RoomClients(gameID, excludeConnectionID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[gameID]
	out := make([]*Client, 0, len(members))
	for connectionID, client := range members {
		if connectionID == excludeConnectionID {
			continue
		}
		out = append(out, client)
	}
	return out
}

// IncreaseWaitGroup increases the wait group counter.
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup decreases the wait group counter.
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all in-flight operations to complete.
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends close messages to all clients and removes them.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.clients = make(map[string]*Client)
	m.rooms = make(map[string]map[string]*Client)
	m.mu.Unlock()

	for _, client := range clients {
		log.Printf("Closing connection %s (user %s): %s", client.ConnectionID, client.UserID, reason)
		client.Close(websocket.CloseGoingAway, reason)
	}
}
