package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoinRoomReportsFirstLocalMember(t *testing.T) {
	m := NewClientManager()
	alice := &Client{ConnectionID: "conn-1", UserID: "alice"}
	bob := &Client{ConnectionID: "conn-2", UserID: "bob"}

	assert.True(t, m.JoinRoom("room-1", alice), "first local member should report true")
	assert.False(t, m.JoinRoom("room-1", bob), "later members should report false")
	assert.True(t, m.JoinRoom("room-2", bob), "a different room starts fresh")
}

func TestRoomClientsExcludesSender(t *testing.T) {
	m := NewClientManager()
	alice := &Client{ConnectionID: "conn-1", UserID: "alice"}
	bob := &Client{ConnectionID: "conn-2", UserID: "bob"}
	m.JoinRoom("room-1", alice)
	m.JoinRoom("room-1", bob)

	all := m.RoomClients("room-1", "")
	assert.Len(t, all, 2)

	others := m.RoomClients("room-1", "conn-1")
	assert.Len(t, others, 1)
	assert.Equal(t, "conn-2", others[0].ConnectionID)

	assert.Empty(t, m.RoomClients("room-404", ""))
}

func TestRemoveDropsClientFromAllRooms(t *testing.T) {
	m := NewClientManager()
	alice := &Client{ConnectionID: "conn-1", UserID: "alice"}
	bob := &Client{ConnectionID: "conn-2", UserID: "bob"}
	m.Add(alice)
	m.Add(bob)
	m.JoinRoom("room-1", alice)
	m.JoinRoom("room-2", alice)
	m.JoinRoom("room-1", bob)

	m.Remove("conn-1")

	_, ok := m.Get("conn-1")
	assert.False(t, ok)
	assert.Empty(t, m.RoomClients("room-2", ""), "emptied rooms are dropped")
	assert.Len(t, m.RoomClients("room-1", ""), 1)
}

func TestLeaveRoomDropsEmptyRoom(t *testing.T) {
	m := NewClientManager()
	alice := &Client{ConnectionID: "conn-1", UserID: "alice"}
	m.JoinRoom("room-1", alice)
	m.LeaveRoom("room-1", "conn-1")

	assert.Empty(t, m.RoomClients("room-1", ""))
	// Rejoining after the room emptied is a fresh first member again.
	assert.True(t, m.JoinRoom("room-1", alice))
}

func TestWaitForCompletionBlocksOnInFlightConnections(t *testing.T) {
	m := NewClientManager()
	m.IncreaseWaitGroup()

	done := make(chan struct{})
	go func() {
		m.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForCompletion returned with a connection still tearing down")
	case <-time.After(50 * time.Millisecond):
	}

	m.DecreaseWaitGroup()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion never returned")
	}
}
