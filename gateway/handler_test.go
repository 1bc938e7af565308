package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Shuffle-and-Sync/gamesync/config"
)

func TestNewHandlerAppliesHandshakeTimeout(t *testing.T) {
	h := NewHandler(NewClientManager(), nil, nil,
		&config.AuthConfig{},
		&config.WebSocketConfig{HandshakeTimeout: 7},
	)
	assert.Equal(t, 7*time.Second, h.upgrader.HandshakeTimeout)
}
