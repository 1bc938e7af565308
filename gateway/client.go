package gateway

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Shuffle-and-Sync/gamesync/config"
)

const websocketRetryDelay = 200 * time.Millisecond

// Client is one connected websocket. The connection id, not the user id,
// identifies it: a user with three tabs open holds three Clients.
type Client struct {
	ConnectionID string
	UserID       string

	conn          *websocket.Conn
	cfg           *config.WebSocketConfig
	ctx           context.Context
	cancel        context.CancelFunc
	lastActivity  atomic.Int64
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	onTimeout     func()
	mu            sync.Mutex
}

// NewClient wraps an upgraded connection. onTimeout fires when the client
// goes silent past the activity timeout.
func NewClient(connectionID, userID string, conn *websocket.Conn, cfg *config.WebSocketConfig, onTimeout func()) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		conn:         conn,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		onTimeout:    onTimeout,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// SafeWriteJSON writes data to the websocket with retry capability.
func (c *Client) SafeWriteJSON(data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	operation := func() error {
		return c.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), 3),
		c.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Printf("Retrying WebSocket write to %s: %v (next attempt in %s)", c.ConnectionID, err, d)
	})
}

// UpdateActivity updates the last activity timestamp and resets the
// inactivity timer. Call it for real client traffic, not pings.
func (c *Client) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity.Store(time.Now().Unix())

	if c.activityTimer != nil {
		c.activityTimer.Stop()
		c.activityTimer = time.AfterFunc(
			time.Duration(c.cfg.ActivityTimeout)*time.Second,
			c.onActivityTimeout,
		)
	}
}

// LastActivityTime returns the time of last activity.
func (c *Client) LastActivityTime() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

func (c *Client) StartTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activityTimer = time.AfterFunc(
		time.Duration(c.cfg.ActivityTimeout)*time.Second,
		c.onActivityTimeout,
	)

	c.pingTicker = time.NewTicker(
		time.Duration(c.cfg.PingInterval) * time.Second,
	)
	go c.pingLoop()
}

func (c *Client) pingLoop() {
	defer c.pingTicker.Stop()

	for {
		select {
		case <-c.pingTicker.C:
			if err := c.sendPing(); err != nil {
				log.Printf("Failed to send ping to %s: %v", c.ConnectionID, err)
				c.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) onActivityTimeout() {
	log.Printf("Connection %s (user %s) timed out", c.ConnectionID, c.UserID)
	c.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
	if c.onTimeout != nil {
		c.onTimeout()
	}
}

func (c *Client) sendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(c.cfg.WriteTimeout)*time.Second),
	)
}

// GetPongHandler returns a pong handler based on configuration.
func (c *Client) GetPongHandler() func(string) error {
	return func(string) error {
		if c.cfg.KeepAlive {
			c.UpdateActivity()
		} else {
			c.lastActivity.Store(time.Now().Unix())
		}
		return nil
	}
}

// Close closes the websocket connection and stops the timers. Safe to
// call from multiple paths; later calls fail harmlessly on the closed
// connection.
func (c *Client) Close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pingTicker != nil {
		c.pingTicker.Stop()
	}
	if c.activityTimer != nil {
		c.activityTimer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}

	writeTimeout := time.Duration(c.cfg.WriteTimeout) * time.Second
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeTimeout),
	)
	if err != nil {
		log.Printf("Error sending close message to %s: %v", c.ConnectionID, err)
	}

	return c.conn.Close()
}
