// Package gateway terminates websocket connections, authenticates them and
// translates wire frames into hub calls.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coderoom/internal/hub"
	"coderoom/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 256 * 1024
	sendQueueSize  = 256
)

// Frame is the wire shape in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client is one authenticated socket. It implements hub.Conn.
type client struct {
	id          string
	userID      string
	displayName string

	gw   *Gateway
	conn *websocket.Conn
	send chan *hub.Event
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (c *client) ID() string          { return c.id }
func (c *client) UserID() string      { return c.userID }
func (c *client) DisplayName() string { return c.displayName }

// Enqueue never blocks; a full queue reports false and the hub evicts us.
func (c *client) Enqueue(ev *hub.Event) bool {
	select {
	case <-c.done:
		return true // already closing, drop silently
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) trackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *client) untrackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *client) sendError(code, message string) {
	c.Enqueue(&hub.Event{Event: "error", Data: errorData{Code: code, Message: message}})
}

// readPump owns the connection's read side. Exiting it tears the socket down
// and files an implicit leave for every joined room.
func (c *client) readPump() {
	defer func() {
		c.gw.dropClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.gw.log.Debug("websocket read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("validation", "malformed frame")
			continue
		}
		c.gw.dispatch(c, &frame)
	}
}

// writePump owns the connection's write side and keeps the peer alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) onOpen() {
	metrics.ConnectedSockets.Inc()
}

func (c *client) onClosed() {
	metrics.ConnectedSockets.Dec()
}
