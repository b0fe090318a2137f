package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coderoom/internal/auth"
	"coderoom/internal/hub"
	"coderoom/internal/logging"
	"coderoom/internal/ot"
	"coderoom/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens via bearer token, not cookies, so cross-origin
		// upgrades carry no ambient credentials.
		return true
	},
}

// Gateway upgrades HTTP requests to websockets and routes frames to the hub.
// It is stateless beyond per-socket identity.
type Gateway struct {
	hub     *hub.Hub
	jwt     *auth.JWTService
	limiter *ratelimit.Limiter
	// smooth absorbs reconnect storms in-process before the shared counter
	// is consulted.
	smooth *rate.Limiter
	log    *zap.Logger
}

func New(h *hub.Hub, jwt *auth.JWTService, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{
		hub:     h,
		jwt:     jwt,
		limiter: limiter,
		smooth:  rate.NewLimiter(rate.Limit(50), 100),
		log:     logging.L().Named("gateway"),
	}
}

// Handle is the upgrade endpoint. The bearer token arrives either as a
// ?token= query parameter or an Authorization header.
func (g *Gateway) Handle(c *gin.Context) {
	if !g.smooth.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false, "error": "too many connections", "code": "rate_limited",
		})
		return
	}
	ok, _, _ := g.limiter.Allow(c.Request.Context(), ratelimit.WSConnect, c.ClientIP())
	if !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false, "error": "too many connections", "code": "rate_limited",
		})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := g.jwt.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false, "error": "invalid token", "code": "unauthorized",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:          uuid.NewString(),
		userID:      claims.UserID,
		displayName: claims.DisplayName,
		gw:          g,
		conn:        conn,
		send:        make(chan *hub.Event, sendQueueSize),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
	cl.onOpen()

	go cl.writePump()
	go cl.readPump()
}

// dropClient runs once the read pump exits: implicit leave everywhere, then
// close.
func (g *Gateway) dropClient(c *client) {
	g.hub.Disconnect(context.Background(), c, c.joinedRooms())
	c.Close()
	c.onClosed()
}

// Inbound frame payloads.

type joinData struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type leaveData struct {
	RoomID string `json:"roomId"`
}

type codeUpdateData struct {
	RoomID      string  `json:"roomId"`
	Ops         []ot.Op `json:"ops"`
	BaseVersion uint64  `json:"baseVersion"`
}

type languageChangeData struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type inputData struct {
	RoomID string `json:"roomId"`
	Input  string `json:"input"`
}

type executeData struct {
	RoomID string `json:"roomId"`
}

type chatData struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type roomScopedData struct {
	RoomID string `json:"roomId"`
}

// dispatch translates one inbound frame into a hub call. Unknown events are
// logged and ignored.
func (g *Gateway) dispatch(c *client, frame *Frame) {
	ctx := context.Background()

	switch {
	case frame.Event == "room:join":
		var d joinData
		if !decode(c, frame.Data, &d) {
			return
		}
		snap, err := g.hub.Join(ctx, c, d.RoomID, d.Password)
		if err != nil {
			g.sendHubError(c, err)
			return
		}
		c.trackRoom(d.RoomID)
		// The joining socket gets the full room snapshot.
		c.Enqueue(&hub.Event{Event: hub.EvtCodeSync, Data: snap})

	case frame.Event == "room:leave":
		var d leaveData
		if !decode(c, frame.Data, &d) {
			return
		}
		c.untrackRoom(d.RoomID)
		if err := g.hub.Leave(ctx, c, d.RoomID, true); err != nil {
			g.sendHubError(c, err)
		}

	case frame.Event == "code:update":
		var d codeUpdateData
		if !decode(c, frame.Data, &d) {
			return
		}
		if _, err := g.hub.ApplyEdit(ctx, c, d.RoomID, d.Ops, d.BaseVersion); err != nil {
			// Invalid edits already triggered a snapshot resync.
			if !errors.Is(err, ot.ErrInvalidEdit) {
				g.sendHubError(c, err)
			}
		}

	case frame.Event == "code:language-change":
		var d languageChangeData
		if !decode(c, frame.Data, &d) {
			return
		}
		if err := g.hub.SetLanguage(ctx, c, d.RoomID, d.Language); err != nil {
			g.sendHubError(c, err)
		}

	case frame.Event == "room:input-update":
		var d inputData
		if !decode(c, frame.Data, &d) {
			return
		}
		if err := g.hub.SetInput(ctx, c, d.RoomID, d.Input); err != nil {
			g.sendHubError(c, err)
		}

	case frame.Event == "code:execute":
		var d executeData
		if !decode(c, frame.Data, &d) {
			return
		}
		if ok, _, _ := g.limiter.Allow(ctx, ratelimit.Execute, c.userID); !ok {
			c.sendError("rate_limited", "too many executions, slow down")
			return
		}
		if _, err := g.hub.RequestExec(ctx, c, d.RoomID); err != nil {
			g.sendHubError(c, err)
		}

	case frame.Event == "chat:message":
		var d chatData
		if !decode(c, frame.Data, &d) {
			return
		}
		if ok, _, _ := g.limiter.Allow(ctx, ratelimit.Chat, c.userID); !ok {
			c.sendError("rate_limited", "too many messages, slow down")
			return
		}
		if err := g.hub.PostChat(ctx, c, d.RoomID, d.Content, d.Kind); err != nil {
			g.sendHubError(c, err)
		}

	case strings.HasPrefix(frame.Event, "video:"):
		var d roomScopedData
		if !decode(c, frame.Data, &d) {
			return
		}
		if err := g.hub.RelayVideo(c, d.RoomID, frame.Event, frame.Data); err != nil {
			g.sendHubError(c, err)
		}

	default:
		g.log.Info("ignoring unknown event",
			zap.String("event", frame.Event), zap.String("user_id", c.userID))
	}
}

func decode(c *client, raw json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.sendError("validation", "malformed payload")
		return false
	}
	return true
}

// sendHubError maps hub failures onto the wire error taxonomy.
func (g *Gateway) sendHubError(c *client, err error) {
	code := "internal"
	switch {
	case errors.Is(err, hub.ErrRoomNotFound):
		code = "not_found"
	case errors.Is(err, hub.ErrRoomFull):
		code = "full"
	case errors.Is(err, hub.ErrBadPassword):
		code = "bad_password"
	case errors.Is(err, hub.ErrAlreadyJoined):
		code = "already_joined"
	case errors.Is(err, hub.ErrNotMember), errors.Is(err, hub.ErrExecDisabled):
		code = "forbidden"
	case errors.Is(err, hub.ErrBusy):
		code = "busy"
	case errors.Is(err, hub.ErrUnsupportedLanguage), errors.Is(err, hub.ErrInvalidMessage):
		code = "validation"
	case errors.Is(err, ot.ErrInvalidEdit):
		code = "invalid_edit"
	}
	if code == "internal" {
		g.log.Error("hub operation failed", zap.Error(err))
		c.sendError(code, "internal error")
		return
	}
	c.sendError(code, err.Error())
}
