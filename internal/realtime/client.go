package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/response"
)

const (
	maxMessageBytes = 4096
	sendBuffer      = 256
)

// Room connections are authenticated by token and gated per meeting before the
// upgrade, so the origin is not checked here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator resolves a bearer token to the user id and role it was issued for.
type TokenValidator func(token string) (userID int64, role models.Role, err error)

// RoomGate decides whether a user may watch a meeting's live events.
type RoomGate interface {
	CanWatch(ctx context.Context, meetingID uuid.UUID, userID int64) error
}

// Client is one WebSocket connection in a meeting room. Clients only receive
// room events; the single request they may send is audience_count.
type Client struct {
	ID        string
	MeetingID uuid.UUID
	UserID    int64
	Role      models.Role
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// ServeWs handles GET /ws?meeting_id=&token=.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, gate RoomGate) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		meetingID, userID, role, err := admit(c, validate, gate)
		if err != nil {
			response.Error(c, err)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("meeting_id", meetingID.String()), zap.Error(err))
			return
		}
		client := &Client{
			ID:        uuid.NewString(),
			MeetingID: meetingID,
			UserID:    userID,
			Role:      role,
			hub:       hub,
			conn:      conn,
			send:      make(chan WSMessage, sendBuffer),
			logger:    logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func admit(c *gin.Context, validate TokenValidator, gate RoomGate) (uuid.UUID, int64, models.Role, error) {
	token := c.Query("token")
	if token == "" {
		return uuid.Nil, 0, "", apperr.Unauthorized("token required")
	}
	meetingID, err := uuid.Parse(c.Query("meeting_id"))
	if err != nil {
		return uuid.Nil, 0, "", apperr.InvalidInput("meeting_id must be a UUID")
	}
	userID, role, err := validate(token)
	if err != nil {
		return uuid.Nil, 0, "", apperr.Unauthorized("invalid token")
	}
	if err := gate.CanWatch(c.Request.Context(), meetingID, userID); err != nil {
		return uuid.Nil, 0, "", err
	}
	return meetingID, userID, role, nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(PongWait)) }
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		extend()
		if msg.Event == EventAudienceCount {
			c.hub.SendToClient(c.MeetingID, c.ID, EventAudienceCount, map[string]int{
				"count": c.hub.AudienceCount(c.MeetingID),
			})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		var err error
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			err = c.conn.WriteJSON(msg)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			err = c.conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}
