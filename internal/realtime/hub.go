package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Heartbeat timings of a room connection.
const (
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	WriteWait    = 10 * time.Second
)

// Meeting room events.
const (
	EventMeetingStarted    = "meeting_started"
	EventMeetingEnded      = "meeting_ended"
	EventMeetingCancelled  = "meeting_cancelled"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventQuizLaunched      = "quiz_launched"
	EventQuizEnded         = "quiz_ended"
	EventAudienceCount     = "audience_count"
)

// Hub maintains meeting_id -> set of connections and broadcasts messages.
// With Redis configured every event goes through pub/sub, and each instance's
// subscription delivers it to its local clients exactly once.
type Hub struct {
	// meetingID -> map[clientID]*Client
	meetings map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per meeting
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishMeetingEvent(meetingID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to meeting channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeMeeting(meetingID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis sides may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		meetings: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a meeting room. Starts Redis subscription for this meeting if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.meetings[c.MeetingID] == nil {
		h.meetings[c.MeetingID] = make(map[string]*Client)
		if h.redisSub != nil {
			meetingID := c.MeetingID
			cancel, err := h.redisSub.SubscribeMeeting(meetingID, func(event string, payload []byte) {
				h.Broadcast(meetingID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("meeting_id", meetingID.String()), zap.Error(err))
			} else {
				h.subs[meetingID] = cancel
			}
		}
	}
	h.meetings[c.MeetingID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined meeting room", zap.String("client_id", c.ID), zap.String("meeting_id", c.MeetingID.String()))
}

// Unregister removes a client from a meeting room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.meetings[c.MeetingID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.meetings, c.MeetingID)
			if cancel, ok := h.subs[c.MeetingID]; ok {
				cancel()
				delete(h.subs, c.MeetingID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left meeting room", zap.String("client_id", c.ID), zap.String("meeting_id", c.MeetingID.String()))
}

// Broadcast sends a message to all clients in a meeting (local only).
func (h *Hub) Broadcast(meetingID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal event", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.meetings[meetingID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every client of the meeting on every instance.
// Without Redis, or when publishing fails, it falls back to a local broadcast.
func (h *Hub) Publish(meetingID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(meetingID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.PublishMeetingEvent(meetingID, event, data); err != nil {
		h.logger.Warn("redis publish failed", zap.String("event", event), zap.Error(err))
		h.Broadcast(meetingID, event, json.RawMessage(data))
	}
}

// AudienceCount returns the number of connected clients in a meeting on this instance.
func (h *Hub) AudienceCount(meetingID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meetings[meetingID])
}

// SendToClient sends a message to a single client in a meeting.
func (h *Hub) SendToClient(meetingID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.meetings[meetingID][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
