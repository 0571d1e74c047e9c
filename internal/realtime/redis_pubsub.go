package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "meeting:"
	publishTimeout = 5 * time.Second
)

// envelope is the Redis message for one meeting event.
type envelope struct {
	MeetingID uuid.UUID       `json:"meeting_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// RedisPubSub fans meeting events out to every server instance through one
// Redis channel per meeting. It implements RedisPublisher and RedisSubscriber.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates the Redis bridge for meeting events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func channelFor(meetingID uuid.UUID) string {
	return channelPrefix + meetingID.String()
}

// PublishMeetingEvent sends event to all instances subscribed to the meeting.
func (r *RedisPubSub) PublishMeetingEvent(meetingID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(envelope{MeetingID: meetingID, Event: event, Data: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelFor(meetingID), body).Err()
}

// SubscribeMeeting delivers every event of the meeting to handler until the
// returned cancel is called. The subscription is confirmed before returning.
func (r *RedisPubSub) SubscribeMeeting(meetingID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	ctx, stop := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, channelFor(meetingID))
	if _, err := sub.Receive(ctx); err != nil {
		stop()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", meetingID, err)
	}

	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.MeetingID != meetingID {
					r.logger.Debug("dropping foreign or malformed event", zap.String("channel", msg.Channel))
					continue
				}
				handler(env.Event, env.Data)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(stop) }, nil
}
