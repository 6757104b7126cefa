package redis

import (
	"context"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope 跨实例推送的消息格式
type Envelope struct {
	Room    string              `json:"room"`
	Event   string              `json:"event"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Publisher 把房间推送转发到 Pub/Sub，把通知写入 Stream
type Publisher struct {
	rdb          *redis.Client
	channel      string
	notifyStream string
}

func NewPublisher(rdb *redis.Client, prefix, channel, notifyStream string) *Publisher {
	if strings.TrimSpace(channel) == "" {
		channel = prefix + ":events"
	}
	if strings.TrimSpace(notifyStream) == "" {
		notifyStream = prefix + ":notifications"
	}
	return &Publisher{rdb: rdb, channel: channel, notifyStream: notifyStream}
}

// Channel Pub/Sub 频道名
func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Broadcast(ctx context.Context, room, event string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	b, err := json.Marshal(Envelope{Room: room, Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// AppendNotification XADD <stream> * type symbol message payload
func (p *Publisher) AppendNotification(ctx context.Context, n *model.NotificationLog) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.notifyStream,
		Values: map[string]any{
			"id":      n.ID,
			"user_id": n.UserID,
			"type":    n.Type,
			"symbol":  n.Symbol,
			"message": n.Message,
			"payload": n.Payload,
			"ts_ms":   n.CreatedAt.UnixMilli(),
		},
	}).Err()
}

var _ port.Broadcaster = (*Publisher)(nil)
