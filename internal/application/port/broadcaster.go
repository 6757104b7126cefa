package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// Broadcaster 推送到房间（持仓房间、用户频道）
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload []byte) error
}

// NotificationSink 通知流（跨进程消费者）
type NotificationSink interface {
	AppendNotification(ctx context.Context, n *model.NotificationLog) error
}
