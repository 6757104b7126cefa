package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// PositionRepository 持仓、成交与通知持久化
type PositionRepository interface {
	// UpsertPositionSnapshot 实时持仓快照（exchange+symbol+side 唯一）
	UpsertPositionSnapshot(ctx context.Context, st model.PositionState) error
	DeletePositionSnapshot(ctx context.Context, userID string, key model.PositionKey) error

	SavePosition(ctx context.Context, pos *model.ArbitragePosition) error
	GetPosition(ctx context.Context, id string) (*model.ArbitragePosition, error)
	ListOpenPositions(ctx context.Context, userID string) ([]*model.ArbitragePosition, error)

	RecordTrade(ctx context.Context, trade *model.TradeRecord) error
	CreateNotificationLog(ctx context.Context, entry *model.NotificationLog) error

	Close() error
}
