package monitor

import (
	"context"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Notifier 机会出现/消失通知
type Notifier interface {
	Appeared(ctx context.Context, rate model.MarketRate) bool
	Disappeared(ctx context.Context, rate model.MarketRate) bool
}

// ServiceDeps 行情监控依赖
type ServiceDeps struct {
	Batches       <-chan []model.MarketRate // FundingRateSyncer.Start 的输出
	Symbols       []string
	PrintEveryMin int
	Sink          port.Sink
	Notifier      Notifier
}
