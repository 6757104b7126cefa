package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// EventRouter 把私有流事件写入状态视图并推送到用户频道
type EventRouter struct {
	positions *PositionTracker
	balances  *BalanceTracker
	emitter   *ProgressEmitter
}

func NewEventRouter(positions *PositionTracker, balances *BalanceTracker, emitter *ProgressEmitter) *EventRouter {
	return &EventRouter{positions: positions, balances: balances, emitter: emitter}
}

// Run 消费事件直到 ctx 结束或通道关闭
func (r *EventRouter) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle 处理单个事件
func (r *EventRouter) Handle(ctx context.Context, ev model.Event) {
	switch ev.Kind {
	case model.EventPositionChanged:
		if r.positions == nil || ev.Position == nil {
			return
		}
		if closed := r.positions.Apply(ev); len(closed) > 0 {
			for i := range closed {
				r.emitter.User(ctx, ev.UserID, EventAccountPositionClosed, &closed[i])
			}
			return
		}
		if !ev.Position.Size.IsZero() {
			r.emitter.User(ctx, ev.UserID, EventAccountPosition, ev)
		}
	case model.EventBalanceChanged:
		if r.balances != nil && r.balances.Apply(ev) {
			r.emitter.User(ctx, ev.UserID, EventAccountBalance, ev)
		}
	case model.EventOrderStatusChanged:
		if ev.Order != nil && ev.Order.Status.Terminal() {
			log.Info().
				Str("user_id", ev.UserID).
				Str("exchange", string(ev.Exchange)).
				Str("symbol", ev.Order.Symbol).
				Str("order_id", ev.Order.OrderID).
				Str("status", string(ev.Order.Status)).
				Msg("order update")
		}
		r.emitter.User(ctx, ev.UserID, EventAccountOrder, ev)
	case model.EventError:
		log.Warn().Str("user_id", ev.UserID).Str("exchange", string(ev.Exchange)).Err(ev.Err).Msg("stream error")
	case model.EventConnected, model.EventDisconnected:
		log.Info().Str("user_id", ev.UserID).Str("exchange", string(ev.Exchange)).Str("kind", string(ev.Kind)).
			Msg("stream state changed")
	}
}
