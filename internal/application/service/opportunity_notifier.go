package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/metrics"
)

// DefaultNotifyDebounce 同一币种 "出现" 通知的抑制窗口
const DefaultNotifyDebounce = 30 * time.Second

// 通知类型与推送事件
const (
	NotifyOpportunityAppeared    = "opportunity_appeared"
	NotifyOpportunityDisappeared = "opportunity_disappeared"

	EventOpportunityAppeared    = "opportunity:appeared"
	EventOpportunityDisappeared = "opportunity:disappeared"

	// MarketRoom 行情机会房间
	MarketRoom = "market"
)

// OpportunityPayload 机会通知
type OpportunityPayload struct {
	Symbol    string                   `json:"symbol"`
	Status    model.MarketStatus       `json:"status"`
	BestPair  *model.BestArbitragePair `json:"best_pair,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

// OpportunityNotifier 机会出现/消失通知
// 出现通知按币种在窗口内去重；消失通知总是投递
type OpportunityNotifier struct {
	window time.Duration
	hub    port.Broadcaster
	repo   port.PositionRepository
	stream port.NotificationSink
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewOpportunityNotifier(window time.Duration, hub port.Broadcaster, repo port.PositionRepository, stream port.NotificationSink) *OpportunityNotifier {
	if window <= 0 {
		window = DefaultNotifyDebounce
	}
	return &OpportunityNotifier{
		window:   window,
		hub:      hub,
		repo:     repo,
		stream:   stream,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Appeared 机会出现，返回是否实际投递
func (n *OpportunityNotifier) Appeared(ctx context.Context, rate model.MarketRate) bool {
	now := n.now()
	n.mu.Lock()
	last, ok := n.lastSent[rate.Symbol]
	if ok && now.Sub(last) < n.window {
		n.mu.Unlock()
		metrics.OpportunityNotifications.WithLabelValues(NotifyOpportunityAppeared, "false").Inc()
		log.Debug().Str("symbol", rate.Symbol).Msg("opportunity notification debounced")
		return false
	}
	n.lastSent[rate.Symbol] = now
	n.mu.Unlock()

	msg := rate.Symbol + " opportunity"
	if rate.BestPair != nil {
		msg = fmt.Sprintf("%s long %s / short %s annualized %s%%", rate.Symbol,
			rate.BestPair.LongExchange, rate.BestPair.ShortExchange,
			strconv.FormatFloat(rate.BestPair.AnnualizedReturn, 'f', 2, 64))
	}
	n.deliver(ctx, NotifyOpportunityAppeared, EventOpportunityAppeared, msg, OpportunityPayload{
		Symbol:    rate.Symbol,
		Status:    rate.Status,
		BestPair:  rate.BestPair,
		Timestamp: now.UnixMilli(),
	})
	return true
}

// Disappeared 机会消失，不做去重
func (n *OpportunityNotifier) Disappeared(ctx context.Context, rate model.MarketRate) bool {
	now := n.now()
	n.deliver(ctx, NotifyOpportunityDisappeared, EventOpportunityDisappeared, rate.Symbol+" opportunity gone", OpportunityPayload{
		Symbol:    rate.Symbol,
		Status:    rate.Status,
		BestPair:  rate.BestPair,
		Timestamp: now.UnixMilli(),
	})
	return true
}

// Reset 清空去重状态
func (n *OpportunityNotifier) Reset() {
	n.mu.Lock()
	n.lastSent = make(map[string]time.Time)
	n.mu.Unlock()
}

func (n *OpportunityNotifier) deliver(ctx context.Context, kind, event, msg string, payload OpportunityPayload) {
	metrics.OpportunityNotifications.WithLabelValues(kind, "true").Inc()
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Str("symbol", payload.Symbol).Err(err).Msg("encode opportunity payload failed")
		return
	}
	log.Info().Str("symbol", payload.Symbol).Str("kind", kind).Msg(msg)

	if n.hub != nil {
		if err := n.hub.Broadcast(ctx, MarketRoom, event, b); err != nil {
			log.Debug().Str("symbol", payload.Symbol).Err(err).Msg("broadcast opportunity failed")
		}
	}
	entry := &model.NotificationLog{
		ID:        uuid.NewString(),
		Type:      kind,
		Symbol:    payload.Symbol,
		Message:   msg,
		Payload:   string(b),
		CreatedAt: n.now(),
	}
	if n.repo != nil {
		if err := n.repo.CreateNotificationLog(ctx, entry); err != nil {
			log.Warn().Str("symbol", payload.Symbol).Err(err).Msg("create notification log failed")
		}
	}
	if n.stream != nil {
		if err := n.stream.AppendNotification(ctx, entry); err != nil {
			log.Warn().Str("symbol", payload.Symbol).Err(err).Msg("append notification stream failed")
		}
	}
}
