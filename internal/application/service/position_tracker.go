package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type trackedKey struct {
	userID string
	key    model.PositionKey
}

func (k trackedKey) String() string { return k.userID + "|" + k.key.String() }

// PositionTracker 实时持仓视图，按 (用户, 交易所, 币种, 方向) 后写覆盖
type PositionTracker struct {
	repo     port.PositionRepository
	throttle *PersistThrottle
	now      func() time.Time

	mu        sync.RWMutex
	positions map[trackedKey]model.PositionState
}

func NewPositionTracker(repo port.PositionRepository, throttle *PersistThrottle) *PositionTracker {
	return &PositionTracker{
		repo:      repo,
		throttle:  throttle,
		now:       time.Now,
		positions: make(map[trackedKey]model.PositionState),
	}
}

// Apply 应用一条持仓事件，返回合成的 PositionClosed 事件
// 单向持仓平仓时推送不带方向，此时该币种下所有已跟踪方向一并关闭
func (t *PositionTracker) Apply(ev model.Event) []model.Event {
	if ev.Kind != model.EventPositionChanged || ev.Position == nil {
		return nil
	}
	p := ev.Position
	k := trackedKey{
		userID: ev.UserID,
		key:    model.PositionKey{Exchange: ev.Exchange, Symbol: p.Symbol, Side: p.Side},
	}
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = t.now()
	}

	if p.Size.IsZero() {
		return t.close(ev, k, ts)
	}

	st := model.PositionState{
		Key:              k.key,
		UserID:           k.userID,
		Size:             p.Size.Abs(),
		EntryPrice:       p.EntryPrice,
		MarkPrice:        p.MarkPrice,
		UnrealizedPnl:    p.UnrealizedPnl,
		Leverage:         p.Leverage,
		LiquidationPrice: p.LiquidationPrice,
		LastUpdate:       ts,
	}
	t.mu.Lock()
	if prev, ok := t.positions[k]; ok {
		// 部分推送不带杠杆/强平价时沿用旧值
		if st.Leverage == 0 {
			st.Leverage = prev.Leverage
		}
		if st.LiquidationPrice.IsZero() {
			st.LiquidationPrice = prev.LiquidationPrice
		}
		if st.MarkPrice.IsZero() {
			st.MarkPrice = prev.MarkPrice
		}
	}
	t.positions[k] = st
	t.mu.Unlock()
	t.persistUpsert(k, st)
	return nil
}

func (t *PositionTracker) close(ev model.Event, k trackedKey, ts time.Time) []model.Event {
	p := ev.Position
	sides := []model.PositionSide{k.key.Side}
	if k.key.Side == "" {
		sides = []model.PositionSide{model.PositionLong, model.PositionShort, ""}
	}

	var out []model.Event
	for _, side := range sides {
		sk := k
		sk.key.Side = side
		t.mu.Lock()
		prev, existed := t.positions[sk]
		delete(t.positions, sk)
		t.mu.Unlock()
		if !existed {
			continue
		}
		t.persistDelete(sk)

		log.Info().
			Str("user_id", sk.userID).
			Str("exchange", string(sk.key.Exchange)).
			Str("symbol", sk.key.Symbol).
			Str("side", string(side)).
			Msg("position closed")
		out = append(out, model.Event{
			Kind:     model.EventPositionClosed,
			Exchange: ev.Exchange,
			UserID:   ev.UserID,
			Position: &model.PositionUpdate{
				Symbol:        p.Symbol,
				Side:          side,
				Size:          p.Size,
				EntryPrice:    prev.EntryPrice,
				MarkPrice:     p.MarkPrice,
				UnrealizedPnl: p.UnrealizedPnl,
				Leverage:      prev.Leverage,
			},
			ReceivedAt: ts,
		})
	}
	return out
}

func (t *PositionTracker) persistUpsert(k trackedKey, st model.PositionState) {
	if t.repo == nil {
		return
	}
	op := func(ctx context.Context) error { return t.repo.UpsertPositionSnapshot(ctx, st) }
	if t.throttle == nil {
		_ = op(context.Background())
		return
	}
	t.throttle.Submit(k.String(), op)
}

func (t *PositionTracker) persistDelete(k trackedKey) {
	if t.repo == nil {
		return
	}
	op := func(ctx context.Context) error { return t.repo.DeletePositionSnapshot(ctx, k.userID, k.key) }
	if t.throttle == nil {
		_ = op(context.Background())
		return
	}
	t.throttle.Submit(k.String(), op)
}

// Get 读取单个持仓
func (t *PositionTracker) Get(userID string, key model.PositionKey) (model.PositionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.positions[trackedKey{userID: userID, key: key}]
	return st, ok
}

// List 用户全部持仓，按交易所、币种、方向排序
func (t *PositionTracker) List(userID string) []model.PositionState {
	t.mu.RLock()
	out := make([]model.PositionState, 0)
	for k, st := range t.positions {
		if k.userID == userID {
			out = append(out, st)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Side < b.Side
	})
	return out
}

// Reset 清空视图
func (t *PositionTracker) Reset() {
	t.mu.Lock()
	t.positions = make(map[trackedKey]model.PositionState)
	t.mu.Unlock()
}
