package service

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

type balanceKey struct {
	userID   string
	exchange model.ExchangeID
	asset    string
}

// BalanceTracker 实时余额视图
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[balanceKey]model.BalanceState
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: make(map[balanceKey]model.BalanceState)}
}

// Apply 应用余额事件，返回是否发生变化
func (t *BalanceTracker) Apply(ev model.Event) bool {
	if ev.Kind != model.EventBalanceChanged || ev.Balance == nil {
		return false
	}
	b := ev.Balance
	asset := strings.ToUpper(b.Asset)
	if asset == "" {
		asset = model.DefaultQuote
	}
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	k := balanceKey{userID: ev.UserID, exchange: ev.Exchange, asset: asset}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.balances[k]
	if ok && prev.Total.Equal(b.Total) && prev.Available.Equal(b.Available) {
		prev.LastUpdate = ts
		t.balances[k] = prev
		return false
	}
	t.balances[k] = model.BalanceState{
		UserID:     ev.UserID,
		Exchange:   ev.Exchange,
		Asset:      asset,
		Total:      b.Total,
		Available:  b.Available,
		LastUpdate: ts,
	}
	return true
}

// Get 读取某资产余额
func (t *BalanceTracker) Get(userID string, exchange model.ExchangeID, asset string) (model.BalanceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.balances[balanceKey{userID: userID, exchange: exchange, asset: strings.ToUpper(asset)}]
	return st, ok
}

// List 用户在各交易所的余额
func (t *BalanceTracker) List(userID string) []model.BalanceState {
	t.mu.RLock()
	out := make([]model.BalanceState, 0)
	for k, st := range t.balances {
		if k.userID == userID {
			out = append(out, st)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Reset 清空视图
func (t *BalanceTracker) Reset() {
	t.mu.Lock()
	t.balances = make(map[balanceKey]model.BalanceState)
	t.mu.Unlock()
}
