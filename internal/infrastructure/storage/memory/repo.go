package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 进程内仓储，未启用数据库时使用
type Repo struct {
	mu            sync.RWMutex
	snapshots     map[string]model.PositionState
	positions     map[string]model.ArbitragePosition
	trades        []model.TradeRecord
	notifications []model.NotificationLog
}

func New() *Repo {
	return &Repo{
		snapshots: make(map[string]model.PositionState),
		positions: make(map[string]model.ArbitragePosition),
	}
}

func snapshotKey(userID string, key model.PositionKey) string {
	return userID + "|" + key.String()
}

func (r *Repo) UpsertPositionSnapshot(_ context.Context, st model.PositionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snapshotKey(st.UserID, st.Key)] = st
	return nil
}

func (r *Repo) DeletePositionSnapshot(_ context.Context, userID string, key model.PositionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, snapshotKey(userID, key))
	return nil
}

// Snapshot 读取单个持仓快照
func (r *Repo) Snapshot(userID string, key model.PositionKey) (model.PositionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.snapshots[snapshotKey(userID, key)]
	return st, ok
}

func (r *Repo) SavePosition(_ context.Context, pos *model.ArbitragePosition) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[pos.ID] = *pos
	return nil
}

func (r *Repo) GetPosition(_ context.Context, id string) (*model.ArbitragePosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[id]
	if !ok {
		return nil, model.NotFoundError(fmt.Sprintf("position %s not found", id))
	}
	return &pos, nil
}

func (r *Repo) ListOpenPositions(_ context.Context, userID string) ([]*model.ArbitragePosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.ArbitragePosition
	for _, pos := range r.positions {
		if pos.UserID != userID {
			continue
		}
		if pos.Status == model.ArbOpen || pos.Status == model.ArbManualRequired {
			p := pos
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (r *Repo) RecordTrade(_ context.Context, t *model.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, *t)
	return nil
}

// Trades 某持仓的成交记录（按写入顺序）
func (r *Repo) Trades(positionID string) []model.TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.TradeRecord
	for _, t := range r.trades {
		if t.PositionID == positionID {
			out = append(out, t)
		}
	}
	return out
}

func (r *Repo) CreateNotificationLog(_ context.Context, n *model.NotificationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, *n)
	return nil
}

// Notifications 全部通知记录
func (r *Repo) Notifications() []model.NotificationLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.NotificationLog(nil), r.notifications...)
}

func (r *Repo) Close() error { return nil }

var _ port.PositionRepository = (*Repo)(nil)
