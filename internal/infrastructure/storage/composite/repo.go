package composite

import (
	"context"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 写入扇出到全部仓储，读取以第一个为准
type Repo struct {
	repos []port.PositionRepository
}

func New(repos ...port.PositionRepository) *Repo {
	out := make([]port.PositionRepository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// Len 实际生效的仓储数量
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) each(fn func(port.PositionRepository) error) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := fn(repo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) UpsertPositionSnapshot(ctx context.Context, st model.PositionState) error {
	return r.each(func(repo port.PositionRepository) error { return repo.UpsertPositionSnapshot(ctx, st) })
}

func (r *Repo) DeletePositionSnapshot(ctx context.Context, userID string, key model.PositionKey) error {
	return r.each(func(repo port.PositionRepository) error { return repo.DeletePositionSnapshot(ctx, userID, key) })
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.ArbitragePosition) error {
	return r.each(func(repo port.PositionRepository) error { return repo.SavePosition(ctx, pos) })
}

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.ArbitragePosition, error) {
	if len(r.repos) == 0 {
		return nil, model.NotFoundError("position " + id + " not found")
	}
	return r.repos[0].GetPosition(ctx, id)
}

func (r *Repo) ListOpenPositions(ctx context.Context, userID string) ([]*model.ArbitragePosition, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].ListOpenPositions(ctx, userID)
}

func (r *Repo) RecordTrade(ctx context.Context, t *model.TradeRecord) error {
	return r.each(func(repo port.PositionRepository) error { return repo.RecordTrade(ctx, t) })
}

func (r *Repo) CreateNotificationLog(ctx context.Context, n *model.NotificationLog) error {
	return r.each(func(repo port.PositionRepository) error { return repo.CreateNotificationLog(ctx, n) })
}

func (r *Repo) Close() error {
	return r.each(func(repo port.PositionRepository) error { return repo.Close() })
}

var _ port.PositionRepository = (*Repo)(nil)
