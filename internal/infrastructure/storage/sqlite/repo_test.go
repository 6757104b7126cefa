package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "data", "fundarb.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPositionSnapshotUpsertAndDelete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	key := model.PositionKey{Exchange: model.ExchangeBinance, Symbol: "BTCUSDT", Side: model.PositionLong}

	st := model.PositionState{
		Key:        key,
		UserID:     "u1",
		Size:       decimal.RequireFromString("0.01"),
		EntryPrice: decimal.RequireFromString("60000"),
		Leverage:   5,
		LastUpdate: time.UnixMilli(1700000000000),
	}
	if err := repo.UpsertPositionSnapshot(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	st.Size = decimal.RequireFromString("0.02")
	if err := repo.UpsertPositionSnapshot(ctx, st); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := repo.ListPositionSnapshots(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || !got[0].Size.Equal(decimal.RequireFromString("0.02")) || got[0].Key != key {
		t.Fatalf("snapshots = %+v", got)
	}

	if err := repo.DeletePositionSnapshot(ctx, "u1", key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = repo.ListPositionSnapshots(ctx, "u1")
	if len(got) != 0 {
		t.Fatalf("expected no snapshots, got %d", len(got))
	}
}

func TestSaveAndListPositions(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	sl := 2.5
	now := time.UnixMilli(1700000000000)

	pos := &model.ArbitragePosition{
		ID:             "p1",
		UserID:         "u1",
		Symbol:         "ETHUSDT",
		LongExchange:   model.ExchangeOKX,
		ShortExchange:  model.ExchangeGate,
		Quantity:       decimal.RequireFromString("1.5"),
		Leverage:       3,
		LongEntryPrice: decimal.RequireFromString("3000.1"),
		StopLoss:       &sl,
		Status:         model.ArbOpen,
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	if err := repo.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.SavePosition(ctx, &model.ArbitragePosition{ID: "p2", UserID: "u1", Symbol: "BTCUSDT",
		Status: model.ArbClosed, OpenedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save closed: %v", err)
	}

	got, err := repo.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Quantity.Equal(pos.Quantity) || got.StopLoss == nil || *got.StopLoss != 2.5 || got.TakeProfit != nil {
		t.Fatalf("position = %+v", got)
	}
	if got.LongExchange != model.ExchangeOKX || got.ClosedAt != nil {
		t.Fatalf("position = %+v", got)
	}

	open, err := repo.ListOpenPositions(ctx, "u1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "p1" {
		t.Fatalf("open = %+v", open)
	}

	pos.Status = model.ArbManualRequired
	pos.RemainingLeg = model.PositionShort
	if err := repo.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save manual: %v", err)
	}
	got, _ = repo.GetPosition(ctx, "p1")
	if got.Status != model.ArbManualRequired || got.RemainingLeg != model.PositionShort {
		t.Fatalf("manual = %+v", got)
	}

	closedAt := now.Add(time.Hour)
	pos.Status = model.ArbClosed
	pos.RemainingLeg = ""
	pos.ClosedAt = &closedAt
	pos.RealizedPnl = decimal.RequireFromString("-1.25")
	if err := repo.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save update: %v", err)
	}
	got, _ = repo.GetPosition(ctx, "p1")
	if got.Status != model.ArbClosed || got.ClosedAt == nil || !got.RealizedPnl.Equal(pos.RealizedPnl) || got.RemainingLeg != "" {
		t.Fatalf("updated = %+v", got)
	}
}

func TestGetPositionNotFound(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.GetPosition(context.Background(), "missing"); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestTradesAndNotifications(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	for i, side := range []model.Side{model.SideBuy, model.SideSell} {
		err := repo.RecordTrade(ctx, &model.TradeRecord{
			ID:         []string{"t1", "t2"}[i],
			PositionID: "p1",
			UserID:     "u1",
			Exchange:   model.ExchangeBingX,
			Symbol:     "BTCUSDT",
			Side:       side,
			OrderID:    "o",
			Quantity:   decimal.RequireFromString("0.1"),
			Price:      decimal.RequireFromString("60000"),
			Fee:        decimal.RequireFromString("0.012"),
			Action:     "open",
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}
	trades, err := repo.ListTrades(ctx, "p1")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 2 || trades[1].Side != model.SideSell || !trades[0].Fee.Equal(decimal.RequireFromString("0.012")) {
		t.Fatalf("trades = %+v", trades)
	}

	if err := repo.CreateNotificationLog(ctx, &model.NotificationLog{
		ID: "n1", Type: "opportunity", Symbol: "BTCUSDT", Message: "appeared", CreatedAt: now,
	}); err != nil {
		t.Fatalf("notification: %v", err)
	}
	var n int
	if err := repo.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_logs`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("notification count = %d, %v", n, err)
	}
}
