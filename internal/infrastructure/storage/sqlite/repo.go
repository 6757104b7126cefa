package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// GetDB 暴露底层连接（测试与运维脚本）
func (r *Repo) GetDB() *sql.DB { return r.db }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS position_snapshots (
  user_id TEXT NOT NULL,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  mark_price TEXT NOT NULL,
  unrealized_pnl TEXT NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 0,
  liquidation_price TEXT NOT NULL,
  updated_ms INTEGER NOT NULL,
  PRIMARY KEY(user_id, exchange, symbol, side)
);

CREATE TABLE IF NOT EXISTS arbitrage_positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  group_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  quantity TEXT NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 0,
  long_entry_price TEXT NOT NULL,
  short_entry_price TEXT NOT NULL,
  long_order_id TEXT NOT NULL DEFAULT '',
  short_order_id TEXT NOT NULL DEFAULT '',
  stop_loss REAL,
  take_profit REAL,
  status TEXT NOT NULL,
  remaining_leg TEXT NOT NULL DEFAULT '',
  realized_pnl TEXT NOT NULL,
  opened_ms INTEGER NOT NULL,
  closed_ms INTEGER,
  updated_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arb_positions_user_status ON arbitrage_positions(user_id, status);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  order_id TEXT NOT NULL,
  quantity TEXT NOT NULL,
  price TEXT NOT NULL,
  fee TEXT NOT NULL,
  action TEXT NOT NULL,
  created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);

CREATE TABLE IF NOT EXISTS notification_logs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  symbol TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_logs_ts ON notification_logs(created_ms);
`)
	return err
}

func (r *Repo) UpsertPositionSnapshot(ctx context.Context, st model.PositionState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO position_snapshots(user_id, exchange, symbol, side, size, entry_price, mark_price,
  unrealized_pnl, leverage, liquidation_price, updated_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, exchange, symbol, side) DO UPDATE SET
  size=excluded.size,
  entry_price=excluded.entry_price,
  mark_price=excluded.mark_price,
  unrealized_pnl=excluded.unrealized_pnl,
  leverage=excluded.leverage,
  liquidation_price=excluded.liquidation_price,
  updated_ms=excluded.updated_ms
`, st.UserID, string(st.Key.Exchange), st.Key.Symbol, string(st.Key.Side),
		st.Size.String(), st.EntryPrice.String(), st.MarkPrice.String(), st.UnrealizedPnl.String(),
		st.Leverage, st.LiquidationPrice.String(), st.LastUpdate.UnixMilli())
	return err
}

func (r *Repo) DeletePositionSnapshot(ctx context.Context, userID string, key model.PositionKey) error {
	_, err := r.db.ExecContext(ctx, `
DELETE FROM position_snapshots WHERE user_id=? AND exchange=? AND symbol=? AND side=?
`, userID, string(key.Exchange), key.Symbol, string(key.Side))
	return err
}

// ListPositionSnapshots 读取用户全部持仓快照（启动时恢复视图）
func (r *Repo) ListPositionSnapshots(ctx context.Context, userID string) ([]model.PositionState, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT exchange, symbol, side, size, entry_price, mark_price, unrealized_pnl, leverage, liquidation_price, updated_ms
FROM position_snapshots WHERE user_id=? ORDER BY exchange, symbol, side
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionState
	for rows.Next() {
		var (
			ex, symbol, side                   string
			size, entry, mark, upnl, liqString string
			leverage                           int
			updated                            int64
		)
		if err := rows.Scan(&ex, &symbol, &side, &size, &entry, &mark, &upnl, &leverage, &liqString, &updated); err != nil {
			return nil, err
		}
		out = append(out, model.PositionState{
			Key:              model.PositionKey{Exchange: model.ExchangeID(ex), Symbol: symbol, Side: model.PositionSide(side)},
			UserID:           userID,
			Size:             dec(size),
			EntryPrice:       dec(entry),
			MarkPrice:        dec(mark),
			UnrealizedPnl:    dec(upnl),
			Leverage:         leverage,
			LiquidationPrice: dec(liqString),
			LastUpdate:       time.UnixMilli(updated),
		})
	}
	return out, rows.Err()
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.ArbitragePosition) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position id is required")
	}
	var closed sql.NullInt64
	if pos.ClosedAt != nil {
		closed = sql.NullInt64{Int64: pos.ClosedAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO arbitrage_positions(id, user_id, group_id, symbol, long_exchange, short_exchange, quantity, leverage,
  long_entry_price, short_entry_price, long_order_id, short_order_id, stop_loss, take_profit, status,
  remaining_leg, realized_pnl, opened_ms, closed_ms, updated_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  quantity=excluded.quantity,
  long_entry_price=excluded.long_entry_price,
  short_entry_price=excluded.short_entry_price,
  long_order_id=excluded.long_order_id,
  short_order_id=excluded.short_order_id,
  status=excluded.status,
  remaining_leg=excluded.remaining_leg,
  realized_pnl=excluded.realized_pnl,
  closed_ms=excluded.closed_ms,
  updated_ms=excluded.updated_ms
`, pos.ID, pos.UserID, pos.GroupID, pos.Symbol, string(pos.LongExchange), string(pos.ShortExchange),
		pos.Quantity.String(), pos.Leverage, pos.LongEntryPrice.String(), pos.ShortEntryPrice.String(),
		pos.LongOrderID, pos.ShortOrderID, nullFloat(pos.StopLoss), nullFloat(pos.TakeProfit), string(pos.Status),
		string(pos.RemainingLeg), pos.RealizedPnl.String(), pos.OpenedAt.UnixMilli(), closed, pos.UpdatedAt.UnixMilli())
	return err
}

const positionColumns = `id, user_id, group_id, symbol, long_exchange, short_exchange, quantity, leverage,
  long_entry_price, short_entry_price, long_order_id, short_order_id, stop_loss, take_profit, status,
  remaining_leg, realized_pnl, opened_ms, closed_ms, updated_ms`

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.ArbitragePosition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM arbitrage_positions WHERE id=?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundError(fmt.Sprintf("position %s not found", id))
	}
	return pos, err
}

func (r *Repo) ListOpenPositions(ctx context.Context, userID string) ([]*model.ArbitragePosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+positionColumns+`
FROM arbitrage_positions WHERE user_id=? AND status IN (?, ?) ORDER BY opened_ms`,
		userID, string(model.ArbOpen), string(model.ArbManualRequired))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ArbitragePosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (r *Repo) RecordTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO trades(id, position_id, user_id, exchange, symbol, side, order_id, quantity, price, fee, action, created_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.PositionID, t.UserID, string(t.Exchange), t.Symbol, string(t.Side), t.OrderID,
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.Action, t.CreatedAt.UnixMilli())
	return err
}

// ListTrades 某持仓的成交记录
func (r *Repo) ListTrades(ctx context.Context, positionID string) ([]*model.TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, position_id, user_id, exchange, symbol, side, order_id, quantity, price, fee, action, created_ms
FROM trades WHERE position_id=? ORDER BY created_ms, id
`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TradeRecord
	for rows.Next() {
		var (
			t               model.TradeRecord
			ex, side        string
			qty, price, fee string
			created         int64
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.UserID, &ex, &t.Symbol, &side, &t.OrderID,
			&qty, &price, &fee, &t.Action, &created); err != nil {
			return nil, err
		}
		t.Exchange = model.ExchangeID(ex)
		t.Side = model.Side(side)
		t.Quantity, t.Price, t.Fee = dec(qty), dec(price), dec(fee)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *Repo) CreateNotificationLog(ctx context.Context, n *model.NotificationLog) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notification_logs(id, user_id, type, symbol, message, payload, created_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, n.ID, n.UserID, n.Type, n.Symbol, n.Message, n.Payload, n.CreatedAt.UnixMilli())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (*model.ArbitragePosition, error) {
	var (
		p                          model.ArbitragePosition
		longEx, shortEx, status    string
		remaining                  string
		qty, longEntry, shortEntry string
		pnl                        string
		sl, tp                     sql.NullFloat64
		opened, updated            int64
		closed                     sql.NullInt64
	)
	if err := s.Scan(&p.ID, &p.UserID, &p.GroupID, &p.Symbol, &longEx, &shortEx, &qty, &p.Leverage,
		&longEntry, &shortEntry, &p.LongOrderID, &p.ShortOrderID, &sl, &tp, &status,
		&remaining, &pnl, &opened, &closed, &updated); err != nil {
		return nil, err
	}
	p.LongExchange = model.ExchangeID(longEx)
	p.ShortExchange = model.ExchangeID(shortEx)
	p.Quantity = dec(qty)
	p.LongEntryPrice = dec(longEntry)
	p.ShortEntryPrice = dec(shortEntry)
	p.Status = model.ArbitragePositionStatus(status)
	p.RemainingLeg = model.PositionSide(remaining)
	p.RealizedPnl = dec(pnl)
	if sl.Valid {
		v := sl.Float64
		p.StopLoss = &v
	}
	if tp.Valid {
		v := tp.Float64
		p.TakeProfit = &v
	}
	p.OpenedAt = time.UnixMilli(opened)
	p.UpdatedAt = time.UnixMilli(updated)
	if closed.Valid {
		c := time.UnixMilli(closed.Int64)
		p.ClosedAt = &c
	}
	return &p, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ port.PositionRepository = (*Repo)(nil)
