package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewWithDB 使用已有连接（不做迁移）
func NewWithDB(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS position_snapshots (
  user_id TEXT NOT NULL,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size NUMERIC NOT NULL,
  entry_price NUMERIC NOT NULL,
  mark_price NUMERIC NOT NULL,
  unrealized_pnl NUMERIC NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 0,
  liquidation_price NUMERIC NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY(user_id, exchange, symbol, side)
);
CREATE TABLE IF NOT EXISTS arbitrage_positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  group_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  quantity NUMERIC NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 0,
  long_entry_price NUMERIC NOT NULL,
  short_entry_price NUMERIC NOT NULL,
  long_order_id TEXT NOT NULL DEFAULT '',
  short_order_id TEXT NOT NULL DEFAULT '',
  stop_loss DOUBLE PRECISION,
  take_profit DOUBLE PRECISION,
  status TEXT NOT NULL,
  remaining_leg TEXT NOT NULL DEFAULT '',
  realized_pnl NUMERIC NOT NULL,
  opened_at TIMESTAMPTZ NOT NULL,
  closed_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL
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
  quantity NUMERIC NOT NULL,
  price NUMERIC NOT NULL,
  fee NUMERIC NOT NULL,
  action TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_logs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  symbol TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

func (r *Repo) UpsertPositionSnapshot(ctx context.Context, st model.PositionState) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO position_snapshots(user_id, exchange, symbol, side, size, entry_price,
mark_price, unrealized_pnl, leverage, liquidation_price, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT(user_id, exchange, symbol, side) DO UPDATE SET size=EXCLUDED.size, entry_price=EXCLUDED.entry_price,
mark_price=EXCLUDED.mark_price, unrealized_pnl=EXCLUDED.unrealized_pnl, leverage=EXCLUDED.leverage,
liquidation_price=EXCLUDED.liquidation_price, updated_at=EXCLUDED.updated_at`,
		st.UserID, string(st.Key.Exchange), st.Key.Symbol, string(st.Key.Side),
		st.Size.String(), st.EntryPrice.String(), st.MarkPrice.String(), st.UnrealizedPnl.String(),
		st.Leverage, st.LiquidationPrice.String(), st.LastUpdate.UTC())
	return err
}

func (r *Repo) DeletePositionSnapshot(ctx context.Context, userID string, key model.PositionKey) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM position_snapshots WHERE user_id=$1 AND exchange=$2 AND symbol=$3 AND side=$4`,
		userID, string(key.Exchange), key.Symbol, string(key.Side))
	return err
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.ArbitragePosition) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position id is required")
	}
	var closed sql.NullTime
	if pos.ClosedAt != nil {
		closed = sql.NullTime{Time: pos.ClosedAt.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO arbitrage_positions(id, user_id, group_id, symbol, long_exchange,
short_exchange, quantity, leverage, long_entry_price, short_entry_price, long_order_id, short_order_id, stop_loss,
take_profit, status, remaining_leg, realized_pnl, opened_at, closed_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT(id) DO UPDATE SET quantity=EXCLUDED.quantity, long_entry_price=EXCLUDED.long_entry_price,
short_entry_price=EXCLUDED.short_entry_price, long_order_id=EXCLUDED.long_order_id,
short_order_id=EXCLUDED.short_order_id, status=EXCLUDED.status, remaining_leg=EXCLUDED.remaining_leg,
realized_pnl=EXCLUDED.realized_pnl,
closed_at=EXCLUDED.closed_at, updated_at=EXCLUDED.updated_at`,
		pos.ID, pos.UserID, pos.GroupID, pos.Symbol, string(pos.LongExchange), string(pos.ShortExchange),
		pos.Quantity.String(), pos.Leverage, pos.LongEntryPrice.String(), pos.ShortEntryPrice.String(),
		pos.LongOrderID, pos.ShortOrderID, nullFloat(pos.StopLoss), nullFloat(pos.TakeProfit), string(pos.Status),
		string(pos.RemainingLeg), pos.RealizedPnl.String(), pos.OpenedAt.UTC(), closed, pos.UpdatedAt.UTC())
	return err
}

const positionColumns = `id, user_id, group_id, symbol, long_exchange, short_exchange, quantity::text, leverage,
long_entry_price::text, short_entry_price::text, long_order_id, short_order_id, stop_loss, take_profit, status,
remaining_leg, realized_pnl::text, opened_at, closed_at, updated_at`

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.ArbitragePosition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM arbitrage_positions WHERE id=$1`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundError(fmt.Sprintf("position %s not found", id))
	}
	return pos, err
}

func (r *Repo) ListOpenPositions(ctx context.Context, userID string) ([]*model.ArbitragePosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM arbitrage_positions
WHERE user_id=$1 AND status IN ($2, $3) ORDER BY opened_at`,
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
	_, err := r.db.ExecContext(ctx, `INSERT INTO trades(id, position_id, user_id, exchange, symbol, side, order_id,
quantity, price, fee, action, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.PositionID, t.UserID, string(t.Exchange), t.Symbol, string(t.Side), t.OrderID,
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.Action, t.CreatedAt.UTC())
	return err
}

func (r *Repo) CreateNotificationLog(ctx context.Context, n *model.NotificationLog) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_logs(id, user_id, type, symbol, message, payload, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`, n.ID, n.UserID, n.Type, n.Symbol, n.Message, n.Payload, n.CreatedAt.UTC())
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
		closed                     sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.UserID, &p.GroupID, &p.Symbol, &longEx, &shortEx, &qty, &p.Leverage,
		&longEntry, &shortEntry, &p.LongOrderID, &p.ShortOrderID, &sl, &tp, &status,
		&remaining, &pnl, &p.OpenedAt, &closed, &p.UpdatedAt); err != nil {
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
	if closed.Valid {
		c := closed.Time
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

