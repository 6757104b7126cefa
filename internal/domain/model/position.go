package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ========== Position State ==========

// PositionKey 持仓状态键：交易所 + 币种 + 方向
type PositionKey struct {
	Exchange ExchangeID
	Symbol   string
	Side     PositionSide
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Side)
}

// PositionState 实时持仓视图，由 PositionTracker 独占写入
type PositionState struct {
	Key              PositionKey     `json:"-"`
	UserID           string          `json:"user_id"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	Leverage         int             `json:"leverage,omitempty"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price,omitempty"`
	LastUpdate       time.Time       `json:"last_update"`
}

// BalanceState 实时余额视图
type BalanceState struct {
	UserID     string          `json:"user_id"`
	Exchange   ExchangeID      `json:"exchange"`
	Asset      string          `json:"asset"`
	Total      decimal.Decimal `json:"total"`
	Available  decimal.Decimal `json:"available"`
	LastUpdate time.Time       `json:"last_update"`
}

// ========== Requests ==========

// OpenPositionRequest 开仓请求，提交后不可变
type OpenPositionRequest struct {
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	LongExchange  ExchangeID      `json:"long_exchange"`
	ShortExchange ExchangeID      `json:"short_exchange"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	StopLoss      *float64        `json:"stop_loss,omitempty"`   // 止损百分比
	TakeProfit    *float64        `json:"take_profit,omitempty"` // 止盈百分比
	GroupID       string          `json:"group_id,omitempty"`
}

// SplitOpenRequest 分批开仓请求
type SplitOpenRequest struct {
	OpenPositionRequest
	Groups int `json:"groups"`
}

// ClosePositionRequest 平仓请求
type ClosePositionRequest struct {
	UserID     string `json:"user_id"`
	PositionID string `json:"position_id"`
}

// ========== Results ==========

// LegResult 单腿执行结果
type LegResult struct {
	Exchange  ExchangeID      `json:"exchange"`
	Side      Side            `json:"side"`
	OrderID   string          `json:"order_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fee       decimal.Decimal `json:"fee"`
	Succeeded bool            `json:"succeeded"`
}

// ConditionalOutcome 止盈止损下单结果
type ConditionalOutcome struct {
	Exchange ExchangeID `json:"exchange"`
	Kind     string     `json:"kind"` // stop_loss / take_profit
	OrderID  string     `json:"order_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// OpenResult 开仓结果
type OpenResult struct {
	PositionID  string               `json:"position_id"`
	GroupID     string               `json:"group_id,omitempty"`
	Long        LegResult            `json:"long"`
	Short       LegResult            `json:"short"`
	Conditional []ConditionalOutcome `json:"conditional,omitempty"`
	Partial     bool                 `json:"partial"` // 止盈止损部分失败，持仓已建立
}

// SplitResult 分批开仓结果
type SplitResult struct {
	GroupID         string        `json:"group_id"`
	TotalGroups     int           `json:"total_groups"`
	CompletedGroups int           `json:"completed_groups"`
	Results         []*OpenResult `json:"results"`
}

// CloseResult 平仓结果
type CloseResult struct {
	PositionID  string          `json:"position_id"`
	Long        LegResult       `json:"long"`
	Short       LegResult       `json:"short"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
}

// BatchCloseResult 批量平仓结果
type BatchCloseResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []*CloseResult    `json:"results"`
	Errors    map[string]string `json:"errors,omitempty"` // positionID -> message
}

// ========== Persistence ==========

// ArbitragePositionStatus 套利持仓状态
type ArbitragePositionStatus string

const (
	ArbOpening        ArbitragePositionStatus = "opening"
	ArbOpen           ArbitragePositionStatus = "open"
	ArbClosing        ArbitragePositionStatus = "closing"
	ArbClosed         ArbitragePositionStatus = "closed"
	ArbFailed         ArbitragePositionStatus = "failed"
	ArbRolledBack     ArbitragePositionStatus = "rolled_back"
	ArbManualRequired ArbitragePositionStatus = "manual_required"
)

// ArbitragePosition 跨所对冲持仓快照
type ArbitragePosition struct {
	ID              string                  `json:"id"`
	UserID          string                  `json:"user_id"`
	GroupID         string                  `json:"group_id,omitempty"`
	Symbol          string                  `json:"symbol"`
	LongExchange    ExchangeID              `json:"long_exchange"`
	ShortExchange   ExchangeID              `json:"short_exchange"`
	Quantity        decimal.Decimal         `json:"quantity"`
	Leverage        int                     `json:"leverage"`
	LongEntryPrice  decimal.Decimal         `json:"long_entry_price"`
	ShortEntryPrice decimal.Decimal         `json:"short_entry_price"`
	LongOrderID     string                  `json:"long_order_id,omitempty"`
	ShortOrderID    string                  `json:"short_order_id,omitempty"`
	StopLoss        *float64                `json:"stop_loss,omitempty"`
	TakeProfit      *float64                `json:"take_profit,omitempty"`
	Status          ArbitragePositionStatus `json:"status"`
	RemainingLeg    PositionSide            `json:"remaining_leg,omitempty"` // manual_required 时仍未平的一腿
	RealizedPnl     decimal.Decimal         `json:"realized_pnl"`
	OpenedAt        time.Time               `json:"opened_at"`
	ClosedAt        *time.Time              `json:"closed_at,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// TradeRecord 成交记录
type TradeRecord struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Exchange   ExchangeID      `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	OrderID    string          `json:"order_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Action     string          `json:"action"` // open / close / rollback
	CreatedAt  time.Time       `json:"created_at"`
}

// NotificationLog 通知记录
type NotificationLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
