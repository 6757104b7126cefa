package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind 归一化事件类型
type EventKind string

const (
	EventPositionChanged     EventKind = "position_changed"
	EventPositionClosed      EventKind = "position_closed"
	EventBalanceChanged      EventKind = "balance_changed"
	EventOrderStatusChanged  EventKind = "order_status_changed"
	EventFundingRateReceived EventKind = "funding_rate_received"
	EventError               EventKind = "error"
	EventConnected           EventKind = "connected"
	EventDisconnected        EventKind = "disconnected"
)

// Event 交易所私有流归一化后的事件
// 同一适配器内的事件按到达顺序投递
type Event struct {
	Kind     EventKind  `json:"kind"`
	Exchange ExchangeID `json:"exchange"`
	UserID   string     `json:"user_id,omitempty"` // 由 PrivateManager 打标

	Position *PositionUpdate        `json:"position,omitempty"`
	Balance  *BalanceUpdate         `json:"balance,omitempty"`
	Order    *OrderUpdate           `json:"order,omitempty"`
	Funding  *NormalizedFundingRate `json:"funding,omitempty"`
	Err      error                  `json:"-"`

	ReceivedAt time.Time `json:"received_at"`
}

// PositionUpdate 持仓变化
type PositionUpdate struct {
	Symbol           string          `json:"symbol"` // 统一格式，如 BTCUSDT
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"` // 绝对值，0 表示已平仓
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	Leverage         int             `json:"leverage,omitempty"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price,omitempty"`
}

// BalanceUpdate 余额变化
type BalanceUpdate struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// OrderStatus 订单状态（归一化）
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderUnknown         OrderStatus = "UNKNOWN"
)

// Terminal 是否为终态
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderUpdate 订单状态变化
type OrderUpdate struct {
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          Side            `json:"side"`
	Status        OrderStatus     `json:"status"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
}
