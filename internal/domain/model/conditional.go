package model

import "github.com/shopspring/decimal"

// ConditionalKind 条件单类型
type ConditionalKind string

const (
	ConditionalStopLoss   ConditionalKind = "stop_loss"
	ConditionalTakeProfit ConditionalKind = "take_profit"
	ConditionalUnknown    ConditionalKind = ""
)

// ConditionalOrder 交易所条件单（部分交易所不标注止盈/止损）
type ConditionalOrder struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	PositionSide PositionSide    `json:"position_side"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Kind         ConditionalKind `json:"kind"` // 交易所已标注时非空
}
