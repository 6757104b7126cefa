package port

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// ErrOrderNotFound 交易所确认订单不存在
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderStateUnknown 下单结果无法确认，订单可能已成交
var ErrOrderStateUnknown = errors.New("order state unknown")

// UnknownOrderError 下单失败且按客户端订单号补查也无法确认
type UnknownOrderError struct {
	Exchange      model.ExchangeID
	ClientOrderID string
	Err           error
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("%s order %s state unknown: %v", e.Exchange, e.ClientOrderID, e.Err)
}

func (e *UnknownOrderError) Unwrap() error { return e.Err }

func (e *UnknownOrderError) Is(target error) bool { return target == ErrOrderStateUnknown }

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string // 统一格式，如 BTCUSDT
	Side          model.Side
	PositionSide  model.PositionSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // 零值表示市价单
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult 下单/查单结果
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        model.OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
}

// ConditionalRequest 止盈止损条件单
type ConditionalRequest struct {
	Symbol       string
	PositionSide model.PositionSide
	Kind         model.ConditionalKind
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
}

// TradingClient 交易所 REST 交易能力
type TradingClient interface {
	Exchange() model.ExchangeID
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// PlaceOrder 不做盲目重试；实现方可在确认原单不存在后重新提交
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetOrder 按 orderID 或 clientOrderID 查询，不存在时返回 ErrOrderNotFound
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*OrderResult, error)
	ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*OrderResult, error)
	GetBalance(ctx context.Context) (*model.BalanceUpdate, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]model.PositionUpdate, error)
	PlaceConditionalOrder(ctx context.Context, req ConditionalRequest) (string, error)
	ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error)
}

// PrivateStream 交易所私有 WebSocket 适配器
// 同一适配器的事件按到达顺序写入 Events()；断线重连由适配器自身完成
type PrivateStream interface {
	Exchange() model.ExchangeID
	// Connect 认证失败返回 *model.ConnectError
	Connect(ctx context.Context, cred model.Credential) error
	Disconnect() error
	IsConnected() bool
	Events() <-chan model.Event
}

// FundingSource 公共资金费率数据源
type FundingSource interface {
	Exchange() model.ExchangeID
	FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error)
}

// FundingStream 公共资金费率推送，事件类型为 EventFundingRateReceived
type FundingStream interface {
	Exchange() model.ExchangeID
	// Subscribe 建立连接并订阅 symbols，首次连接同步完成
	Subscribe(ctx context.Context, symbols []string) error
	Events() <-chan model.Event
	Close()
}

// TradingProvider 按用户获取交易客户端
type TradingProvider interface {
	TradingClient(ctx context.Context, userID string, exchange model.ExchangeID) (TradingClient, error)
}
