package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// TradingClient OKX 永续合约交易客户端（全仓，买卖模式）
// 下单数量以张为单位，与币数量的换算依赖 ctVal
type TradingClient struct {
	*APIClient
	public    *exchange.RESTClient
	contracts *exchange.ContractSizes
}

// NewTradingClient 创建交易客户端
func NewTradingClient(opts exchange.Options, cred model.Credential) (*TradingClient, error) {
	if cred.APIKey == "" || cred.APISecret == "" || cred.Passphrase == "" {
		return nil, fmt.Errorf("okx: apiKey, apiSecret and passphrase cannot be empty")
	}
	public := exchange.NewRESTClient(model.ExchangeOKX, restURL(opts), opts.RateLimitRPS)
	return &TradingClient{
		APIClient: newAPIClient(cred, opts),
		public:    public,
		contracts: newContractSizes(public),
	}, nil
}

func (c *TradingClient) Exchange() model.ExchangeID { return model.ExchangeOKX }

// SetLeverage 设置全仓杠杆
func (c *TradingClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]string{
		"instId":  exchange.DashSwap.ToExchange(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	if _, err := c.signedRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, payload); err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}
	return nil
}

type placeOrderReq struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
	ClOrdID    string `json:"clOrdId,omitempty"`
}

type placeOrderResp struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceOrder 下单；受理后补查一次成交信息
func (c *TradingClient) PlaceOrder(ctx context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID("fa")
	}
	sz, err := c.contracts.ToContracts(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}

	body := placeOrderReq{
		InstID:     exchange.DashSwap.ToExchange(req.Symbol),
		TdMode:     "cross",
		Side:       strings.ToLower(string(req.Side)),
		OrdType:    "market",
		Sz:         sz.String(),
		ReduceOnly: req.ReduceOnly,
		ClOrdID:    req.ClientOrderID,
	}
	if !req.Price.IsZero() {
		body.OrdType = "limit"
		body.Px = req.Price.String()
	}

	place := func(ctx context.Context) (*port.OrderResult, error) {
		data, err := c.signedRequest(ctx, http.MethodPost, "/api/v5/trade/order", nil, body)
		if err != nil {
			return nil, err
		}
		var rows []placeOrderResp
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse order response failed: %w", err)
		}
		if len(rows) == 0 || rows[0].OrdID == "" {
			return nil, fmt.Errorf("order failed: %s", string(data))
		}
		return &port.OrderResult{OrderID: rows[0].OrdID, ClientOrderID: rows[0].ClOrdID, Status: model.OrderNew}, nil
	}
	lookup := func(ctx context.Context) (*port.OrderResult, error) {
		return c.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
	}

	res, err := exchange.PlaceOnce(ctx, model.ExchangeOKX, req.ClientOrderID, place, lookup)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	if res.Status == model.OrderNew {
		if filled, err := c.GetOrder(ctx, req.Symbol, res.OrderID, ""); err == nil {
			res = filled
		}
	}

	log.Info().
		Str("exchange", "okx").
		Str("symbol", body.InstID).
		Str("side", body.Side).
		Str("contracts", body.Sz).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")
	return res, nil
}

type orderResp struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	Side      string `json:"side"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
}

// GetOrder 查询订单
func (c *TradingClient) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*port.OrderResult, error) {
	params := url.Values{}
	params.Set("instId", exchange.DashSwap.ToExchange(symbol))
	if orderID != "" {
		params.Set("ordId", orderID)
	} else {
		params.Set("clOrdId", clientOrderID)
	}
	data, err := c.signedRequest(ctx, http.MethodGet, "/api/v5/trade/order", params, nil)
	if err != nil {
		if hasCode(err, codeOrderNotExist) {
			return nil, port.ErrOrderNotFound
		}
		return nil, err
	}
	var rows []orderResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse order failed: %w", err)
	}
	if len(rows) == 0 {
		return nil, port.ErrOrderNotFound
	}
	o := rows[0]
	filled, err := c.contracts.FromContracts(ctx, symbol, exchange.Dec(o.AccFillSz))
	if err != nil {
		return nil, err
	}
	return &port.OrderResult{
		OrderID:       o.OrdID,
		ClientOrderID: o.ClOrdID,
		Status:        orderStatus(o.State),
		FilledQty:     filled,
		AvgPrice:      exchange.Dec(o.AvgPx),
		Fee:           exchange.Dec(o.Fee).Abs(),
	}, nil
}

// ClosePosition 市价 reduceOnly 平仓
func (c *TradingClient) ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*port.OrderResult, error) {
	return c.PlaceOrder(ctx, port.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseSide(),
		PositionSide: side,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

type balanceResp struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy      string `json:"ccy"`
		Eq       string `json:"eq"`
		AvailEq  string `json:"availEq"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

// GetBalance USDT 余额；统一账户下 availEq 可能为空，退回 availBal
func (c *TradingClient) GetBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	params := url.Values{}
	params.Set("ccy", model.DefaultQuote)
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/api/v5/account/balance", params, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	var rows []balanceResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse balance failed: %w", err)
	}
	out := &model.BalanceUpdate{Asset: model.DefaultQuote}
	if len(rows) == 0 {
		return out, nil
	}
	for _, d := range rows[0].Details {
		if d.Ccy != model.DefaultQuote {
			continue
		}
		out.Total = exchange.Dec(d.Eq)
		avail := d.AvailEq
		if avail == "" {
			avail = d.AvailBal
		}
		out.Available = exchange.Dec(avail)
	}
	return out, nil
}

// GetMarkPrice 标记价格（公共接口）
func (c *TradingClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	params.Set("instId", exchange.DashSwap.ToExchange(symbol))
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.public, "/api/v5/public/mark-price", params)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price failed: %w", err)
	}
	var rows []struct {
		MarkPx string `json:"markPx"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price failed: %w", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("no mark price for %s", symbol)
	}
	return exchange.Dec(rows[0].MarkPx), nil
}

type positionResp struct {
	InstID  string `json:"instId"`
	Pos     string `json:"pos"`
	PosSide string `json:"posSide"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
	Lever   string `json:"lever"`
	LiqPx   string `json:"liqPx"`
}

// toUpdate 张数换算为币数量；net 模式数量为 0 时方向未知
func (p positionResp) toUpdate(ctx context.Context, contracts *exchange.ContractSizes) (model.PositionUpdate, error) {
	symbol := exchange.DashSwap.FromExchange(p.InstID)
	pos := exchange.Dec(p.Pos)
	size, err := contracts.FromContracts(ctx, symbol, pos.Abs())
	if err != nil {
		return model.PositionUpdate{}, err
	}
	lev, _ := strconv.Atoi(p.Lever)
	upd := model.PositionUpdate{
		Symbol:           symbol,
		Size:             size,
		EntryPrice:       exchange.Dec(p.AvgPx),
		MarkPrice:        exchange.Dec(p.MarkPx),
		UnrealizedPnl:    exchange.Dec(p.Upl),
		Leverage:         lev,
		LiquidationPrice: exchange.Dec(p.LiqPx),
	}
	switch p.PosSide {
	case "long":
		upd.Side = model.PositionLong
	case "short":
		upd.Side = model.PositionShort
	default:
		if pos.IsNegative() {
			upd.Side = model.PositionShort
		} else if pos.IsPositive() {
			upd.Side = model.PositionLong
		}
	}
	return upd, nil
}

// GetPositions 当前非零持仓
func (c *TradingClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/api/v5/account/positions", params, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var rows []positionResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}
	out := make([]model.PositionUpdate, 0, len(rows))
	for _, r := range rows {
		if exchange.Dec(r.Pos).IsZero() {
			continue
		}
		upd, err := r.toUpdate(ctx, c.contracts)
		if err != nil {
			return nil, err
		}
		out = append(out, upd)
	}
	return out, nil
}

type algoOrderReq struct {
	InstID          string `json:"instId"`
	TdMode          string `json:"tdMode"`
	Side            string `json:"side"`
	OrdType         string `json:"ordType"`
	Sz              string `json:"sz"`
	ReduceOnly      bool   `json:"reduceOnly"`
	SlTriggerPx     string `json:"slTriggerPx,omitempty"`
	SlOrdPx         string `json:"slOrdPx,omitempty"`
	SlTriggerPxType string `json:"slTriggerPxType,omitempty"`
	TpTriggerPx     string `json:"tpTriggerPx,omitempty"`
	TpOrdPx         string `json:"tpOrdPx,omitempty"`
	TpTriggerPxType string `json:"tpTriggerPxType,omitempty"`
}

// PlaceConditionalOrder 止损/止盈（标记价格触发，市价平仓）
func (c *TradingClient) PlaceConditionalOrder(ctx context.Context, req port.ConditionalRequest) (string, error) {
	sz, err := c.contracts.ToContracts(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	body := algoOrderReq{
		InstID:     exchange.DashSwap.ToExchange(req.Symbol),
		TdMode:     "cross",
		Side:       strings.ToLower(string(req.PositionSide.CloseSide())),
		OrdType:    "conditional",
		Sz:         sz.String(),
		ReduceOnly: true,
	}
	if req.Kind == model.ConditionalTakeProfit {
		body.TpTriggerPx = req.TriggerPrice.String()
		body.TpOrdPx = "-1"
		body.TpTriggerPxType = "mark"
	} else {
		body.SlTriggerPx = req.TriggerPrice.String()
		body.SlOrdPx = "-1"
		body.SlTriggerPxType = "mark"
	}

	data, err := c.signedRequest(ctx, http.MethodPost, "/api/v5/trade/order-algo", nil, body)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var rows []struct {
		AlgoID string `json:"algoId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return "", fmt.Errorf("parse algo order response failed: %s", string(data))
	}
	return rows[0].AlgoID, nil
}

type algoResp struct {
	AlgoID      string `json:"algoId"`
	InstID      string `json:"instId"`
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
}

// ListConditionalOrders 挂着的条件单；一个 OCO 单同时带止损和止盈价，拆成两条
func (c *TradingClient) ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error) {
	var out []model.ConditionalOrder
	for _, ordType := range []string{"conditional", "oco"} {
		params := url.Values{}
		params.Set("ordType", ordType)
		params.Set("instType", "SWAP")
		params.Set("instId", exchange.DashSwap.ToExchange(symbol))
		data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodGet, "/api/v5/trade/orders-algo-pending", params, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("list algo orders failed: %w", err)
		}
		var rows []algoResp
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse algo orders failed: %w", err)
		}
		for _, r := range rows {
			side := model.PositionLong
			if r.PosSide == "short" || (r.PosSide != "long" && r.Side == "buy") {
				side = model.PositionShort
			}
			base := model.ConditionalOrder{OrderID: r.AlgoID, Symbol: exchange.DashSwap.FromExchange(r.InstID), PositionSide: side}
			if r.SlTriggerPx != "" {
				o := base
				o.Kind = model.ConditionalStopLoss
				o.TriggerPrice = exchange.Dec(r.SlTriggerPx)
				out = append(out, o)
			}
			if r.TpTriggerPx != "" {
				o := base
				o.Kind = model.ConditionalTakeProfit
				o.TriggerPrice = exchange.Dec(r.TpTriggerPx)
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func orderStatus(s string) model.OrderStatus {
	switch s {
	case "live":
		return model.OrderNew
	case "partially_filled":
		return model.OrderPartiallyFilled
	case "filled":
		return model.OrderFilled
	case "canceled", "mmp_canceled":
		return model.OrderCanceled
	}
	return model.OrderUnknown
}
