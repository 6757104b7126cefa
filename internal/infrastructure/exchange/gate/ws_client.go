package gate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

// subscribeAckTimeout 等待单个订阅确认
const subscribeAckTimeout = 10 * time.Second

// privateChannels 私有频道；每个订阅请求单独签名
var privateChannels = []string{"futures.balances", "futures.positions", "futures.orders"}

// PrivateStream Gate 私有频道
// 订阅请求带 auth（HMAC-SHA512 over "channel=..&event=..&time=.."），payload 需要用户 ID
type PrivateStream struct {
	*exchange.Stream
	opts      exchange.Options
	contracts *exchange.ContractSizes

	mu     sync.Mutex
	api    *APIClient
	userID string
}

// NewPrivateStream 创建私有流适配器
func NewPrivateStream(opts exchange.Options) *PrivateStream {
	public := exchange.NewRESTClient(model.ExchangeGate, restURL(opts), opts.RateLimitRPS)
	return &PrivateStream{
		Stream:    exchange.NewStream(model.ExchangeGate),
		opts:      opts,
		contracts: newContractSizes(public),
	}
}

// Connect 查询用户 ID（同时校验 API Key）后建立连接
func (s *PrivateStream) Connect(ctx context.Context, cred model.Credential) error {
	api := newAPIClient(cred, s.opts)
	raw, err := api.signedRequest(ctx, http.MethodGet, apiPrefix+"/account/detail", nil, nil)
	if err != nil {
		return exchange.ConnectFailure(model.ExchangeGate, err, isAuthError(err))
	}
	var detail struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil || detail.UserID == 0 {
		return exchange.ConnectFailure(model.ExchangeGate, fmt.Errorf("gate account detail: %s", string(raw)), false)
	}

	s.mu.Lock()
	s.api = api
	s.userID = strconv.FormatInt(detail.UserID, 10)
	s.mu.Unlock()

	cfg := s.opts.Runner
	cfg.Name = "gate:" + cred.KeyPrefix()
	if err := s.Start(ctx, cfg, s); err != nil {
		return exchange.ConnectFailure(model.ExchangeGate, err, false)
	}
	return nil
}

// Disconnect 关闭连接
func (s *PrivateStream) Disconnect() error {
	s.Close()
	return nil
}

// ===== websocket.StreamHandler =====

func (s *PrivateStream) Endpoint(ctx context.Context) (string, http.Header, error) {
	return wsURL(s.opts), nil, nil
}

type wsAuth struct {
	Method string `json:"method"`
	KEY    string `json:"KEY"`
	SIGN   string `json:"SIGN"`
}

type wsRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
	Auth    *wsAuth  `json:"auth,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Time    int64               `json:"time"`
	Channel string              `json:"channel"`
	Event   string              `json:"event"`
	Error   *wsError            `json:"error"`
	Result  jsoniter.RawMessage `json:"result"`
}

// subscribeRequest 签名串 channel=<channel>&event=subscribe&time=<秒>
func subscribeRequest(c *Credentials, channel, userID string, now time.Time) wsRequest {
	ts := now.Unix()
	return wsRequest{
		Time:    ts,
		Channel: channel,
		Event:   "subscribe",
		Payload: []string{userID, "!all"},
		Auth: &wsAuth{
			Method: "api_key",
			KEY:    c.APIKey(),
			SIGN:   c.Sign(fmt.Sprintf("channel=%s&event=%s&time=%d", channel, "subscribe", ts)),
		},
	}
}

// OnOpen 逐个订阅并同步等待确认；私有频道订阅失败视为鉴权失败
func (s *PrivateStream) OnOpen(ctx context.Context, c *websocket.Conn) error {
	s.mu.Lock()
	api, userID := s.api, s.userID
	s.mu.Unlock()

	for _, ch := range privateChannels {
		req := subscribeRequest(api.credentials, ch, userID, time.Now())
		if ch == "futures.balances" {
			req.Payload = []string{userID}
		}
		if err := c.WriteJSON(req); err != nil {
			return err
		}
		_, data, err := c.ReadFrame(subscribeAckTimeout)
		if err != nil {
			return fmt.Errorf("gate subscribe %s: %w", ch, err)
		}
		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("gate subscribe %s: unexpected frame %q", ch, string(data))
		}
		if resp.Error != nil {
			err := fmt.Errorf("gate subscribe %s: code %d: %s", ch, resp.Error.Code, resp.Error.Message)
			return &model.ConnectError{Exchange: model.ExchangeGate, Auth: true, Err: err}
		}
	}
	return nil
}

// Ping 应用层心跳 futures.ping
func (s *PrivateStream) Ping(c *websocket.Conn) error {
	return c.WriteJSON(wsRequest{Time: time.Now().Unix(), Channel: "futures.ping"})
}

func (s *PrivateStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	var resp wsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		exchange.DropMalformed(model.ExchangeGate, data, err)
		return
	}
	if resp.Channel == "futures.pong" {
		return
	}
	if resp.Error != nil {
		s.EmitError(fmt.Errorf("gate %s: code %d: %s", resp.Channel, resp.Error.Code, resp.Error.Message))
		return
	}
	if resp.Event != "update" {
		return
	}

	var err error
	switch resp.Channel {
	case "futures.balances":
		err = s.onBalances(resp.Result)
	case "futures.positions":
		err = s.onPositions(resp.Result)
	case "futures.orders":
		err = s.onOrders(resp.Result)
	default:
		log.Debug().Str("exchange", "gate").Str("channel", resp.Channel).Msg("ignoring ws channel")
	}
	if err != nil {
		exchange.DropMalformed(model.ExchangeGate, data, err)
	}
}

type balancePush struct {
	Balance  exchange.Num `json:"balance"`
	Change   exchange.Num `json:"change"`
	Currency string       `json:"currency"`
}

// onBalances 推送只有总额，可用余额从 REST 补齐
func (s *PrivateStream) onBalances(raw []byte) error {
	var rows []balancePush
	if err := json.Unmarshal(raw, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	last := rows[len(rows)-1]
	upd := &model.BalanceUpdate{Asset: model.DefaultQuote, Total: last.Balance.Decimal}

	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if acct, err := api.fetchAccount(ctx); err == nil {
		upd.Available = acct.Available
	} else {
		log.Warn().Str("exchange", "gate").Err(err).Msg("available balance refresh failed")
		upd.Available = upd.Total
	}
	s.Emit(model.Event{Kind: model.EventBalanceChanged, Balance: upd})
	return nil
}

func (s *PrivateStream) onPositions(raw []byte) error {
	var rows []PositionResp
	if err := json.Unmarshal(raw, &rows); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range rows {
		upd, err := p.toUpdate(ctx, s.contracts)
		if err != nil {
			return err
		}
		s.Emit(model.Event{Kind: model.EventPositionChanged, Position: &upd})
	}
	return nil
}

func (s *PrivateStream) onOrders(raw []byte) error {
	var rows []OrderResp
	if err := json.Unmarshal(raw, &rows); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, o := range rows {
		symbol := exchange.Underscore.FromExchange(o.Contract)
		filledContracts := absInt(o.Size) - absInt(o.Left)
		qty, err := s.contracts.FromContracts(ctx, symbol, decimal.NewFromInt(absInt(o.Size)))
		if err != nil {
			return err
		}
		filled, err := s.contracts.FromContracts(ctx, symbol, decimal.NewFromInt(filledContracts))
		if err != nil {
			return err
		}
		side := model.SideBuy
		if o.Size < 0 {
			side = model.SideSell
		}
		s.Emit(model.Event{Kind: model.EventOrderStatusChanged, Order: &model.OrderUpdate{
			Symbol:        symbol,
			OrderID:       strconv.FormatInt(o.ID, 10),
			ClientOrderID: o.Text,
			Side:          side,
			Status:        orderStatus(o.Status, o.FinishAs, filledContracts),
			Quantity:      qty,
			FilledQty:     filled,
			AvgPrice:      o.FillPrice.Decimal,
			ReduceOnly:    o.ReduceOnly,
		}})
	}
	return nil
}
