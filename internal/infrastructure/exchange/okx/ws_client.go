package okx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

// loginTimeout 等待登录响应
const loginTimeout = 10 * time.Second

// PrivateStream OKX 私有频道
// 每次（重）连后先 login 再订阅 account / positions / orders；心跳为文本 "ping"
type PrivateStream struct {
	*exchange.Stream
	opts      exchange.Options
	contracts *exchange.ContractSizes

	mu   sync.Mutex
	cred *Credentials
	name string
}

// NewPrivateStream 创建私有流适配器
func NewPrivateStream(opts exchange.Options) *PrivateStream {
	public := exchange.NewRESTClient(model.ExchangeOKX, restURL(opts), opts.RateLimitRPS)
	return &PrivateStream{
		Stream:    exchange.NewStream(model.ExchangeOKX),
		opts:      opts,
		contracts: newContractSizes(public),
	}
}

// Connect 建立连接并完成登录
func (s *PrivateStream) Connect(ctx context.Context, cred model.Credential) error {
	if cred.APIKey == "" || cred.APISecret == "" || cred.Passphrase == "" {
		return &model.ConnectError{Exchange: model.ExchangeOKX, Auth: true, Err: errors.New("okx credentials incomplete")}
	}
	s.mu.Lock()
	s.cred = NewCredentials(cred.APIKey, cred.APISecret, cred.Passphrase)
	s.name = "okx:" + cred.KeyPrefix()
	s.mu.Unlock()

	cfg := s.opts.Runner
	cfg.Name = s.name
	if err := s.Start(ctx, cfg, s); err != nil {
		return exchange.ConnectFailure(model.ExchangeOKX, err, isAuthError(err))
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

type wsOp struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type wsEvent struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// loginRequest 签名串: timestamp + "GET" + "/users/self/verify"，timestamp 为秒
func loginRequest(c *Credentials, now time.Time) wsOp {
	ts := strconv.FormatInt(now.Unix(), 10)
	return wsOp{Op: "login", Args: []any{loginArg{
		APIKey:     c.APIKey(),
		Passphrase: c.Passphrase(),
		Timestamp:  ts,
		Sign:       c.Sign(ts + "GET" + "/users/self/verify"),
	}}}
}

func subscribeRequest() wsOp {
	return wsOp{Op: "subscribe", Args: []any{
		map[string]string{"channel": "account", "ccy": model.DefaultQuote},
		map[string]string{"channel": "positions", "instType": "SWAP"},
		map[string]string{"channel": "orders", "instType": "SWAP"},
	}}
}

func (s *PrivateStream) OnOpen(ctx context.Context, c *websocket.Conn) error {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()

	if err := c.WriteJSON(loginRequest(cred, time.Now())); err != nil {
		return err
	}
	_, data, err := c.ReadFrame(loginTimeout)
	if err != nil {
		return fmt.Errorf("okx login: %w", err)
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("okx login: unexpected frame %q", string(data))
	}
	if ev.Event != "login" || ev.Code != "0" {
		apiErr := &exchange.APIError{Exchange: model.ExchangeOKX, Status: http.StatusOK, Code: ev.Code, Message: ev.Msg}
		return &model.ConnectError{Exchange: model.ExchangeOKX, Auth: true, Err: apiErr}
	}
	return c.WriteJSON(subscribeRequest())
}

func (s *PrivateStream) Ping(c *websocket.Conn) error { return c.WriteText("ping") }

type pushMsg struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []jsoniter.RawMessage `json:"data"`
}

func (s *PrivateStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	if string(exchange.BytesTrimSpace(data)) == "pong" {
		return
	}
	var msg pushMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		exchange.DropMalformed(model.ExchangeOKX, data, err)
		return
	}

	switch msg.Event {
	case "subscribe", "channel-conn-count":
		return
	case "error":
		s.EmitError(&exchange.APIError{Exchange: model.ExchangeOKX, Status: http.StatusOK, Code: msg.Code, Message: msg.Msg})
		return
	case "":
	default:
		log.Debug().Str("exchange", "okx").Str("event", msg.Event).Msg("ignoring ws event")
		return
	}

	for _, raw := range msg.Data {
		var err error
		switch msg.Arg.Channel {
		case "account":
			err = s.onAccount(raw)
		case "positions":
			err = s.onPosition(raw)
		case "orders":
			err = s.onOrder(raw)
		}
		if err != nil {
			exchange.DropMalformed(model.ExchangeOKX, raw, err)
		}
	}
}

func (s *PrivateStream) onAccount(raw []byte) error {
	var acct balanceResp
	if err := json.Unmarshal(raw, &acct); err != nil {
		return err
	}
	for _, d := range acct.Details {
		if d.Ccy != model.DefaultQuote {
			continue
		}
		avail := d.AvailEq
		if avail == "" {
			avail = d.AvailBal
		}
		s.Emit(model.Event{Kind: model.EventBalanceChanged, Balance: &model.BalanceUpdate{
			Asset:     d.Ccy,
			Total:     exchange.Dec(d.Eq),
			Available: exchange.Dec(avail),
		}})
	}
	return nil
}

func (s *PrivateStream) onPosition(raw []byte) error {
	var p positionResp
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upd, err := p.toUpdate(ctx, s.contracts)
	if err != nil {
		return err
	}
	s.Emit(model.Event{Kind: model.EventPositionChanged, Position: &upd})
	return nil
}

type orderPush struct {
	orderResp
	ReduceOnly string `json:"reduceOnly"`
}

func (s *PrivateStream) onOrder(raw []byte) error {
	var o orderPush
	if err := json.Unmarshal(raw, &o); err != nil {
		return err
	}
	symbol := exchange.DashSwap.FromExchange(o.InstID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qty, err := s.contracts.FromContracts(ctx, symbol, exchange.Dec(o.Sz))
	if err != nil {
		return err
	}
	filled, err := s.contracts.FromContracts(ctx, symbol, exchange.Dec(o.AccFillSz))
	if err != nil {
		return err
	}
	side := model.SideBuy
	if o.Side == "sell" {
		side = model.SideSell
	}
	s.Emit(model.Event{Kind: model.EventOrderStatusChanged, Order: &model.OrderUpdate{
		Symbol:        symbol,
		OrderID:       o.OrdID,
		ClientOrderID: o.ClOrdID,
		Side:          side,
		Status:        orderStatus(o.State),
		Quantity:      qty,
		FilledQty:     filled,
		AvgPrice:      exchange.Dec(o.AvgPx),
		ReduceOnly:    o.ReduceOnly == "true",
	}})
	return nil
}
