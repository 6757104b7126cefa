package bingx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

const listenKeyPath = "/openApi/user/auth/userDataStream"

// PrivateStream BingX 账户推送
// 连接前用签名请求校验凭证，listenKey 放在 URL 中；所有帧（包括文本心跳 Ping/Pong）都是 GZIP 压缩的
type PrivateStream struct {
	*exchange.Stream
	opts exchange.Options

	mu   sync.Mutex
	api  *APIClient
	keys *websocket.ListenKeyManager
}

// NewPrivateStream 创建账户推送适配器
func NewPrivateStream(opts exchange.Options) *PrivateStream {
	return &PrivateStream{Stream: exchange.NewStream(model.ExchangeBingX), opts: opts}
}

// Connect 签名校验、创建 listenKey 并建立连接
func (s *PrivateStream) Connect(ctx context.Context, cred model.Credential) error {
	api := newAPIClient(cred, s.opts)
	if _, err := api.fetchBalance(ctx); err != nil {
		return exchange.ConnectFailure(model.ExchangeBingX, err, isAuthError(err))
	}

	keys := websocket.NewListenKeyManager("bingx", s, s.opts.Session, func(string) {
		s.Reconnect()
	})
	s.mu.Lock()
	s.api = api
	s.keys = keys
	s.mu.Unlock()

	if _, err := keys.Create(ctx); err != nil {
		keys.Destroy(context.Background())
		return exchange.ConnectFailure(model.ExchangeBingX, err, isAuthError(err))
	}

	cfg := s.opts.Runner
	cfg.Name = "bingx:" + cred.KeyPrefix()
	if err := s.Start(ctx, cfg, s); err != nil {
		keys.Destroy(context.Background())
		return exchange.ConnectFailure(model.ExchangeBingX, err, false)
	}
	return nil
}

// Disconnect 销毁 listenKey 并关闭连接
func (s *PrivateStream) Disconnect() error {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		keys.Destroy(ctx)
		cancel()
	}
	s.Close()
	return nil
}

// ===== websocket.ListenKeyAPI =====

func (s *PrivateStream) client() *APIClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *PrivateStream) CreateListenKey(ctx context.Context) (string, error) {
	body, err := s.client().keyRequest(ctx, http.MethodPost, listenKeyPath, nil)
	if err != nil {
		return "", err
	}
	var r struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("parse listen key: %w", err)
	}
	if r.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return r.ListenKey, nil
}

func (s *PrivateStream) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := s.client().keyRequest(ctx, http.MethodPut, listenKeyPath, params)
	return err
}

func (s *PrivateStream) CloseListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := s.client().keyRequest(ctx, http.MethodDelete, listenKeyPath, params)
	return err
}

// ===== websocket.StreamHandler =====

func (s *PrivateStream) Endpoint(ctx context.Context) (string, http.Header, error) {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()

	key := keys.Key()
	if key == "" {
		var err error
		if key, err = keys.Create(ctx); err != nil {
			return "", nil, err
		}
	}
	return wsURL(s.opts) + "?listenKey=" + url.QueryEscape(key), nil, nil
}

func (s *PrivateStream) OnOpen(ctx context.Context, c *websocket.Conn) error { return nil }

// Ping 文本心跳
func (s *PrivateStream) Ping(c *websocket.Conn) error { return c.WriteText("Ping") }

func (s *PrivateStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	if exchange.IsGzip(data) {
		raw, err := exchange.Gunzip(data)
		if err != nil {
			exchange.DropMalformed(model.ExchangeBingX, data, err)
			return
		}
		data = raw
	}
	if !exchange.LooksLikeJSON(data) {
		s.onText(c, string(exchange.BytesTrimSpace(data)))
		return
	}

	var head struct {
		Event string `json:"e"`
		Code  int    `json:"code"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		exchange.DropMalformed(model.ExchangeBingX, data, err)
		return
	}
	if head.Code != 0 {
		s.EmitError(fmt.Errorf("bingx ws: code %d: %s", head.Code, head.Msg))
		return
	}

	switch head.Event {
	case "ACCOUNT_UPDATE":
		var msg accountUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			exchange.DropMalformed(model.ExchangeBingX, data, err)
			return
		}
		for _, ev := range msg.events() {
			s.Emit(ev)
		}
	case "ORDER_TRADE_UPDATE":
		var msg orderTradeUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			exchange.DropMalformed(model.ExchangeBingX, data, err)
			return
		}
		s.Emit(msg.event())
	case "listenKeyExpired":
		s.onListenKeyExpired()
	}
}

// onText 非 JSON 文本都是心跳
func (s *PrivateStream) onText(c *websocket.Conn, text string) {
	switch {
	case strings.EqualFold(text, "Ping"):
		if err := c.WriteText("Pong"); err != nil {
			log.Warn().Str("exchange", "bingx").Err(err).Msg("pong write failed")
		}
	case strings.EqualFold(text, "Pong"):
	default:
		log.Debug().Str("exchange", "bingx").Str("frame", text).Msg("ignoring non-json frame")
	}
}

func (s *PrivateStream) onListenKeyExpired() {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()

	log.Warn().Str("exchange", "bingx").Msg("listen key expired, recreating")
	keys.MarkExpired()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := keys.Recreate(ctx); err != nil && !errors.Is(err, websocket.ErrSessionDestroyed) {
			s.EmitError(fmt.Errorf("recreate listen key: %w", err))
			s.Reconnect()
		}
	}()
}

// ===== Wire Models =====

type accountUpdate struct {
	Account struct {
		Balances []struct {
			Asset       string       `json:"a"`
			Wallet      exchange.Num `json:"wb"`
			CrossWallet exchange.Num `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string       `json:"s"`
			Amount        exchange.Num `json:"pa"`
			EntryPrice    exchange.Num `json:"ep"`
			UnrealizedPnl exchange.Num `json:"up"`
			PositionSide  string       `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

func (m accountUpdate) events() []model.Event {
	var out []model.Event
	for _, b := range m.Account.Balances {
		out = append(out, model.Event{
			Kind: model.EventBalanceChanged,
			Balance: &model.BalanceUpdate{
				Asset:     strings.ToUpper(b.Asset),
				Total:     b.Wallet.Decimal,
				Available: b.CrossWallet.Decimal,
			},
		})
	}
	for _, p := range m.Account.Positions {
		upd := &model.PositionUpdate{
			Symbol:        exchange.Dash.FromExchange(p.Symbol),
			Size:          p.Amount.Abs(),
			EntryPrice:    p.EntryPrice.Decimal,
			UnrealizedPnl: p.UnrealizedPnl.Decimal,
		}
		if !p.Amount.IsZero() || p.PositionSide == "LONG" || p.PositionSide == "SHORT" {
			upd.Side = positionSide(p.PositionSide, p.Amount.Decimal)
		}
		out = append(out, model.Event{Kind: model.EventPositionChanged, Position: upd})
	}
	return out
}

type orderTradeUpdate struct {
	Order struct {
		Symbol        string          `json:"s"`
		ClientOrderID string          `json:"c"`
		OrderID       jsoniter.Number `json:"i"`
		Side          string          `json:"S"`
		PositionSide  string          `json:"ps"`
		Quantity      exchange.Num    `json:"q"`
		AvgPrice      exchange.Num    `json:"ap"`
		Status        string          `json:"X"`
		FilledQty     exchange.Num    `json:"z"`
	} `json:"o"`
}

func (m orderTradeUpdate) event() model.Event {
	o := m.Order
	side := model.Side(strings.ToUpper(o.Side))
	// 双向持仓下平仓单方向与持仓方向相反
	reduce := (o.PositionSide == "LONG" && side == model.SideSell) || (o.PositionSide == "SHORT" && side == model.SideBuy)
	return model.Event{
		Kind: model.EventOrderStatusChanged,
		Order: &model.OrderUpdate{
			Symbol:        exchange.Dash.FromExchange(o.Symbol),
			OrderID:       o.OrderID.String(),
			ClientOrderID: o.ClientOrderID,
			Side:          side,
			Status:        orderStatus(o.Status),
			Quantity:      o.Quantity.Decimal,
			FilledQty:     o.FilledQty.Decimal,
			AvgPrice:      o.AvgPrice.Decimal,
			ReduceOnly:    reduce,
		},
	}
}
