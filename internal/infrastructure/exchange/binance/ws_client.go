package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

// PrivateStream Binance 用户数据流
// listenKey 放在 URL 中，30 分钟续期一次；收到 listenKeyExpired 时重建并重连
type PrivateStream struct {
	*exchange.Stream
	opts exchange.Options

	mu   sync.Mutex
	api  *APIClient
	keys *websocket.ListenKeyManager
}

// NewPrivateStream 创建用户数据流适配器
func NewPrivateStream(opts exchange.Options) *PrivateStream {
	return &PrivateStream{Stream: exchange.NewStream(model.ExchangeBinance), opts: opts}
}

// Connect 探测账户类型、创建 listenKey 并建立连接
func (s *PrivateStream) Connect(ctx context.Context, cred model.Credential) error {
	mode, err := resolveMode(ctx, cred, s.opts)
	if err != nil {
		return exchange.ConnectFailure(model.ExchangeBinance, err, hasCode(err, codeInvalidKeyPerms, codeUnauthorized))
	}

	api := newClientForMode(cred, s.opts, mode)
	keys := websocket.NewListenKeyManager("binance", s, s.opts.Session, func(string) {
		// 新 key 只能通过重连生效
		s.Reconnect()
	})
	s.mu.Lock()
	s.api = api
	s.keys = keys
	s.mu.Unlock()

	if _, err := keys.Create(ctx); err != nil {
		keys.Destroy(context.Background())
		return exchange.ConnectFailure(model.ExchangeBinance, err, hasCode(err, codeInvalidKeyPerms, codeUnauthorized))
	}

	cfg := s.opts.Runner
	cfg.Name = "binance:" + cred.KeyPrefix()
	if err := s.Start(ctx, cfg, s); err != nil {
		keys.Destroy(context.Background())
		return exchange.ConnectFailure(model.ExchangeBinance, err, false)
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

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

func (s *PrivateStream) listenKeyPath() (*APIClient, string) {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	return api, api.path("/fapi/v1/listenKey", "/papi/v1/listenKey")
}

func (s *PrivateStream) CreateListenKey(ctx context.Context) (string, error) {
	api, path := s.listenKeyPath()
	body, err := api.keyRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	var r listenKeyResp
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("parse listen key: %w", err)
	}
	if r.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return r.ListenKey, nil
}

func (s *PrivateStream) KeepAliveListenKey(ctx context.Context, key string) error {
	api, path := s.listenKeyPath()
	_, err := api.keyRequest(ctx, http.MethodPut, path, nil)
	return err
}

func (s *PrivateStream) CloseListenKey(ctx context.Context, key string) error {
	api, path := s.listenKeyPath()
	_, err := api.keyRequest(ctx, http.MethodDelete, path, nil)
	return err
}

// ===== websocket.StreamHandler =====

func (s *PrivateStream) Endpoint(ctx context.Context) (string, http.Header, error) {
	s.mu.Lock()
	keys, api := s.keys, s.api
	s.mu.Unlock()

	key := keys.Key()
	if key == "" {
		var err error
		if key, err = keys.Create(ctx); err != nil {
			return "", nil, err
		}
	}
	base := strings.TrimRight(wsURL(s.opts), "/")
	if api.portfolio {
		return base + "/pm/ws/" + key, nil, nil
	}
	return base + "/ws/" + key, nil, nil
}

func (s *PrivateStream) OnOpen(ctx context.Context, c *websocket.Conn) error { return nil }

func (s *PrivateStream) Ping(c *websocket.Conn) error { return c.WritePing() }

func (s *PrivateStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		exchange.DropMalformed(model.ExchangeBinance, data, err)
		return
	}

	switch head.Event {
	case "ACCOUNT_UPDATE":
		var msg accountUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			exchange.DropMalformed(model.ExchangeBinance, data, err)
			return
		}
		for _, ev := range msg.events() {
			s.Emit(ev)
		}
	case "ORDER_TRADE_UPDATE":
		var msg orderTradeUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			exchange.DropMalformed(model.ExchangeBinance, data, err)
			return
		}
		s.Emit(msg.event())
	case "listenKeyExpired":
		s.onListenKeyExpired()
	}
}

// onListenKeyExpired 重建 key，成功后 onRecreated 触发重连
func (s *PrivateStream) onListenKeyExpired() {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()

	log.Warn().Str("exchange", "binance").Msg("listen key expired, recreating")
	keys.MarkExpired()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := keys.Recreate(ctx); err != nil && !errors.Is(err, websocket.ErrSessionDestroyed) {
			s.EmitError(fmt.Errorf("recreate listen key: %w", err))
			// Endpoint 会在重连时再次尝试创建
			s.Reconnect()
		}
	}()
}

// ===== Wire Models =====

type accountUpdate struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Balances []struct {
			Asset       string `json:"a"`
			Wallet      string `json:"wb"`
			CrossWallet string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnl string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

func (m accountUpdate) events() []model.Event {
	var out []model.Event
	for _, b := range m.Account.Balances {
		out = append(out, model.Event{
			Kind: model.EventBalanceChanged,
			Balance: &model.BalanceUpdate{
				Asset:     b.Asset,
				Total:     exchange.Dec(b.Wallet),
				Available: exchange.Dec(b.CrossWallet),
			},
		})
	}
	for _, p := range m.Account.Positions {
		amt := exchange.Dec(p.Amount)
		upd := &model.PositionUpdate{
			Symbol:        exchange.Concat.FromExchange(p.Symbol),
			Size:          amt.Abs(),
			EntryPrice:    exchange.Dec(p.EntryPrice),
			UnrealizedPnl: exchange.Dec(p.UnrealizedPnl),
		}
		// 单向模式平仓后数量为 0，方向未知
		if !amt.IsZero() || p.PositionSide == "LONG" || p.PositionSide == "SHORT" {
			upd.Side = positionSide(p.PositionSide, amt)
		}
		out = append(out, model.Event{Kind: model.EventPositionChanged, Position: upd})
	}
	return out
}

type orderTradeUpdate struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Quantity      string `json:"q"`
		AvgPrice      string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
}

func (m orderTradeUpdate) event() model.Event {
	o := m.Order
	return model.Event{
		Kind: model.EventOrderStatusChanged,
		Order: &model.OrderUpdate{
			Symbol:        exchange.Concat.FromExchange(o.Symbol),
			OrderID:       fmt.Sprintf("%d", o.OrderID),
			ClientOrderID: o.ClientOrderID,
			Side:          model.Side(o.Side),
			Status:        orderStatus(o.Status),
			Quantity:      exchange.Dec(o.Quantity),
			FilledQty:     exchange.Dec(o.FilledQty),
			AvgPrice:      exchange.Dec(o.AvgPrice),
			ReduceOnly:    o.ReduceOnly,
		},
	}
}
