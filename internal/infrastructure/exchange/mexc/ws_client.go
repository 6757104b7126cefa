package mexc

import (
	"context"
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

// loginAckTimeout 等待登录结果
const loginAckTimeout = 10 * time.Second

// PrivateStream MEXC 合约私有推送
// 登录签名为 HMAC-SHA256(apiKey + reqTime)，登录成功后服务端自动推送 personal 频道
type PrivateStream struct {
	*exchange.Stream
	opts      exchange.Options
	contracts *exchange.ContractSizes

	mu   sync.Mutex
	cred *Credentials
}

// NewPrivateStream 创建私有流适配器
func NewPrivateStream(opts exchange.Options) *PrivateStream {
	public := exchange.NewRESTClient(model.ExchangeMEXC, restURL(opts), opts.RateLimitRPS)
	return &PrivateStream{
		Stream:    exchange.NewStream(model.ExchangeMEXC),
		opts:      opts,
		contracts: newContractSizes(public),
	}
}

// Connect 建立连接并登录
func (s *PrivateStream) Connect(ctx context.Context, cred model.Credential) error {
	s.mu.Lock()
	s.cred = NewCredentials(cred.APIKey, cred.APISecret)
	s.mu.Unlock()

	cfg := s.opts.Runner
	cfg.Name = "mexc:" + cred.KeyPrefix()
	if err := s.Start(ctx, cfg, s); err != nil {
		return exchange.ConnectFailure(model.ExchangeMEXC, err, false)
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

type loginParam struct {
	APIKey    string `json:"apiKey"`
	ReqTime   string `json:"reqTime"`
	Signature string `json:"signature"`
}

type wsRequest struct {
	Method string `json:"method"`
	Param  any    `json:"param,omitempty"`
}

type wsPush struct {
	Channel string              `json:"channel"`
	Data    jsoniter.RawMessage `json:"data"`
}

// OnOpen 登录并同步等待结果
func (s *PrivateStream) OnOpen(ctx context.Context, c *websocket.Conn) error {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()

	reqTime := strconv.FormatInt(time.Now().UnixMilli(), 10)
	login := wsRequest{Method: "login", Param: loginParam{
		APIKey:    cred.APIKey(),
		ReqTime:   reqTime,
		Signature: cred.Sign(reqTime, ""),
	}}
	if err := c.WriteJSON(login); err != nil {
		return err
	}

	deadline := time.Now().Add(loginAckTimeout)
	for time.Now().Before(deadline) {
		_, data, err := c.ReadFrame(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("mexc login: %w", err)
		}
		var push wsPush
		if err := json.Unmarshal(data, &push); err != nil {
			continue
		}
		switch push.Channel {
		case "rs.login":
			return nil
		case "rs.error":
			err := fmt.Errorf("mexc login rejected: %s", string(push.Data))
			return &model.ConnectError{Exchange: model.ExchangeMEXC, Auth: true, Err: err}
		}
	}
	return fmt.Errorf("mexc login: no response within %s", loginAckTimeout)
}

// Ping 应用层心跳
func (s *PrivateStream) Ping(c *websocket.Conn) error {
	return c.WriteJSON(wsRequest{Method: "ping"})
}

func (s *PrivateStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	var push wsPush
	if err := json.Unmarshal(data, &push); err != nil {
		exchange.DropMalformed(model.ExchangeMEXC, data, err)
		return
	}

	var err error
	switch push.Channel {
	case "pong", "rs.login", "rs.personal.filter":
	case "rs.error":
		s.EmitError(fmt.Errorf("mexc ws error: %s", string(push.Data)))
	case "push.personal.position":
		err = s.onPosition(push.Data)
	case "push.personal.asset":
		err = s.onAsset(push.Data)
	case "push.personal.order":
		err = s.onOrder(push.Data)
	default:
		log.Debug().Str("exchange", "mexc").Str("channel", push.Channel).Msg("ignoring ws channel")
	}
	if err != nil {
		exchange.DropMalformed(model.ExchangeMEXC, data, err)
	}
}

func (s *PrivateStream) onPosition(raw []byte) error {
	var p positionResp
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upd, err := p.update(ctx, s.contracts)
	if err != nil {
		return err
	}
	s.Emit(model.Event{Kind: model.EventPositionChanged, Position: &upd})
	return nil
}

func (s *PrivateStream) onAsset(raw []byte) error {
	var a assetResp
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	if a.Currency != "" && a.Currency != model.DefaultQuote {
		return nil
	}
	s.Emit(model.Event{Kind: model.EventBalanceChanged, Balance: a.update()})
	return nil
}

func (s *PrivateStream) onOrder(raw []byte) error {
	var o orderResp
	if err := json.Unmarshal(raw, &o); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upd, err := o.update(ctx, s.contracts)
	if err != nil {
		return err
	}
	s.Emit(model.Event{Kind: model.EventOrderStatusChanged, Order: upd})
	return nil
}
