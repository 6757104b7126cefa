package okx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

// DefaultPublicWSURL 公共频道
const DefaultPublicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// FundingStream funding-rate 公共频道，每个合约一条订阅
type FundingStream struct {
	*exchange.Stream
	opts exchange.Options

	mu      sync.Mutex
	instIDs []string
}

// NewFundingStream 创建资金费率推送
func NewFundingStream(opts exchange.Options) *FundingStream {
	return &FundingStream{Stream: exchange.NewStream(model.ExchangeOKX), opts: opts}
}

// Subscribe OKX 不支持全市场订阅，symbols 不能为空
func (s *FundingStream) Subscribe(ctx context.Context, symbols []string) error {
	ids := exchange.ToExchangeAll(exchange.DashSwap, symbols)
	if len(ids) == 0 {
		return errors.New("okx funding stream: no symbols")
	}
	s.mu.Lock()
	s.instIDs = ids
	s.mu.Unlock()

	cfg := s.opts.Runner
	cfg.Name = "okx:funding"
	if err := s.Start(ctx, cfg, s); err != nil {
		return exchange.ConnectFailure(model.ExchangeOKX, err, false)
	}
	return nil
}

func publicWSURL(opts exchange.Options) string {
	if opts.PublicWSURL != "" {
		return opts.PublicWSURL
	}
	return DefaultPublicWSURL
}

func (s *FundingStream) Endpoint(ctx context.Context) (string, http.Header, error) {
	return publicWSURL(s.opts), nil, nil
}

func fundingSubscribeRequest(instIDs []string) wsOp {
	args := make([]any, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, map[string]string{"channel": "funding-rate", "instId": id})
	}
	return wsOp{Op: "subscribe", Args: args}
}

// OnOpen 重连后重新订阅
func (s *FundingStream) OnOpen(ctx context.Context, c *websocket.Conn) error {
	s.mu.Lock()
	ids := s.instIDs
	s.mu.Unlock()
	return c.WriteJSON(fundingSubscribeRequest(ids))
}

func (s *FundingStream) Ping(c *websocket.Conn) error { return c.WriteText("ping") }

func (s *FundingStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	if string(exchange.BytesTrimSpace(data)) == "pong" {
		return
	}
	var msg pushMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		exchange.DropMalformed(model.ExchangeOKX, data, err)
		return
	}
	switch msg.Event {
	case "":
	case "error":
		s.EmitError(&exchange.APIError{Exchange: model.ExchangeOKX, Status: http.StatusOK, Code: msg.Code, Message: msg.Msg})
		return
	default:
		return
	}
	if msg.Arg.Channel != "funding-rate" {
		return
	}
	for _, raw := range msg.Data {
		rate, err := parseFundingPush(raw)
		if err != nil {
			exchange.DropMalformed(model.ExchangeOKX, raw, err)
			continue
		}
		if rate == nil {
			continue
		}
		s.Emit(model.Event{Kind: model.EventFundingRateReceived, Funding: rate})
	}
}

// parseFundingPush 推送字段与 REST 相同；非 USDT 合约返回 nil
func parseFundingPush(raw []byte) (*model.NormalizedFundingRate, error) {
	var r FundingRateResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if !strings.HasSuffix(r.InstID, "-SWAP") {
		return nil, errors.New("okx funding push: unexpected instId " + r.InstID)
	}
	symbol := exchange.DashSwap.FromExchange(r.InstID)
	if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote {
		return nil, nil
	}
	ft, _ := strconv.ParseInt(r.FundingTime, 10, 64)
	nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
	return &model.NormalizedFundingRate{
		Exchange:        model.ExchangeOKX,
		Symbol:          symbol,
		FundingRate:     exchange.Dec(r.FundingRate),
		IntervalHours:   intervalHours(ft, nft),
		NextFundingTime: exchange.MillisTime(ft),
	}, nil
}
