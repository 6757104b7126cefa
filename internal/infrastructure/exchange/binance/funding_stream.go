package binance

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"
)

// allMarketStream symbols 为空时订阅全市场
const allMarketStream = "!markPrice@arr@1s"

// FundingStream markPrice@1s 组合流，推送标记价格与当期资金费率
type FundingStream struct {
	*exchange.Stream
	opts exchange.Options

	mu      sync.Mutex
	streams []string
}

// NewFundingStream 创建资金费率推送
func NewFundingStream(opts exchange.Options) *FundingStream {
	return &FundingStream{Stream: exchange.NewStream(model.ExchangeBinance), opts: opts}
}

// Subscribe 流名写在 URL 上，重连时沿用
func (s *FundingStream) Subscribe(ctx context.Context, symbols []string) error {
	streams := markPriceStreams(symbols)
	s.mu.Lock()
	s.streams = streams
	s.mu.Unlock()

	cfg := s.opts.Runner
	cfg.Name = "binance:funding"
	if err := s.Start(ctx, cfg, s); err != nil {
		return exchange.ConnectFailure(model.ExchangeBinance, err, false)
	}
	return nil
}

func markPriceStreams(symbols []string) []string {
	ids := exchange.ToExchangeAll(exchange.Concat, symbols)
	if len(ids) == 0 {
		return []string{allMarketStream}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.ToLower(id)+"@markPrice@1s")
	}
	return out
}

func publicWSURL(opts exchange.Options) string {
	if opts.PublicWSURL != "" {
		return opts.PublicWSURL
	}
	return wsURL(opts)
}

func (s *FundingStream) Endpoint(ctx context.Context) (string, http.Header, error) {
	s.mu.Lock()
	streams := s.streams
	s.mu.Unlock()
	if len(streams) == 0 {
		return "", nil, errors.New("binance funding stream: not subscribed")
	}
	base := strings.TrimRight(publicWSURL(s.opts), "/")
	return base + "/stream?streams=" + strings.Join(streams, "/"), nil, nil
}

func (s *FundingStream) OnOpen(ctx context.Context, c *websocket.Conn) error { return nil }

func (s *FundingStream) Ping(c *websocket.Conn) error { return c.WritePing() }

// markPriceUpdate 事件字段见 markPrice 流；"E" 为事件时间，"T" 为下次结算时间
type markPriceUpdate struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type combinedMsg struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

func (s *FundingStream) OnMessage(c *websocket.Conn, msgType int, data []byte) {
	var msg combinedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		exchange.DropMalformed(model.ExchangeBinance, data, err)
		return
	}
	rates, err := parseMarkPrice(msg.Data)
	if err != nil {
		exchange.DropMalformed(model.ExchangeBinance, data, err)
		return
	}
	for _, r := range rates {
		s.Emit(model.Event{Kind: model.EventFundingRateReceived, Funding: r})
	}
}

// parseMarkPrice 单合约流为对象，全市场流为数组
// 推送不带结算周期，IntervalHours 为 0，由 REST 结果补齐
func parseMarkPrice(data []byte) ([]*model.NormalizedFundingRate, error) {
	data = exchange.BytesTrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("binance mark price: empty data")
	}
	var updates []markPriceUpdate
	if data[0] == '[' {
		if err := json.Unmarshal(data, &updates); err != nil {
			return nil, err
		}
	} else {
		var u markPriceUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}

	out := make([]*model.NormalizedFundingRate, 0, len(updates))
	for _, u := range updates {
		if u.Event != "markPriceUpdate" {
			continue
		}
		symbol := exchange.Concat.FromExchange(u.Symbol)
		if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote {
			continue
		}
		out = append(out, &model.NormalizedFundingRate{
			Exchange:        model.ExchangeBinance,
			Symbol:          symbol,
			FundingRate:     exchange.Dec(u.FundingRate),
			MarkPrice:       exchange.Dec(u.MarkPrice),
			NextFundingTime: exchange.MillisTime(u.NextFundingTime),
		})
	}
	return out, nil
}
