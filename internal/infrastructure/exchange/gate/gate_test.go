package gate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var testCred = model.Credential{Exchange: model.ExchangeGate, APIKey: "gate-key-123", APISecret: "gate-secret"}

const contractBody = `{"name":"BTC_USDT","quanto_multiplier":"0.0001","mark_price":"60000","funding_rate":"0.0001","funding_interval":28800,"funding_next_apply":1700000000}`

// newServer 模拟 Gate REST；签名请求先校验签名
func newServer(t *testing.T, route func(w http.ResponseWriter, r *http.Request, body string)) *httptest.Server {
	t.Helper()
	creds := NewCredentials(testCred.APIKey, testCred.APISecret)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/api/v4/futures/usdt/contracts/BTC_USDT" {
			_, _ = w.Write([]byte(contractBody))
			return
		}
		if r.Header.Get("KEY") != "" {
			want := creds.Sign(signPayload(r.Method, r.URL.Path, r.URL.RawQuery, b, r.Header.Get("Timestamp")))
			if r.Header.Get("SIGN") != want {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"label":"INVALID_SIGNATURE","message":"Signature mismatch"}`))
				return
			}
		}
		route(w, r, string(b))
	}))
}

func TestGetOrderNotFound(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		if r.URL.Path != "/api/v4/futures/usdt/orders/t-cid1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"Order not found"}`))
	})
	defer srv.Close()

	c, err := NewTradingClient(exchange.Options{RESTURL: srv.URL}, testCred)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.GetOrder(context.Background(), "BTCUSDT", "", "cid1")
	if !errors.Is(err, port.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestPlaceOrderSignedContracts(t *testing.T) {
	bodies := make(chan string, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.URL.Path != "/api/v4/futures/usdt/orders" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		bodies <- body
		_, _ = w.Write([]byte(`{"id":77,"contract":"BTC_USDT","text":"t-cid2","size":-25,"left":0,"fill_price":"60010.5","status":"finished","finish_as":"filled"}`))
	})
	defer srv.Close()

	c, _ := NewTradingClient(exchange.Options{RESTURL: srv.URL}, testCred)
	res, err := c.PlaceOrder(context.Background(), port.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          model.SideSell,
		Quantity:      decimal.RequireFromString("0.00259"),
		ClientOrderID: "cid2",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	got := <-bodies
	if !strings.Contains(got, `"size":-25`) || !strings.Contains(got, `"tif":"ioc"`) || !strings.Contains(got, `"text":"t-cid2"`) {
		t.Fatalf("order body = %s", got)
	}
	if res.OrderID != "77" || res.Status != model.OrderFilled || !res.FilledQty.Equal(decimal.RequireFromString("0.0025")) {
		t.Fatalf("result = %+v", res)
	}
	if !res.AvgPrice.Equal(decimal.RequireFromString("60010.5")) {
		t.Fatalf("avg price = %s", res.AvgPrice)
	}
}

func TestBadSignatureIsAuthError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {})
	defer srv.Close()

	c, _ := NewTradingClient(exchange.Options{RESTURL: srv.URL}, model.Credential{APIKey: "gate-key-123", APISecret: "wrong"})
	_, err := c.GetBalance(context.Background())
	if !isAuthError(err) {
		t.Fatalf("err = %v, want auth label", err)
	}
}

func TestListConditionalOrdersClassifiesByTrigger(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/price_orders":
			_, _ = w.Write([]byte(`[{"id":1,"initial":{"contract":"BTC_USDT","size":-10},"trigger":{"price":"57000"},"order_type":"plan-close-long-position"},{"id":2,"initial":{"contract":"BTC_USDT","size":-10},"trigger":{"price":"66000"},"order_type":"plan-close-long-position"}]`))
		case "/api/v4/futures/usdt/positions":
			_, _ = w.Write([]byte(`[{"contract":"BTC_USDT","size":10,"entry_price":"60000","mark_price":"60100","unrealised_pnl":"0.1","leverage":"5","liq_price":"48000","mode":"single"}]`))
		default:
			http.NotFound(w, r)
		}
	})
	defer srv.Close()

	c, _ := NewTradingClient(exchange.Options{RESTURL: srv.URL}, testCred)
	orders, err := c.ListConditionalOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	for _, o := range orders {
		if o.PositionSide != model.PositionLong {
			t.Fatalf("side = %s", o.PositionSide)
		}
		want := model.ConditionalTakeProfit
		if o.OrderID == "1" {
			want = model.ConditionalStopLoss
		}
		if o.Kind != want {
			t.Fatalf("order %s kind = %v, want %v", o.OrderID, o.Kind, want)
		}
	}
}

func TestTriggerRule(t *testing.T) {
	cases := []struct {
		side model.PositionSide
		kind model.ConditionalKind
		want int
	}{
		{model.PositionLong, model.ConditionalStopLoss, ruleLTE},
		{model.PositionLong, model.ConditionalTakeProfit, ruleGTE},
		{model.PositionShort, model.ConditionalStopLoss, ruleGTE},
		{model.PositionShort, model.ConditionalTakeProfit, ruleLTE},
	}
	for _, tc := range cases {
		if got := triggerRule(tc.side, tc.kind); got != tc.want {
			t.Fatalf("%s %v rule = %d, want %d", tc.side, tc.kind, got, tc.want)
		}
	}
}

func TestFetchFundingRates(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		_, _ = w.Write([]byte(`[` + contractBody + `,
			{"name":"ETH_USDT","funding_rate":"-0.0002","mark_price":"3000","funding_interval":14400,"funding_next_apply":1700000000},
			{"name":"OLD_USDT","funding_rate":"0.01","in_delisting":true},
			{"name":"BTC_USD","funding_rate":"0.01"}]`))
	})
	defer srv.Close()

	c := NewFundingRateClient(exchange.Options{RESTURL: srv.URL})
	rates, err := c.FetchFundingRates(context.Background(), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("rates = %+v", rates)
	}
	eth := rates[1]
	if eth.Symbol != "ETHUSDT" || eth.IntervalHours != 4 || !eth.FundingRate.Equal(decimal.RequireFromString("-0.0002")) {
		t.Fatalf("eth = %+v", eth)
	}
	if eth.NextFundingTime == nil || eth.NextFundingTime.Unix() != 1700000000 {
		t.Fatalf("next funding = %v", eth.NextFundingTime)
	}

	rates, _ = c.FetchFundingRates(context.Background(), []string{"BTCUSDT"})
	if len(rates) != 1 || rates[0].Symbol != "BTCUSDT" || !rates[0].MarkPrice.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("filtered = %+v", rates)
	}
}

// wsServer 同时提供 REST（account/detail、合约、账户）与 WS
func wsServer(t *testing.T, failChannel string, pushes ...string) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	creds := NewCredentials(testCred.APIKey, testCred.APISecret)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/account/detail":
			_, _ = w.Write([]byte(`{"user_id":12345}`))
			return
		case "/api/v4/futures/usdt/contracts/BTC_USDT":
			_, _ = w.Write([]byte(contractBody))
			return
		case "/api/v4/futures/usdt/accounts":
			_, _ = w.Write([]byte(`{"total":"1000","available":"800","currency":"USDT"}`))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for range privateChannels {
			var req wsRequest
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			sign := creds.Sign("channel=" + req.Channel + "&event=subscribe&time=" + strconv.FormatInt(req.Time, 10))
			ok := req.Auth != nil && len(req.Payload) > 0 && req.Payload[0] == "12345" && req.Auth.SIGN == sign
			if !ok || req.Channel == failChannel {
				_ = ws.WriteJSON(map[string]any{"channel": req.Channel, "event": "subscribe", "error": map[string]any{"code": 2, "message": "invalid key"}})
				return
			}
			_ = ws.WriteJSON(map[string]any{"channel": req.Channel, "event": "subscribe", "result": map[string]any{"status": "success"}})
		}
		for _, p := range pushes {
			_ = ws.WriteMessage(gws.TextMessage, []byte(p))
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestPrivateStreamEvents(t *testing.T) {
	srv := wsServer(t, "",
		`{"channel":"futures.positions","event":"update","result":[{"contract":"BTC_USDT","size":-30,"entry_price":60000,"mark_price":60100.5,"unrealised_pnl":-0.3,"leverage":3,"liq_price":75000,"mode":"single"}]}`,
		`{"channel":"futures.balances","event":"update","result":[{"balance":1000.5,"change":-0.5,"currency":"usdt"}]}`,
		`{"channel":"futures.orders","event":"update","result":[{"id":9,"contract":"BTC_USDT","text":"t-x","size":20,"left":5,"fill_price":60000,"status":"open","finish_as":""}]}`,
	)
	defer srv.Close()

	s := NewPrivateStream(exchange.Options{RESTURL: srv.URL, WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err := s.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	var (
		pos *model.PositionUpdate
		bal *model.BalanceUpdate
		ord *model.OrderUpdate
	)
	deadline := time.After(3 * time.Second)
	for pos == nil || bal == nil || ord == nil {
		select {
		case ev := <-s.Events():
			switch ev.Kind {
			case model.EventPositionChanged:
				pos = ev.Position
			case model.EventBalanceChanged:
				bal = ev.Balance
			case model.EventOrderStatusChanged:
				ord = ev.Order
			}
		case <-deadline:
			t.Fatalf("missing events: pos=%v bal=%v ord=%v", pos, bal, ord)
		}
	}
	if pos.Side != model.PositionShort || !pos.Size.Equal(decimal.RequireFromString("0.003")) || pos.Leverage != 3 {
		t.Fatalf("position = %+v", pos)
	}
	if !bal.Total.Equal(decimal.RequireFromString("1000.5")) || !bal.Available.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("balance = %+v", bal)
	}
	if ord.Status != model.OrderPartiallyFilled || !ord.FilledQty.Equal(decimal.RequireFromString("0.0015")) {
		t.Fatalf("order = %+v", ord)
	}
}

func TestPrivateStreamSubscribeRejected(t *testing.T) {
	srv := wsServer(t, "futures.positions")
	defer srv.Close()

	s := NewPrivateStream(exchange.Options{RESTURL: srv.URL, WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	defer s.Close()
	err := s.Connect(context.Background(), testCred)
	if model.KindOf(err) != model.KindAuth {
		t.Fatalf("err = %v, want auth failure", err)
	}
}
