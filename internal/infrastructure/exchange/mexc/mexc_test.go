package mexc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var testCred = model.Credential{Exchange: model.ExchangeMEXC, APIKey: "mx0-key-123", APISecret: "mexc-secret"}

const detailBody = `{"success":true,"code":0,"data":{"symbol":"BTC_USDT","contractSize":0.0001,"quoteCoin":"USDT"}}`

// newServer 模拟 MEXC REST；私有接口校验签名
func newServer(t *testing.T, route func(w http.ResponseWriter, r *http.Request, body string)) *httptest.Server {
	t.Helper()
	creds := NewCredentials(testCred.APIKey, testCred.APISecret)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/api/v1/contract/detail" {
			_, _ = w.Write([]byte(detailBody))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/v1/private/") {
			paramString := r.URL.RawQuery
			if r.Method == http.MethodPost {
				paramString = string(b)
			}
			want := creds.Sign(r.Header.Get("Request-Time"), paramString)
			if r.Header.Get("ApiKey") != testCred.APIKey || r.Header.Get("Signature") != want {
				_, _ = w.Write([]byte(`{"success":false,"code":602,"message":"Signature verification failed!"}`))
				return
			}
		}
		route(w, r, string(b))
	}))
}

func TestPlaceOrderUsesContracts(t *testing.T) {
	bodies := make(chan string, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, body string) {
		switch r.URL.Path {
		case "/api/v1/private/order/submit":
			bodies <- body
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":"739113577038255616"}`))
		case "/api/v1/private/order/get/739113577038255616":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":{"orderId":"739113577038255616","symbol":"BTC_USDT","vol":25,"dealVol":25,"dealAvgPrice":60000,"side":3,"state":3,"externalOid":"cid1","takerFee":0.06,"makerFee":0}}`))
		default:
			http.NotFound(w, r)
		}
	})
	defer srv.Close()

	c, err := NewTradingClient(exchange.Options{RESTURL: srv.URL}, testCred)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := c.PlaceOrder(context.Background(), port.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          model.SideSell,
		Quantity:      decimal.RequireFromString("0.0025"),
		ClientOrderID: "cid1",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	got := <-bodies
	if !strings.Contains(got, `"vol":25`) || !strings.Contains(got, `"side":3`) || !strings.Contains(got, `"type":5`) {
		t.Fatalf("order body = %s", got)
	}
	if res.Status != model.OrderFilled || !res.FilledQty.Equal(decimal.RequireFromString("0.0025")) || !res.Fee.Equal(decimal.RequireFromString("0.06")) {
		t.Fatalf("result = %+v", res)
	}
}

func TestGetOrderByExternalNotFound(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		if r.URL.Path != "/api/v1/private/order/external/BTC_USDT/cid9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":false,"code":2041,"message":"order does not exist"}`))
	})
	defer srv.Close()

	c, _ := NewTradingClient(exchange.Options{RESTURL: srv.URL}, testCred)
	_, err := c.GetOrder(context.Background(), "BTCUSDT", "", "cid9")
	if !errors.Is(err, port.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestOrderSide(t *testing.T) {
	cases := []struct {
		req  port.OrderRequest
		want int
	}{
		{port.OrderRequest{Side: model.SideBuy}, sideOpenLong},
		{port.OrderRequest{Side: model.SideSell}, sideOpenShort},
		{port.OrderRequest{Side: model.SideSell, ReduceOnly: true}, sideCloseLong},
		{port.OrderRequest{Side: model.SideBuy, ReduceOnly: true}, sideCloseShort},
		{port.OrderRequest{Side: model.SideSell, PositionSide: model.PositionLong}, sideCloseLong},
		{port.OrderRequest{Side: model.SideBuy, PositionSide: model.PositionShort}, sideCloseShort},
	}
	for i, tc := range cases {
		if got := orderSide(tc.req); got != tc.want {
			t.Fatalf("case %d: side = %d, want %d", i, got, tc.want)
		}
	}
}

func TestListConditionalOrdersClassifiesShort(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		switch r.URL.Path {
		case "/api/v1/private/planorder/list/orders":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[
				{"id":"11","symbol":"BTC_USDT","side":2,"triggerPrice":66000},
				{"id":"12","symbol":"BTC_USDT","side":2,"triggerPrice":54000},
				{"id":"13","symbol":"BTC_USDT","side":1,"triggerPrice":50000}]}`))
		case "/api/v1/private/position/open_positions":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[{"symbol":"BTC_USDT","positionType":2,"holdVol":100,"holdAvgPrice":60000,"leverage":5,"state":1}]}`))
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
		want := model.ConditionalStopLoss
		if o.OrderID == "12" {
			want = model.ConditionalTakeProfit
		}
		if o.PositionSide != model.PositionShort || o.Kind != want {
			t.Fatalf("order = %+v", o)
		}
	}
}

func TestFetchFundingRates(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		switch r.URL.Path {
		case "/api/v1/contract/funding_rate":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[
				{"symbol":"BTC_USDT","fundingRate":0.0001,"collectCycle":8,"nextSettleTime":1700000000000},
				{"symbol":"ETH_USDT","fundingRate":-0.0002,"collectCycle":4,"nextSettleTime":1700000000000},
				{"symbol":"BTC_USD","fundingRate":0.0003,"collectCycle":8}]}`))
		case "/api/v1/contract/funding_rate/ETH_USDT":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":{"symbol":"ETH_USDT","fundingRate":-0.0002,"collectCycle":4,"nextSettleTime":1700000000000}}`))
		default:
			_, _ = w.Write([]byte(`{"success":false,"code":1001,"message":"contract not exists"}`))
		}
	})
	defer srv.Close()

	c := NewFundingRateClient(exchange.Options{RESTURL: srv.URL})
	rates, err := c.FetchFundingRates(context.Background(), nil)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(rates) != 2 || rates[1].IntervalHours != 4 {
		t.Fatalf("rates = %+v", rates)
	}

	rates, err = c.FetchFundingRates(context.Background(), []string{"ETHUSDT", "NOPEUSDT"})
	if err != nil {
		t.Fatalf("fetch symbols: %v", err)
	}
	if len(rates) != 1 || rates[0].Symbol != "ETHUSDT" || !rates[0].FundingRate.Equal(decimal.RequireFromString("-0.0002")) {
		t.Fatalf("rates = %+v", rates)
	}
}

func wsServer(t *testing.T, accept bool, pushes ...string) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	creds := NewCredentials(testCred.APIKey, testCred.APISecret)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/contract/detail" {
			_, _ = w.Write([]byte(detailBody))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var login struct {
			Method string     `json:"method"`
			Param  loginParam `json:"param"`
		}
		if err := ws.ReadJSON(&login); err != nil || login.Method != "login" {
			return
		}
		if !accept || login.Param.Signature != creds.Sign(login.Param.ReqTime, "") {
			_ = ws.WriteMessage(gws.TextMessage, []byte(`{"channel":"rs.error","data":"authentication failed!"}`))
			return
		}
		_ = ws.WriteMessage(gws.TextMessage, []byte(`{"channel":"rs.login","data":"success"}`))
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

func TestPrivateStreamLoginAndPushes(t *testing.T) {
	srv := wsServer(t, true,
		`{"channel":"push.personal.position","data":{"symbol":"BTC_USDT","positionType":1,"holdVol":40,"holdAvgPrice":60000,"leverage":10,"state":1}}`,
		`{"channel":"push.personal.asset","data":{"currency":"USDT","equity":500.5,"availableBalance":400,"cashBalance":500}}`,
		`{"channel":"push.personal.position","data":{"symbol":"BTC_USDT","positionType":1,"holdVol":0,"holdAvgPrice":60000,"leverage":10,"state":3}}`,
	)
	defer srv.Close()

	s := NewPrivateStream(exchange.Options{RESTURL: srv.URL, WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err := s.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	var events []model.Event
	deadline := time.After(3 * time.Second)
	for len(events) < 3 {
		select {
		case ev := <-s.Events():
			if ev.Kind == model.EventPositionChanged || ev.Kind == model.EventBalanceChanged {
				events = append(events, ev)
			}
		case <-deadline:
			t.Fatalf("got %d events", len(events))
		}
	}
	open := events[0].Position
	if open.Side != model.PositionLong || !open.Size.Equal(decimal.RequireFromString("0.004")) || open.Leverage != 10 {
		t.Fatalf("open position = %+v", open)
	}
	if b := events[1].Balance; !b.Total.Equal(decimal.RequireFromString("500.5")) || !b.Available.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("balance = %+v", b)
	}
	if closed := events[2].Position; !closed.Size.IsZero() || closed.Side != model.PositionLong {
		t.Fatalf("closed position = %+v", closed)
	}
}

func TestPrivateStreamLoginRejected(t *testing.T) {
	srv := wsServer(t, false)
	defer srv.Close()

	s := NewPrivateStream(exchange.Options{RESTURL: srv.URL, WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	defer s.Close()
	err := s.Connect(context.Background(), testCred)
	var ce *model.ConnectError
	if !errors.As(err, &ce) || !ce.Auth {
		t.Fatalf("err = %v, want auth ConnectError", err)
	}
}
