package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

func TestSymbolFormats(t *testing.T) {
	cases := []struct {
		f    SymbolFormat
		raw  string
		want string
	}{
		{Concat, "BTCUSDT", "BTCUSDT"},
		{Dash, "BTC-USDT", "BTCUSDT"},
		{Underscore, "BTC_USDT", "BTCUSDT"},
		{DashSwap, "BTC-USDT-SWAP", "BTCUSDT"},
	}
	for _, tc := range cases {
		if got := tc.f.ToExchange("btc"); got != tc.raw {
			t.Errorf("ToExchange(btc) = %s, want %s", got, tc.raw)
		}
		if got := tc.f.FromExchange(tc.raw); got != tc.want {
			t.Errorf("FromExchange(%s) = %s, want %s", tc.raw, got, tc.want)
		}
	}
	if got := ToExchangeAll(Underscore, []string{"ETH", "", "SOLUSDT"}); len(got) != 2 || got[1] != "SOL_USDT" {
		t.Fatalf("ToExchangeAll = %v", got)
	}

	set := NewSymbolSet([]string{"btc"})
	if !set.Allow("BTCUSDT") || set.Allow("ETHUSDT") {
		t.Fatalf("symbol set filter wrong")
	}
	if !NewSymbolSet(nil).Allow("ANYUSDT") {
		t.Fatalf("empty set should allow everything")
	}
}

func TestNumUnmarshal(t *testing.T) {
	var v struct {
		A Num `json:"a"`
		B Num `json:"b"`
		C Num `json:"c"`
		D Num `json:"d"`
	}
	if err := JSON.Unmarshal([]byte(`{"a":"0.0001","b":12.5,"c":"","d":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A.String() != "0.0001" || v.B.String() != "12.5" || !v.C.IsZero() || !v.D.IsZero() {
		t.Fatalf("nums = %v %v %v %v", v.A, v.B, v.C, v.D)
	}
	if err := JSON.Unmarshal([]byte(`{"a":"abc"}`), &v); err == nil {
		t.Fatalf("expected error for invalid number")
	}
	if !Dec("bad").IsZero() || Dec(" 1.5 ").String() != "1.5" {
		t.Fatalf("Dec lenient parse wrong")
	}
}

func TestJSONFieldCase(t *testing.T) {
	var head struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Status    string `json:"X"`
	}
	data := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"x":"TRADE","X":"FILLED"}`)
	if err := JSON.Unmarshal(data, &head); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if head.Event != "ORDER_TRADE_UPDATE" || head.EventTime != 1568879465651 || head.Status != "FILLED" {
		t.Fatalf("head = %+v", head)
	}

	var only struct {
		Event string `json:"e"`
	}
	if err := JSON.Unmarshal([]byte(`{"E":1,"e":"ACCOUNT_UPDATE"}`), &only); err != nil || only.Event != "ACCOUNT_UPDATE" {
		t.Fatalf("only = %+v, err = %v", only, err)
	}
}

func TestContractSizes(t *testing.T) {
	var calls int32
	sizes := NewContractSizes(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		atomic.AddInt32(&calls, 1)
		return decimal.RequireFromString("0.01"), nil
	})
	ctx := context.Background()

	n, err := sizes.ToContracts(ctx, "BTCUSDT", decimal.RequireFromString("0.057"))
	if err != nil || n.String() != "5" {
		t.Fatalf("contracts = %s, %v", n, err)
	}
	qty, _ := sizes.FromContracts(ctx, "BTCUSDT", decimal.NewFromInt(5))
	if qty.String() != "0.05" {
		t.Fatalf("qty = %s", qty)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("contract size fetched %d times", calls)
	}
	if _, err := sizes.ToContracts(ctx, "BTCUSDT", decimal.RequireFromString("0.005")); err == nil {
		t.Fatalf("expected error below one contract")
	}

	bad := NewContractSizes(func(context.Context, string) (decimal.Decimal, error) { return decimal.Zero, nil })
	if _, err := bad.Get(ctx, "ETHUSDT"); err == nil {
		t.Fatalf("expected error for zero contract size")
	}
	bad.Set("ETHUSDT", decimal.NewFromInt(1))
	if v, err := bad.Get(ctx, "ETHUSDT"); err != nil || !v.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("preset size = %s, %v", v, err)
	}
}

func TestAccountModeCache(t *testing.T) {
	c := NewAccountModeCache(time.Minute)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	detections := 0
	detect := func(context.Context) (AccountMode, error) {
		detections++
		return AccountPortfolioMargin, nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if m, _ := c.Get(ctx, model.ExchangeBinance, "abcd1234", detect); m != AccountPortfolioMargin {
			t.Fatalf("mode = %s", m)
		}
	}
	if detections != 1 {
		t.Fatalf("detections = %d, want 1", detections)
	}

	now = now.Add(2 * time.Minute)
	_, _ = c.Get(ctx, model.ExchangeBinance, "abcd1234", detect)
	if detections != 2 {
		t.Fatalf("expired entry not re-detected, detections = %d", detections)
	}

	c.Invalidate(model.ExchangeBinance, "abcd1234")
	_, _ = c.Get(ctx, model.ExchangeBinance, "abcd1234", detect)
	if detections != 3 {
		t.Fatalf("invalidated entry not re-detected, detections = %d", detections)
	}

	failing := func(context.Context) (AccountMode, error) { return "", errors.New("timeout") }
	if m, err := c.Get(ctx, model.ExchangeBinance, "other", failing); err == nil || m != AccountStandard {
		t.Fatalf("failed detection = %s, %v", m, err)
	}
}

func TestRetryRead(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	v, err := RetryRead(ctx, 3, time.Millisecond, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("reset by peer")
		}
		return 7, nil
	})
	if err != nil || v != 7 || attempts != 3 {
		t.Fatalf("v = %d, err = %v, attempts = %d", v, err, attempts)
	}

	attempts = 0
	_, err = RetryRead(ctx, 3, time.Millisecond, func(context.Context) (int, error) {
		attempts++
		return 0, &APIError{Exchange: model.ExchangeOKX, Status: http.StatusBadRequest, Message: "bad symbol"}
	})
	if err == nil || attempts != 1 {
		t.Fatalf("rejected request retried: attempts = %d", attempts)
	}
}

func TestPlaceOnce(t *testing.T) {
	ctx := context.Background()
	filled := &port.OrderResult{OrderID: "1", Status: model.OrderFilled}

	t.Run("rejected is not retried", func(t *testing.T) {
		places := 0
		_, err := PlaceOnce(ctx, model.ExchangeGate, "c1", func(context.Context) (*port.OrderResult, error) {
			places++
			return nil, &APIError{Exchange: model.ExchangeGate, Status: http.StatusBadRequest, Message: "balance"}
		}, func(context.Context) (*port.OrderResult, error) {
			t.Fatalf("lookup should not run")
			return nil, nil
		})
		if err == nil || places != 1 {
			t.Fatalf("err = %v, places = %d", err, places)
		}
	})

	t.Run("ambiguous then found", func(t *testing.T) {
		places := 0
		res, err := PlaceOnce(ctx, model.ExchangeGate, "c2", func(context.Context) (*port.OrderResult, error) {
			places++
			return nil, errors.New("i/o timeout")
		}, func(context.Context) (*port.OrderResult, error) {
			return filled, nil
		})
		if err != nil || res != filled || places != 1 {
			t.Fatalf("res = %v, err = %v, places = %d", res, err, places)
		}
	})

	t.Run("ambiguous then not found resubmits once", func(t *testing.T) {
		places := 0
		res, err := PlaceOnce(ctx, model.ExchangeGate, "c3", func(context.Context) (*port.OrderResult, error) {
			places++
			if places == 1 {
				return nil, errors.New("i/o timeout")
			}
			return filled, nil
		}, func(context.Context) (*port.OrderResult, error) {
			return nil, port.ErrOrderNotFound
		})
		if err != nil || res != filled || places != 2 {
			t.Fatalf("res = %v, err = %v, places = %d", res, err, places)
		}
	})

	blockingPlace := func(places *int) func(context.Context) (*port.OrderResult, error) {
		return func(ctx context.Context) (*port.OrderResult, error) {
			*places++
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	t.Run("deadline then found", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		places := 0
		res, err := PlaceOnce(tctx, model.ExchangeOKX, "c4", blockingPlace(&places), func(lctx context.Context) (*port.OrderResult, error) {
			if lctx.Err() != nil {
				return nil, lctx.Err()
			}
			return filled, nil
		})
		if err != nil || res != filled || places != 1 {
			t.Fatalf("res = %v, err = %v, places = %d", res, err, places)
		}
	})

	t.Run("deadline then not found is not resubmitted", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		places, lookups := 0, 0
		_, err := PlaceOnce(tctx, model.ExchangeOKX, "c5", blockingPlace(&places), func(context.Context) (*port.OrderResult, error) {
			lookups++
			return nil, port.ErrOrderNotFound
		})
		if !errors.Is(err, context.DeadlineExceeded) || places != 1 || lookups != 1 {
			t.Fatalf("err = %v, places = %d, lookups = %d", err, places, lookups)
		}
		if errors.Is(err, port.ErrOrderStateUnknown) {
			t.Fatalf("confirmed missing order reported as unknown")
		}
	})

	t.Run("deadline then lookup fails", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		places := 0
		_, err := PlaceOnce(tctx, model.ExchangeOKX, "c6", blockingPlace(&places), func(context.Context) (*port.OrderResult, error) {
			return nil, errors.New("connection reset")
		})
		var unknown *port.UnknownOrderError
		if !errors.As(err, &unknown) || unknown.ClientOrderID != "c6" || unknown.Exchange != model.ExchangeOKX {
			t.Fatalf("err = %v, want UnknownOrderError", err)
		}
		if !errors.Is(err, port.ErrOrderStateUnknown) || !errors.Is(err, context.DeadlineExceeded) || places != 1 {
			t.Fatalf("err = %v, places = %d", err, places)
		}
	})
}

func TestRESTClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"msg":"invalid key"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(model.ExchangeMEXC, srv.URL+"/", 100)
	body, err := c.Get(context.Background(), "/ok", nil)
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("body = %s, err = %v", body, err)
	}

	_, err = c.Get(context.Background(), "/private", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Auth() || !apiErr.Rejected() {
		t.Fatalf("err = %v", err)
	}
	ce := ConnectFailure(model.ExchangeMEXC, err, false)
	if model.KindOf(ce) != model.KindAuth {
		t.Fatalf("connect failure kind = %s", model.KindOf(ce))
	}
}

func TestClientOrderID(t *testing.T) {
	id := NewClientOrderID("fundarb")
	if len(id) != 32 || id[:7] != "fundarb" {
		t.Fatalf("client order id = %s", id)
	}
	if NewClientOrderID("") == NewClientOrderID("") {
		t.Fatalf("client order ids should be unique")
	}
}

func TestWireHelpers(t *testing.T) {
	if !LooksLikeJSON([]byte("  \n{\"a\":1}")) || LooksLikeJSON([]byte("pong")) {
		t.Fatalf("LooksLikeJSON wrong")
	}
	if IsGzip([]byte("{}")) {
		t.Fatalf("IsGzip wrong")
	}
	if MillisTime(0) != nil || MillisTime(1000).Unix() != 1 {
		t.Fatalf("MillisTime wrong")
	}
}
