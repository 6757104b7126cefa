package service

import (
	"testing"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

func TestRequiredMargin(t *testing.T) {
	got := RequiredMargin(decimal.NewFromInt(2), decimal.NewFromInt(100), 4, DefaultMarginBuffer)
	if !got.Equal(decimal.NewFromInt(55)) {
		t.Fatalf("required = %s, want 55", got)
	}
	if got := RequiredMargin(decimal.NewFromInt(1), decimal.NewFromInt(100), 0, decimal.Zero); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("leverage 0 should count as 1, got %s", got)
	}
}

func TestCheckMargin(t *testing.T) {
	if err := CheckMargin(model.ExchangeBinance, decimal.NewFromInt(55), decimal.NewFromInt(55)); err != nil {
		t.Fatalf("exact balance: %v", err)
	}
	err := CheckMargin(model.ExchangeOKX, decimal.NewFromInt(10), decimal.NewFromInt(55))
	e, ok := err.(*model.Error)
	if !ok || e.Kind != model.KindValidation {
		t.Fatalf("err = %v", err)
	}
	if e.Code != model.CodeInsufficientBalance || e.Details["exchange"] != "okx" {
		t.Fatalf("error = %+v", e)
	}
}

func TestRestrictions(t *testing.T) {
	r := NewRestrictions([]string{"okx:btc", "gate:*", "broken", "Binance:ETH_USDT"})
	cases := []struct {
		ex   model.ExchangeID
		sym  string
		want bool
	}{
		{model.ExchangeOKX, "BTCUSDT", false},
		{model.ExchangeOKX, "ETHUSDT", true},
		{model.ExchangeGate, "SOLUSDT", false},
		{model.ExchangeBinance, "eth", false},
		{model.ExchangeMEXC, "BTCUSDT", true},
	}
	for _, tc := range cases {
		if got := r.Allowed(tc.ex, tc.sym); got != tc.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tc.ex, tc.sym, got, tc.want)
		}
	}

	err := r.CheckPair("BTCUSDT", model.ExchangeBinance, model.ExchangeOKX)
	if e, ok := err.(*model.Error); !ok || e.Code != model.CodeRestrictedPair || e.Details["exchange"] != "okx" {
		t.Fatalf("err = %v", err)
	}
	var nilRules *Restrictions
	if !nilRules.Allowed(model.ExchangeGate, "BTCUSDT") {
		t.Fatalf("nil restrictions should allow everything")
	}
}
