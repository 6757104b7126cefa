package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

const minimal = `
[symbols]
list = ["btc", "ETH-USDT", "BTCUSDT"]

[exchanges.binance]
enabled = true

[exchanges.OKX]
enabled = true

[exchanges.gateio]
enabled = false
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(minimal)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := strings.Join(cfg.Symbols.List, ","); got != "BTCUSDT,ETHUSDT" {
		t.Fatalf("symbols = %s", got)
	}
	if cfg.Rate.TimeBasis != 8 || cfg.Rate.OpportunityThreshold != 800 || cfg.Rate.ApproachingRatio != 0.75 {
		t.Fatalf("rate defaults = %+v", cfg.Rate)
	}
	if cfg.Rate.NotifyDebounce() != 30*time.Second || cfg.Rate.PollInterval() != time.Minute {
		t.Fatalf("rate durations = %v %v", cfg.Rate.NotifyDebounce(), cfg.Rate.PollInterval())
	}
	if cfg.Orchestrator.MarginBuffer != 0.1 || cfg.Orchestrator.LockTTL() != time.Minute || cfg.Orchestrator.MaxSplitGroups != 10 {
		t.Fatalf("orchestrator defaults = %+v", cfg.Orchestrator)
	}
	w := cfg.WebSocket
	if w.ReconnectInitial() != time.Second || w.ReconnectMax() != 30*time.Second || w.HealthTimeout() != time.Minute {
		t.Fatalf("websocket defaults = %+v", w)
	}
	if w.ListenKeyRenew() != 30*time.Minute || w.ListenKeyRetries != 3 || w.ModeCacheTTL() != 3*time.Minute {
		t.Fatalf("listen key defaults = %+v", w)
	}
	if cfg.Credentials.Prefix != "FUNDARB" || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("misc defaults = %+v %+v", cfg.Credentials, cfg.HTTP)
	}
}

func TestEnabledExchangesOrdered(t *testing.T) {
	cfg, err := Parse(minimal + `
[exchanges.mexc]
enabled = true
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := cfg.EnabledExchanges()
	want := []model.ExchangeID{model.ExchangeBinance, model.ExchangeOKX, model.ExchangeMEXC}
	if len(got) != len(want) {
		t.Fatalf("enabled = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enabled = %v, want %v", got, want)
		}
	}
	if _, ok := cfg.Exchange(model.ExchangeGate); !ok {
		t.Fatalf("gate config should be found through gateio key")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty symbols":    "[exchanges.binance]\nenabled = true\n",
		"bad basis":        minimal + "[rate]\ntime_basis = 3\n",
		"bad ratio":        minimal + "[rate]\napproaching_ratio = 1.5\n",
		"unknown exchange": minimal + "[exchanges.kraken]\nenabled = true\n",
		"none enabled":     "[symbols]\nlist = [\"BTC\"]\n[exchanges.okx]\nenabled = false\n",
		"postgres dsn":     minimal + "[storage.postgres]\nenabled = true\n",
		"split groups":     minimal + "[orchestrator]\nmax_split_groups = 11\n",
	}
	for name, data := range cases {
		if _, err := Parse(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadShippedConfig(t *testing.T) {
	path := filepath.Join("..", "..", "..", "configs", "config.toml")
	if _, err := os.Stat(path); err != nil {
		t.Skip("shipped config not found")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.EnabledExchanges()) != 5 {
		t.Fatalf("enabled = %v", cfg.EnabledExchanges())
	}
}
