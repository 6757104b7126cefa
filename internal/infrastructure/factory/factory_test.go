package factory

import (
	"context"
	"errors"
	"testing"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange"
)

const (
	paper     model.ExchangeID = "paper"
	paperPush model.ExchangeID = "paper-push"
)

type paperClient struct {
	port.TradingClient
	cred model.Credential
}

type paperStream struct {
	*exchange.Stream
}

func (paperStream) Connect(context.Context, model.Credential) error { return nil }
func (s paperStream) Disconnect() error {
	s.Close()
	return nil
}

type paperFunding struct {
	*exchange.Stream
}

func (paperFunding) Subscribe(context.Context, []string) error { return nil }

type paperSource struct{}

func (paperSource) Exchange() model.ExchangeID { return paper }
func (paperSource) FetchFundingRates(context.Context, []string) ([]model.NormalizedFundingRate, error) {
	return nil, nil
}

var built int

func init() {
	exchange.Register(paper, exchange.Constructors{
		NewTrading: func(opts exchange.Options, cred model.Credential) (port.TradingClient, error) {
			built++
			return &paperClient{cred: cred}, nil
		},
		NewStream:  func(opts exchange.Options) port.PrivateStream { return paperStream{exchange.NewStream(paper)} },
		NewFunding: func(opts exchange.Options) port.FundingSource { return paperSource{} },
	})
	exchange.Register(paperPush, exchange.Constructors{
		NewTrading: func(opts exchange.Options, cred model.Credential) (port.TradingClient, error) {
			return &paperClient{cred: cred}, nil
		},
		NewStream:  func(opts exchange.Options) port.PrivateStream { return paperStream{exchange.NewStream(paperPush)} },
		NewFunding: func(opts exchange.Options) port.FundingSource { return paperSource{} },
		NewFundingStream: func(opts exchange.Options) port.FundingStream {
			return paperFunding{exchange.NewStream(paperPush)}
		},
	})
}

type memCreds map[string]model.Credential

func (m memCreds) GetDecryptedAPIKey(_ context.Context, userID string, ex model.ExchangeID) (model.Credential, error) {
	c, ok := m[userID+"/"+string(ex)]
	if !ok {
		return model.Credential{}, model.NotFoundError("no active api key")
	}
	return c, nil
}

func TestTradingClientCachedPerKey(t *testing.T) {
	creds := memCreds{"u1/paper": {Exchange: paper, APIKey: "key-aaaaaaaa-1", APISecret: "s"}}
	f := newExchangeFactory(map[model.ExchangeID]exchange.Options{paper: {}}, creds, exchange.NewAccountModeCache(0))
	built = 0

	c1, err := f.TradingClient(context.Background(), "u1", paper)
	if err != nil {
		t.Fatalf("trading client: %v", err)
	}
	c2, _ := f.TradingClient(context.Background(), "u1", paper)
	if c1 != c2 || built != 1 {
		t.Fatalf("expected cached client, built=%d", built)
	}

	creds["u1/paper"] = model.Credential{Exchange: paper, APIKey: "key-bbbbbbbb-2", APISecret: "s"}
	c3, _ := f.TradingClient(context.Background(), "u1", paper)
	if c3 == c1 || built != 2 {
		t.Fatalf("expected rebuild after key rotation, built=%d", built)
	}

	f.Invalidate("u1", paper)
	_, _ = f.TradingClient(context.Background(), "u1", paper)
	if built != 3 {
		t.Fatalf("expected rebuild after invalidate, built=%d", built)
	}
}

func TestTradingClientErrors(t *testing.T) {
	f := newExchangeFactory(map[model.ExchangeID]exchange.Options{paper: {}}, memCreds{}, nil)

	_, err := f.TradingClient(context.Background(), "nobody", paper)
	if model.KindOf(err) != model.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
	_, err = f.TradingClient(context.Background(), "u1", model.ExchangeOKX)
	var e *model.Error
	if !errors.As(err, &e) || e.Code != model.CodeInvalidRequest {
		t.Fatalf("err = %v, want disabled exchange validation error", err)
	}
	if _, err := f.NewStream(model.ExchangeGate); err == nil {
		t.Fatalf("expected error for disabled exchange stream")
	}
}

func TestStreamsAndSources(t *testing.T) {
	f := newExchangeFactory(map[model.ExchangeID]exchange.Options{paper: {}}, memCreds{}, nil)
	s, err := f.NewStream(paper)
	if err != nil || s.Exchange() != paper {
		t.Fatalf("stream = %v, %v", s, err)
	}
	sources := f.FundingSources()
	if len(sources) != 1 || sources[0].Exchange() != paper {
		t.Fatalf("sources = %v", sources)
	}
}

func TestFundingStreamsOnlyForPushExchanges(t *testing.T) {
	f := newExchangeFactory(map[model.ExchangeID]exchange.Options{paper: {}, paperPush: {}}, memCreds{}, nil)
	if got := len(f.FundingSources()); got != 2 {
		t.Fatalf("sources = %d, want 2", got)
	}
	streams := f.FundingStreams()
	if len(streams) != 1 || streams[0].Exchange() != paperPush {
		t.Fatalf("streams = %v", streams)
	}
	streams[0].Close()
}

func TestNewExchangeFactoryFromConfig(t *testing.T) {
	cfg, err := config.Parse(`
[symbols]
list = ["BTC"]
[exchanges.binance]
enabled = true
[exchanges.gate]
enabled = true
rest_url = "http://127.0.0.1:1"
[websocket]
reconnect_max_retries = 4
`)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	f, err := NewExchangeFactory(cfg, memCreds{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	got := f.Enabled()
	if len(got) != 2 || got[0] != model.ExchangeBinance || got[1] != model.ExchangeGate {
		t.Fatalf("enabled = %v", got)
	}
	opts := f.opts[model.ExchangeGate]
	if opts.RESTURL != "http://127.0.0.1:1" || opts.Runner.Reconnect.MaxRetries != 4 || opts.ModeCache == nil {
		t.Fatalf("gate options = %+v", opts)
	}
	if opts.Session.RenewInterval.Minutes() != 30 {
		t.Fatalf("session = %+v", opts.Session)
	}
}
