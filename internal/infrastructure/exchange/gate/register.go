package gate

import (
	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

func init() {
	exchange.Register(model.ExchangeGate, exchange.Constructors{
		NewTrading: func(opts exchange.Options, cred model.Credential) (port.TradingClient, error) {
			return NewTradingClient(opts, cred)
		},
		NewStream: func(opts exchange.Options) port.PrivateStream {
			return NewPrivateStream(opts)
		},
		NewFunding: func(opts exchange.Options) port.FundingSource {
			return NewFundingRateClient(opts)
		},
	})
}
