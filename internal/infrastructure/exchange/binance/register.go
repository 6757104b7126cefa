package binance

import (
	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// init() 自动注册 Binance 构造函数，factory 无需硬编码
func init() {
	exchange.Register(model.ExchangeBinance, exchange.Constructors{
		NewTrading: func(opts exchange.Options, cred model.Credential) (port.TradingClient, error) {
			return NewPerpetualClient(opts, cred)
		},
		NewStream: func(opts exchange.Options) port.PrivateStream {
			return NewPrivateStream(opts)
		},
		NewFunding: func(opts exchange.Options) port.FundingSource {
			return NewFundingRateClient(opts)
		},
		NewFundingStream: func(opts exchange.Options) port.FundingStream {
			return NewFundingStream(opts)
		},
	})
}
