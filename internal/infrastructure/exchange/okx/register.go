package okx

import (
	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// init() 自动注册 OKX 构造函数
// 这样避免了在 factory 中硬编码 OKX
func init() {
	exchange.Register(model.ExchangeOKX, exchange.Constructors{
		NewTrading: func(opts exchange.Options, cred model.Credential) (port.TradingClient, error) {
			return NewTradingClient(opts, cred)
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
