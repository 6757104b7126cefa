package factory

import (
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
)

// FundingSources 为每个已启用交易所创建公共资金费率源
func (f *ExchangeFactory) FundingSources() []port.FundingSource {
	var sources []port.FundingSource
	for _, id := range f.Enabled() {
		c, opts, err := f.lookup(id)
		if err != nil {
			log.Warn().Str("exchange", string(id)).Err(err).Msg("funding source unavailable")
			continue
		}
		sources = append(sources, c.NewFunding(opts))
		log.Info().Str("exchange", string(id)).Msg("✓ funding source initialized")
	}
	return sources
}

// FundingStreams 为提供公共推送的已启用交易所创建资金费率推送流
func (f *ExchangeFactory) FundingStreams() []port.FundingStream {
	var streams []port.FundingStream
	for _, id := range f.Enabled() {
		c, opts, err := f.lookup(id)
		if err != nil || c.NewFundingStream == nil {
			continue
		}
		streams = append(streams, c.NewFundingStream(opts))
		log.Info().Str("exchange", string(id)).Msg("✓ funding stream initialized")
	}
	return streams
}
