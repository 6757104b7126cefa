package factory

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogBalances 记录用户在各交易所的 USDT 余额，失败只告警
func (f *ExchangeFactory) LogBalances(ctx context.Context, userID string) {
	for _, id := range f.Enabled() {
		client, err := f.TradingClient(ctx, userID, id)
		if err != nil {
			log.Warn().Err(err).Str("exchange", string(id)).Str("user_id", userID).Msg("trading client unavailable")
			continue
		}
		balance, err := client.GetBalance(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", string(id)).Str("user_id", userID).Msg("failed to fetch balance")
			continue
		}
		log.Info().
			Str("exchange", string(id)).
			Str("user_id", userID).
			Str("total", balance.Total.String()).
			Str("available", balance.Available.String()).
			Msgf("%s futures balance", id)
	}
}
