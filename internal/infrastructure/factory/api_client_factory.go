package factory

import (
	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/websocket"

	// 各交易所包在 init() 中向 exchange 注册表注册构造函数
	_ "fundarb/internal/infrastructure/exchange/binance"
	_ "fundarb/internal/infrastructure/exchange/bingx"
	_ "fundarb/internal/infrastructure/exchange/gate"
	_ "fundarb/internal/infrastructure/exchange/mexc"
	_ "fundarb/internal/infrastructure/exchange/okx"
)

// RunnerConfig 私有流连接参数
func RunnerConfig(w config.WebSocketConfig) websocket.RunnerConfig {
	return websocket.RunnerConfig{
		ConnectTimeout: w.ConnectTimeout(),
		PingInterval:   w.PingInterval(),
		Reconnect: websocket.ReconnectConfig{
			InitialDelay:  w.ReconnectInitial(),
			MaxDelay:      w.ReconnectMax(),
			BackoffFactor: w.ReconnectFactor,
			JitterRange:   w.ReconnectJitter,
			MaxRetries:    w.ReconnectMaxRetries,
		},
		Health: websocket.HealthConfig{
			CheckInterval: w.HealthInterval(),
			Timeout:       w.HealthTimeout(),
		},
	}
}

// SessionConfig listenKey 续期参数
func SessionConfig(w config.WebSocketConfig) websocket.SessionConfig {
	return websocket.SessionConfig{
		RenewInterval: w.ListenKeyRenew(),
		MaxRetries:    w.ListenKeyRetries,
		RetryInterval: w.ListenKeyRetryInterval(),
		CallTimeout:   websocket.DefaultSessionConfig.CallTimeout,
	}
}

// BuildOptions 从配置构造所有已启用交易所的 Options
// 策略: 动态遍历 cfg.Exchanges，未注册的交易所跳过并告警
func BuildOptions(cfg *config.Config, modes *exchange.AccountModeCache) map[model.ExchangeID]exchange.Options {
	runner := RunnerConfig(cfg.WebSocket)
	session := SessionConfig(cfg.WebSocket)

	out := make(map[model.ExchangeID]exchange.Options)
	for _, id := range cfg.EnabledExchanges() {
		if _, ok := exchange.Lookup(id); !ok {
			log.Warn().Str("exchange", string(id)).Msg("exchange enabled but not registered, skipping")
			continue
		}
		exCfg, _ := cfg.Exchange(id)
		out[id] = exchange.Options{
			RESTURL:      exCfg.RestURL,
			PortfolioURL: exCfg.PortfolioURL,
			WSURL:        exCfg.WsURL,
			PublicWSURL:  exCfg.PublicWsURL,
			RateLimitRPS: exCfg.RateLimitRPS,
			Runner:       runner,
			Session:      session,
			ModeCache:    modes,
		}
	}
	return out
}
