package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"fundarb/internal/domain/model"
)

type Config struct {
	App          AppConfig                 `toml:"app"`
	Log          LogConfig                 `toml:"log"`
	Symbols      SymbolsConfig             `toml:"symbols"`
	Rate         RateConfig                `toml:"rate"`
	Orchestrator OrchestratorConfig        `toml:"orchestrator"`
	WebSocket    WebSocketConfig           `toml:"websocket"`
	Exchanges    map[string]ExchangeConfig `toml:"exchanges"`
	Storage      StorageConfig             `toml:"storage"`
	HTTP         HTTPConfig                `toml:"http"`
	Credentials  CredentialsConfig         `toml:"credentials"`
}

type AppConfig struct {
	PrintEveryMin int      `toml:"print_every_min"`
	Users         []string `toml:"users"` // 启动时自动建立私有连接的用户
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // 为空时只输出到控制台
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type SymbolsConfig struct {
	List []string `toml:"list"`
}

// RateConfig 费率监控
type RateConfig struct {
	TimeBasis            int     `toml:"time_basis"` // 1/4/8/24
	OpportunityThreshold float64 `toml:"opportunity_threshold"`
	ApproachingRatio     float64 `toml:"approaching_ratio"`
	PaybackMaxPeriods    float64 `toml:"payback_max_periods"`
	PollIntervalSec      int     `toml:"poll_interval_sec"`
	NotifyDebounceSec    int     `toml:"notify_debounce_sec"`
	StreamFunding        bool    `toml:"stream_funding"` // 订阅公共资金费率推送
}

// OrchestratorConfig 开平仓编排
type OrchestratorConfig struct {
	MarginBuffer    float64  `toml:"margin_buffer"`
	LockTTLSec      int      `toml:"lock_ttl_sec"`
	MaxSplitGroups  int      `toml:"max_split_groups"`
	MinQuantity     float64  `toml:"min_quantity"`
	QuantityPlaces  int32    `toml:"quantity_places"`
	OrderTimeoutSec int      `toml:"order_timeout_sec"`
	RestrictedPairs []string `toml:"restricted_pairs"` // "exchange:SYMBOL" 或 "exchange:*"
}

// WebSocketConfig 私有流连接生命周期
type WebSocketConfig struct {
	ConnectTimeoutSec   int     `toml:"connect_timeout_sec"`
	PingIntervalSec     int     `toml:"ping_interval_sec"`
	ReconnectInitialMs  int     `toml:"reconnect_initial_ms"`
	ReconnectMaxMs      int     `toml:"reconnect_max_ms"`
	ReconnectFactor     float64 `toml:"reconnect_factor"`
	ReconnectJitter     float64 `toml:"reconnect_jitter"`
	ReconnectMaxRetries int     `toml:"reconnect_max_retries"` // 0 表示不限
	HealthIntervalSec   int     `toml:"health_interval_sec"`
	HealthTimeoutSec    int     `toml:"health_timeout_sec"`
	ListenKeyRenewMin   int     `toml:"listen_key_renew_min"`
	ListenKeyRetries    int     `toml:"listen_key_retries"`
	ListenKeyRetrySec   int     `toml:"listen_key_retry_sec"`
	ManagerConnectTOSec int     `toml:"manager_connect_timeout_sec"`
	ModeCacheTTLSec     int     `toml:"mode_cache_ttl_sec"`
}

type ExchangeConfig struct {
	Enabled      bool    `toml:"enabled"`
	RestURL      string  `toml:"rest_url"`
	PortfolioURL string  `toml:"portfolio_url"`
	WsURL        string  `toml:"ws_url"`
	PublicWsURL  string  `toml:"public_ws_url"`
	RateLimitRPS float64 `toml:"rate_limit_rps"`
}

type StorageConfig struct {
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
}

type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type PostgresConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	Prefix       string `toml:"prefix"`
	Channel      string `toml:"channel"`       // 推送事件 pub/sub 频道前缀
	NotifyStream string `toml:"notify_stream"` // 通知流
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// CredentialsConfig API 凭证来源（环境变量 / .env）
type CredentialsConfig struct {
	EnvFile string `toml:"env_file"`
	Prefix  string `toml:"prefix"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 从字符串解析（测试与内嵌配置使用）
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}

	r := &cfg.Rate
	if r.TimeBasis == 0 {
		r.TimeBasis = 8
	}
	if r.OpportunityThreshold <= 0 {
		r.OpportunityThreshold = 800
	}
	if r.ApproachingRatio == 0 {
		r.ApproachingRatio = 0.75
	}
	if r.PaybackMaxPeriods <= 0 {
		r.PaybackMaxPeriods = 100
	}
	if r.PollIntervalSec <= 0 {
		r.PollIntervalSec = 60
	}
	if r.NotifyDebounceSec <= 0 {
		r.NotifyDebounceSec = 30
	}

	o := &cfg.Orchestrator
	if o.MarginBuffer == 0 {
		o.MarginBuffer = 0.1
	}
	if o.LockTTLSec <= 0 {
		o.LockTTLSec = 60
	}
	if o.MaxSplitGroups <= 0 {
		o.MaxSplitGroups = 10
	}
	if o.QuantityPlaces <= 0 {
		o.QuantityPlaces = 8
	}
	if o.OrderTimeoutSec <= 0 {
		o.OrderTimeoutSec = 15
	}

	w := &cfg.WebSocket
	if w.ConnectTimeoutSec <= 0 {
		w.ConnectTimeoutSec = 15
	}
	if w.PingIntervalSec <= 0 {
		w.PingIntervalSec = 20
	}
	if w.ReconnectInitialMs <= 0 {
		w.ReconnectInitialMs = 1000
	}
	if w.ReconnectMaxMs <= 0 {
		w.ReconnectMaxMs = 30000
	}
	if w.ReconnectFactor <= 0 {
		w.ReconnectFactor = 2
	}
	if w.ReconnectJitter == 0 {
		w.ReconnectJitter = 0.1
	}
	if w.HealthIntervalSec <= 0 {
		w.HealthIntervalSec = 30
	}
	if w.HealthTimeoutSec <= 0 {
		w.HealthTimeoutSec = 60
	}
	if w.ListenKeyRenewMin <= 0 {
		w.ListenKeyRenewMin = 30
	}
	if w.ListenKeyRetries <= 0 {
		w.ListenKeyRetries = 3
	}
	if w.ListenKeyRetrySec <= 0 {
		w.ListenKeyRetrySec = 5
	}
	if w.ManagerConnectTOSec <= 0 {
		w.ManagerConnectTOSec = 30
	}
	if w.ModeCacheTTLSec <= 0 {
		w.ModeCacheTTLSec = 180
	}

	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/fundarb.db"
	}
	rd := &cfg.Storage.Redis
	if rd.Addr == "" {
		rd.Addr = "127.0.0.1:6379"
	}
	if rd.Prefix == "" {
		rd.Prefix = "fundarb:"
	}
	if rd.Channel == "" {
		rd.Channel = "fundarb:push"
	}
	if rd.NotifyStream == "" {
		rd.NotifyStream = "fundarb:notifications"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Credentials.Prefix == "" {
		cfg.Credentials.Prefix = "FUNDARB"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	if !model.TimeBasis(cfg.Rate.TimeBasis).Valid() {
		return fmt.Errorf("rate.time_basis must be one of 1, 4, 8, 24, got %d", cfg.Rate.TimeBasis)
	}
	if cfg.Rate.ApproachingRatio <= 0 || cfg.Rate.ApproachingRatio >= 1 {
		return fmt.Errorf("rate.approaching_ratio must be in (0, 1), got %v", cfg.Rate.ApproachingRatio)
	}
	if cfg.Orchestrator.MarginBuffer < 0 {
		return errors.New("orchestrator.margin_buffer cannot be negative")
	}
	if cfg.Orchestrator.MaxSplitGroups > 10 {
		return errors.New("orchestrator.max_split_groups cannot exceed 10")
	}
	if cfg.WebSocket.ReconnectJitter < 0 || cfg.WebSocket.ReconnectJitter >= 1 {
		return errors.New("websocket.reconnect_jitter must be in [0, 1)")
	}

	enabled := 0
	for name, ex := range cfg.Exchanges {
		if !model.ParseExchange(name).Known() {
			return fmt.Errorf("exchanges.%s: unknown exchange", name)
		}
		if ex.Enabled {
			enabled++
		}
		if ex.RateLimitRPS < 0 {
			return fmt.Errorf("exchanges.%s.rate_limit_rps cannot be negative", name)
		}
	}
	if enabled == 0 {
		return errors.New("no exchange enabled")
	}

	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := model.NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// EnabledExchanges 已启用的交易所（固定顺序）
func (c *Config) EnabledExchanges() []model.ExchangeID {
	var ids []model.ExchangeID
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			ids = append(ids, model.ParseExchange(name))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	model.SortExchanges(ids)
	return ids
}

// Exchange 按交易所取配置，兼容键名大小写
func (c *Config) Exchange(id model.ExchangeID) (ExchangeConfig, bool) {
	for name, ex := range c.Exchanges {
		if model.ParseExchange(name) == id {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

func (r RateConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSec) * time.Second
}

func (r RateConfig) NotifyDebounce() time.Duration {
	return time.Duration(r.NotifyDebounceSec) * time.Second
}

func (o OrchestratorConfig) LockTTL() time.Duration {
	return time.Duration(o.LockTTLSec) * time.Second
}

func (o OrchestratorConfig) OrderTimeout() time.Duration {
	return time.Duration(o.OrderTimeoutSec) * time.Second
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func (w WebSocketConfig) ConnectTimeout() time.Duration { return secs(w.ConnectTimeoutSec) }
func (w WebSocketConfig) PingInterval() time.Duration { return secs(w.PingIntervalSec) }
func (w WebSocketConfig) ReconnectInitial() time.Duration { return time.Duration(w.ReconnectInitialMs) * time.Millisecond }
func (w WebSocketConfig) ReconnectMax() time.Duration { return time.Duration(w.ReconnectMaxMs) * time.Millisecond }
func (w WebSocketConfig) HealthInterval() time.Duration { return secs(w.HealthIntervalSec) }
func (w WebSocketConfig) HealthTimeout() time.Duration { return secs(w.HealthTimeoutSec) }
func (w WebSocketConfig) ListenKeyRenew() time.Duration { return time.Duration(w.ListenKeyRenewMin) * time.Minute }
func (w WebSocketConfig) ListenKeyRetryInterval() time.Duration { return secs(w.ListenKeyRetrySec) }
func (w WebSocketConfig) ManagerConnectTimeout() time.Duration { return secs(w.ManagerConnectTOSec) }
func (w WebSocketConfig) ModeCacheTTL() time.Duration { return secs(w.ModeCacheTTLSec) }
