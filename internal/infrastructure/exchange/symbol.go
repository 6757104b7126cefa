package exchange

import (
	"strings"

	"fundarb/internal/domain/model"
)

// SymbolConverter 统一格式（BTCUSDT）与交易所格式之间的转换
type SymbolConverter interface {
	// ToExchange BTCUSDT -> BTC-USDT-SWAP / BTC_USDT ...
	ToExchange(symbol string) string
	// FromExchange 交易所格式 -> BTCUSDT
	FromExchange(raw string) string
}

// SymbolFormat 基于分隔符和后缀的通用转换器
type SymbolFormat struct {
	Sep    string // 币种与计价币之间的分隔符
	Suffix string // 例如 OKX 的 -SWAP
}

var (
	// Concat BTCUSDT（Binance）
	Concat = SymbolFormat{}
	// Dash BTC-USDT（BingX）
	Dash = SymbolFormat{Sep: "-"}
	// Underscore BTC_USDT（Gate、MEXC）
	Underscore = SymbolFormat{Sep: "_"}
	// DashSwap BTC-USDT-SWAP（OKX）
	DashSwap = SymbolFormat{Sep: "-", Suffix: "-SWAP"}
)

// ToExchange 转换为交易所格式
func (f SymbolFormat) ToExchange(symbol string) string {
	base, quote := model.SplitSymbol(symbol)
	if base == "" {
		return ""
	}
	if quote == "" {
		quote = model.DefaultQuote
	}
	return base + f.Sep + quote + f.Suffix
}

// FromExchange 转换为统一格式
func (f SymbolFormat) FromExchange(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if f.Suffix != "" {
		raw = strings.TrimSuffix(raw, f.Suffix)
	}
	return model.NormalizeSymbol(raw)
}

// ToExchangeAll 批量转换，跳过空值
func ToExchangeAll(c SymbolConverter, symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if v := c.ToExchange(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SymbolSet 统一格式的过滤集合，空集合表示不过滤
type SymbolSet map[string]struct{}

// NewSymbolSet 构造过滤集合
func NewSymbolSet(symbols []string) SymbolSet {
	set := make(SymbolSet, len(symbols))
	for _, s := range symbols {
		if n := model.NormalizeSymbol(s); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Allow 集合为空或包含该币种
func (s SymbolSet) Allow(symbol string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[symbol]
	return ok
}
