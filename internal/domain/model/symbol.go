package model

import "strings"

// DefaultQuote 默认计价币
const DefaultQuote = "USDT"

// NormalizeSymbol 统一币种格式为 BASEQUOTE（如 BTCUSDT）
// 兼容 BTC、BTC/USDT、BTC-USDT、BTC_USDT、BTC-USDT-SWAP、BTC/USDT:USDT
func NormalizeSymbol(s string) string {
	u := strings.ToUpper(strings.TrimSpace(s))
	if u == "" {
		return ""
	}
	if i := strings.Index(u, ":"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "-SWAP")
	u = strings.NewReplacer("/", "", "-", "", "_", "").Replace(u)
	if !strings.HasSuffix(u, DefaultQuote) && !strings.HasSuffix(u, "USDC") && !strings.HasSuffix(u, "USD") {
		u += DefaultQuote
	}
	return u
}

// SplitSymbol 拆分统一格式为 base、quote
func SplitSymbol(symbol string) (base, quote string) {
	s := NormalizeSymbol(symbol)
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, ""
}
