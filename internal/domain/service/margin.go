package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// DefaultMarginBuffer 保证金缓冲 10%
var DefaultMarginBuffer = decimal.NewFromFloat(0.1)

// RequiredMargin 所需保证金 = quantity * price / leverage * (1 + buffer)
func RequiredMargin(quantity, price decimal.Decimal, leverage int, buffer decimal.Decimal) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return quantity.Mul(price).
		Div(decimal.NewFromInt(int64(leverage))).
		Mul(decimal.NewFromInt(1).Add(buffer))
}

// CheckMargin 校验可用余额是否覆盖所需保证金
func CheckMargin(exchange model.ExchangeID, available, required decimal.Decimal) error {
	if available.LessThan(required) {
		return model.ValidationError(model.CodeInsufficientBalance,
			fmt.Sprintf("insufficient balance on %s: available %s, required %s",
				exchange, available.StringFixed(4), required.StringFixed(4))).
			WithDetail("exchange", string(exchange)).
			WithDetail("available", available.String()).
			WithDetail("required", required.String())
	}
	return nil
}

// Restrictions 禁止 API 下单的交易所/币种组合
type Restrictions struct {
	rules map[model.ExchangeID]map[string]struct{} // "*" 表示整个交易所
}

// NewRestrictions 解析 "exchange:SYMBOL" 或 "exchange:*" 规则
func NewRestrictions(rules []string) *Restrictions {
	r := &Restrictions{rules: make(map[model.ExchangeID]map[string]struct{})}
	for _, rule := range rules {
		ex, sym, ok := splitRule(rule)
		if !ok {
			continue
		}
		if r.rules[ex] == nil {
			r.rules[ex] = make(map[string]struct{})
		}
		r.rules[ex][sym] = struct{}{}
	}
	return r
}

func splitRule(rule string) (model.ExchangeID, string, bool) {
	for i := 0; i < len(rule); i++ {
		if rule[i] == ':' {
			ex := model.ParseExchange(rule[:i])
			sym := model.NormalizeSymbol(rule[i+1:])
			if rule[i+1:] == "*" {
				sym = "*"
			}
			return ex, sym, ex != "" && sym != ""
		}
	}
	return "", "", false
}

// Allowed 是否允许在该交易所下单
func (r *Restrictions) Allowed(ex model.ExchangeID, symbol string) bool {
	if r == nil {
		return true
	}
	syms := r.rules[ex]
	if syms == nil {
		return true
	}
	if _, ok := syms["*"]; ok {
		return false
	}
	_, ok := syms[model.NormalizeSymbol(symbol)]
	return !ok
}

// CheckPair 两腿都必须允许，在任何下单之前调用
func (r *Restrictions) CheckPair(symbol string, long, short model.ExchangeID) error {
	for _, ex := range []model.ExchangeID{long, short} {
		if !r.Allowed(ex, symbol) {
			return model.ValidationError(model.CodeRestrictedPair,
				fmt.Sprintf("%s does not allow API order placement for %s", ex, symbol)).
				WithDetail("exchange", string(ex)).
				WithDetail("symbol", symbol)
		}
	}
	return nil
}
