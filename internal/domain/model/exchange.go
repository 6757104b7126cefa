package model

import (
	"sort"
	"strings"
)

// ExchangeID 交易所标识（小写）
type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeOKX     ExchangeID = "okx"
	ExchangeGate    ExchangeID = "gate"
	ExchangeBingX   ExchangeID = "bingx"
	ExchangeMEXC    ExchangeID = "mexc"
)

// exchangeOrdinal 固定的交易所顺序，用于稳定的配对枚举
var exchangeOrdinal = map[ExchangeID]int{
	ExchangeBinance: 0,
	ExchangeOKX:     1,
	ExchangeGate:    2,
	ExchangeBingX:   3,
	ExchangeMEXC:    4,
}

// ParseExchange 解析交易所名称，兼容大小写和 "gateio" 写法
func ParseExchange(s string) ExchangeID {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "gateio" || v == "gate.io" {
		return ExchangeGate
	}
	return ExchangeID(v)
}

func (e ExchangeID) String() string { return string(e) }

// Known 是否为支持的交易所
func (e ExchangeID) Known() bool {
	_, ok := exchangeOrdinal[e]
	return ok
}

// SortExchanges 按固定顺序排序：已知交易所按内置顺序，未知交易所按字母序排在后面
func SortExchanges(ids []ExchangeID) {
	sort.SliceStable(ids, func(i, j int) bool {
		oi, iok := exchangeOrdinal[ids[i]]
		oj, jok := exchangeOrdinal[ids[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// AllExchanges 返回所有支持的交易所
func AllExchanges() []ExchangeID {
	return []ExchangeID{ExchangeBinance, ExchangeOKX, ExchangeGate, ExchangeBingX, ExchangeMEXC}
}

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 反向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide 持仓方向
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OpenSide 开仓时的下单方向
func (p PositionSide) OpenSide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide 平仓时的下单方向
func (p PositionSide) CloseSide() Side {
	return p.OpenSide().Opposite()
}

// Credential 交易所 API 凭证（解密后的明文，只在连接期间借用）
type Credential struct {
	Exchange   ExchangeID `json:"exchange"`
	APIKey     string     `json:"-"`
	APISecret  string     `json:"-"`
	Passphrase string     `json:"-"`
}

// KeyPrefix API Key 前缀，用于缓存分区，不暴露完整 key
func (c Credential) KeyPrefix() string {
	if len(c.APIKey) <= 8 {
		return c.APIKey
	}
	return c.APIKey[:8]
}
