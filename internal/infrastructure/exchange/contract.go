package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ContractSizes 按合约张数计量的交易所（OKX、Gate、MEXC）每张合约对应的币数量缓存
// 合约面值基本不变，进程内只查询一次
type ContractSizes struct {
	fetch func(ctx context.Context, symbol string) (decimal.Decimal, error)
	group singleflight.Group

	mu    sync.RWMutex
	sizes map[string]decimal.Decimal
}

// NewContractSizes fetch 按统一格式 symbol 查询合约面值
func NewContractSizes(fetch func(ctx context.Context, symbol string) (decimal.Decimal, error)) *ContractSizes {
	return &ContractSizes{fetch: fetch, sizes: make(map[string]decimal.Decimal)}
}

// Get 合约面值
func (c *ContractSizes) Get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	v, ok := c.sizes[symbol]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(symbol, func() (any, error) {
		size, err := c.fetch(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if !size.IsPositive() {
			return decimal.Zero, fmt.Errorf("invalid contract size %s for %s", size, symbol)
		}
		c.mu.Lock()
		c.sizes[symbol] = size
		c.mu.Unlock()
		return size, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

// Set 预置面值（批量接口一次返回全部合约时使用）
func (c *ContractSizes) Set(symbol string, size decimal.Decimal) {
	if !size.IsPositive() {
		return
	}
	c.mu.Lock()
	c.sizes[symbol] = size
	c.mu.Unlock()
}

// ToContracts 币数量 -> 张数（向下取整）
func (c *ContractSizes) ToContracts(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	size, err := c.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	n := qty.Div(size).Floor()
	if !n.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity %s below one contract (%s) for %s", qty, size, symbol)
	}
	return n, nil
}

// FromContracts 张数 -> 币数量
func (c *ContractSizes) FromContracts(ctx context.Context, symbol string, contracts decimal.Decimal) (decimal.Decimal, error) {
	size, err := c.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return contracts.Mul(size), nil
}
