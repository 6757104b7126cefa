package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

const (
	MinSplitGroups = 1
	MaxSplitGroups = 10

	// DefaultQuantityPlaces 数量精度（小数位）
	DefaultQuantityPlaces int32 = 8
)

// SplitQuantity 将总数量拆分为 n 份近似相等的数量，最后一份吸收余数
// 前 n-1 份按 places 位小数截断，保证总和严格等于 total
func SplitQuantity(total decimal.Decimal, n int, places int32) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{total}
	}
	base := total.Div(decimal.NewFromInt(int64(n))).Truncate(places)
	parts := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = base
		sum = sum.Add(base)
	}
	parts[n-1] = total.Sub(sum)
	return parts
}

// ValidateSplit 分批前校验：组数范围、每份不低于最小下单量
func ValidateSplit(total decimal.Decimal, n int, minQty decimal.Decimal, places int32) ([]decimal.Decimal, error) {
	if n < MinSplitGroups || n > MaxSplitGroups {
		return nil, model.ValidationError(model.CodeInvalidRequest,
			fmt.Sprintf("split groups must be between %d and %d", MinSplitGroups, MaxSplitGroups)).
			WithDetail("groups", n)
	}
	if !total.IsPositive() {
		return nil, model.ValidationError(model.CodeInvalidRequest, "quantity must be positive")
	}
	parts := SplitQuantity(total, n, places)
	for i, p := range parts {
		if p.LessThan(minQty) || !p.IsPositive() {
			return nil, model.ValidationError(model.CodeQuantityTooSmall,
				fmt.Sprintf("group %d quantity %s below minimum %s", i+1, p, minQty)).
				WithDetail("group", i+1).
				WithDetail("min_quantity", minQty.String())
		}
	}
	return parts, nil
}
