package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// ClassifyConditionalOrders 推断未标注条件单的止盈/止损类型
// 同一持仓方向下按触发价排序：多头低价为止损、高价为止盈；空头相反。
// 只有一个未标注单时，以参考价（入场价或标记价）判断其位于哪一侧。
func ClassifyConditionalOrders(orders []model.ConditionalOrder, reference map[model.PositionSide]decimal.Decimal) []model.ConditionalOrder {
	out := make([]model.ConditionalOrder, len(orders))
	copy(out, orders)

	bySide := make(map[model.PositionSide][]int)
	for i, o := range out {
		if o.Kind != model.ConditionalUnknown {
			continue
		}
		bySide[o.PositionSide] = append(bySide[o.PositionSide], i)
	}

	for side, idx := range bySide {
		sort.SliceStable(idx, func(a, b int) bool {
			return out[idx[a]].TriggerPrice.LessThan(out[idx[b]].TriggerPrice)
		})
		if len(idx) == 1 {
			ref, ok := reference[side]
			if !ok || ref.IsZero() {
				continue
			}
			out[idx[0]].Kind = classifyAgainst(side, out[idx[0]].TriggerPrice, ref)
			continue
		}
		low, high := idx[0], idx[len(idx)-1]
		if side == model.PositionShort {
			out[low].Kind = model.ConditionalTakeProfit
			out[high].Kind = model.ConditionalStopLoss
		} else {
			out[low].Kind = model.ConditionalStopLoss
			out[high].Kind = model.ConditionalTakeProfit
		}
		// 中间的单子按参考价判断
		ref := reference[side]
		for _, i := range idx[1 : len(idx)-1] {
			if !ref.IsZero() {
				out[i].Kind = classifyAgainst(side, out[i].TriggerPrice, ref)
			}
		}
	}
	return out
}

func classifyAgainst(side model.PositionSide, trigger, ref decimal.Decimal) model.ConditionalKind {
	below := trigger.LessThan(ref)
	if side == model.PositionShort {
		below = !below
	}
	if below {
		return model.ConditionalStopLoss
	}
	return model.ConditionalTakeProfit
}

// TriggerPrices 按百分比计算止损/止盈触发价
func TriggerPrices(side model.PositionSide, entry decimal.Decimal, stopLossPct, takeProfitPct *float64) (sl, tp *decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	if stopLossPct != nil && *stopLossPct > 0 {
		r := decimal.NewFromFloat(*stopLossPct).Div(hundred)
		var p decimal.Decimal
		if side == model.PositionShort {
			p = entry.Mul(one.Add(r))
		} else {
			p = entry.Mul(one.Sub(r))
		}
		sl = &p
	}
	if takeProfitPct != nil && *takeProfitPct > 0 {
		r := decimal.NewFromFloat(*takeProfitPct).Div(hundred)
		var p decimal.Decimal
		if side == model.PositionShort {
			p = entry.Mul(one.Sub(r))
		} else {
			p = entry.Mul(one.Add(r))
		}
		tp = &p
	}
	return sl, tp
}

// ValidatePercent 止盈止损百分比范围 (0, 100)
func ValidatePercent(name string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v <= 0 || *v >= 100 {
		return model.ValidationError(model.CodeInvalidRequest, name+" percent must be between 0 and 100").
			WithDetail(name, *v)
	}
	return nil
}
