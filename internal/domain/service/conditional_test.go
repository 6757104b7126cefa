package service

import (
	"testing"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// TestClassifyConditionalOrders 未标注条件单按触发价推断
func TestClassifyConditionalOrders(t *testing.T) {
	orders := []model.ConditionalOrder{
		{OrderID: "a", PositionSide: model.PositionLong, TriggerPrice: d("110")},
		{OrderID: "b", PositionSide: model.PositionLong, TriggerPrice: d("90")},
		{OrderID: "c", PositionSide: model.PositionShort, TriggerPrice: d("95")},
		{OrderID: "e", PositionSide: model.PositionShort, TriggerPrice: d("105")},
		{OrderID: "f", PositionSide: model.PositionLong, TriggerPrice: d("50"), Kind: model.ConditionalTakeProfit},
	}
	out := ClassifyConditionalOrders(orders, nil)
	want := map[string]model.ConditionalKind{
		"a": model.ConditionalTakeProfit,
		"b": model.ConditionalStopLoss,
		"c": model.ConditionalTakeProfit,
		"e": model.ConditionalStopLoss,
		"f": model.ConditionalTakeProfit,
	}
	for _, o := range out {
		if o.Kind != want[o.OrderID] {
			t.Errorf("order %s: got %q want %q", o.OrderID, o.Kind, want[o.OrderID])
		}
	}
	if orders[0].Kind != model.ConditionalUnknown {
		t.Errorf("input must not be mutated")
	}
}

// TestClassifySingleOrderUsesReference 单个未标注单依据参考价
func TestClassifySingleOrderUsesReference(t *testing.T) {
	ref := map[model.PositionSide]decimal.Decimal{
		model.PositionLong:  d("100"),
		model.PositionShort: d("100"),
	}
	out := ClassifyConditionalOrders([]model.ConditionalOrder{
		{OrderID: "l", PositionSide: model.PositionLong, TriggerPrice: d("95")},
		{OrderID: "s", PositionSide: model.PositionShort, TriggerPrice: d("95")},
	}, ref)
	if out[0].Kind != model.ConditionalStopLoss {
		t.Errorf("long below entry should be stop loss, got %q", out[0].Kind)
	}
	if out[1].Kind != model.ConditionalTakeProfit {
		t.Errorf("short below entry should be take profit, got %q", out[1].Kind)
	}

	out = ClassifyConditionalOrders([]model.ConditionalOrder{
		{OrderID: "x", PositionSide: model.PositionLong, TriggerPrice: d("95")},
	}, nil)
	if out[0].Kind != model.ConditionalUnknown {
		t.Errorf("without reference kind stays unknown")
	}
}

// TestTriggerPrices 止盈止损触发价
func TestTriggerPrices(t *testing.T) {
	sl, tp := 5.0, 10.0
	lsl, ltp := TriggerPrices(model.PositionLong, d("100"), &sl, &tp)
	if !lsl.Equal(d("95")) || !ltp.Equal(d("110")) {
		t.Errorf("long: sl=%s tp=%s", lsl, ltp)
	}
	ssl, stp := TriggerPrices(model.PositionShort, d("100"), &sl, &tp)
	if !ssl.Equal(d("105")) || !stp.Equal(d("90")) {
		t.Errorf("short: sl=%s tp=%s", ssl, stp)
	}
	if a, b := TriggerPrices(model.PositionLong, d("100"), nil, nil); a != nil || b != nil {
		t.Errorf("expected nil triggers")
	}
}

// TestStepMachine 开仓与平仓流程转换
func TestStepMachine(t *testing.T) {
	m := NewOpenMachine()
	for _, s := range []Step{StepExecutingLong, StepExecutingShort, StepRollingBack, StepFailed} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := m.Transition(StepDone); err == nil {
		t.Errorf("expected failure from failed to done")
	}

	m = NewOpenMachine()
	if err := m.Transition(StepExecutingShort); err == nil {
		t.Errorf("short leg cannot start before long leg")
	}

	c := NewCloseMachine()
	for _, s := range []Step{StepClosingLong, StepClosingShort, StepCalculatingPnl, StepCompleting, StepDone} {
		if err := c.Transition(s); err != nil {
			t.Fatalf("close transition to %s: %v", s, err)
		}
	}
	if len(c.History()) != 6 {
		t.Errorf("expected 6 steps, got %d", len(c.History()))
	}
}
