package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/storage/memory"
)

type harness struct {
	orch  *Orchestrator
	long  *fakeClient
	short *fakeClient
	prov  *fakeProvider
	lock  *memory.Locker
	repo  *memory.Repo
	push  *recorder
}

func newHarness(t *testing.T, cfg OrchestratorConfig) *harness {
	t.Helper()
	h := &harness{
		long:  newFakeClient(model.ExchangeBinance, "100"),
		short: newFakeClient(model.ExchangeOKX, "101"),
		lock:  memory.NewLocker(),
		repo:  memory.New(),
		push:  &recorder{},
	}
	h.prov = &fakeProvider{clients: map[model.ExchangeID]*fakeClient{
		model.ExchangeBinance: h.long,
		model.ExchangeOKX:     h.short,
	}}
	h.orch = NewOrchestrator(cfg, h.prov, h.lock, h.repo, NewProgressEmitter(h.push))
	h.orch.newID = sequence("id")
	return h
}

func openRequest() model.OpenPositionRequest {
	return model.OpenPositionRequest{
		UserID:        "u1",
		Symbol:        "btc",
		LongExchange:  model.ExchangeBinance,
		ShortExchange: model.ExchangeOKX,
		Quantity:      decimal.NewFromInt(2),
		Leverage:      2,
	}
}

func TestOpenSuccess(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	res, err := h.orch.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !res.Long.Succeeded || !res.Short.Succeeded || res.Partial {
		t.Fatalf("result = %+v", res)
	}
	if len(h.long.orders) != 1 || h.long.orders[0].Side != model.SideBuy || h.long.orders[0].Symbol != "BTCUSDT" {
		t.Fatalf("long orders = %+v", h.long.orders)
	}
	if len(h.short.orders) != 1 || h.short.orders[0].Side != model.SideSell || h.short.orders[0].PositionSide != model.PositionShort {
		t.Fatalf("short orders = %+v", h.short.orders)
	}

	pos, err := h.repo.GetPosition(context.Background(), res.PositionID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Status != model.ArbOpen || !pos.LongEntryPrice.Equal(decimal.NewFromInt(100)) || pos.ShortOrderID == "" {
		t.Fatalf("position = %+v", pos)
	}
	if trades := h.repo.Trades(res.PositionID); len(trades) != 2 {
		t.Fatalf("trades = %+v", trades)
	}

	events := h.push.events(PositionRoom(res.PositionID))
	if len(events) == 0 || events[len(events)-1] != EventSuccess {
		t.Fatalf("position room events = %v", events)
	}
	if !h.push.has(UserRoom("u1"), EventProgress) {
		t.Fatalf("user room missing progress events")
	}

	// 锁已释放
	if _, err := h.orch.Open(context.Background(), openRequest()); err != nil {
		t.Fatalf("second open after release: %v", err)
	}
}

func TestOpenLockConflictMakesNoExchangeCalls(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	ok, _ := h.lock.Acquire(context.Background(), OpenLockKey("u1", "BTCUSDT"), "other", time.Minute)
	if !ok {
		t.Fatalf("pre-acquire failed")
	}

	_, err := h.orch.Open(context.Background(), openRequest())
	if !model.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	var e *model.Error
	if !errors.As(err, &e) || e.Code != model.CodeLockConflict {
		t.Fatalf("err = %v, want LOCK_CONFLICT", err)
	}
	if h.long.calls != 0 || h.short.calls != 0 || h.prov.calls != 0 {
		t.Fatalf("exchange calls made: long=%d short=%d provider=%d", h.long.calls, h.short.calls, h.prov.calls)
	}
	// 冲突方不能释放别人的锁
	if ok, _ := h.lock.Acquire(context.Background(), OpenLockKey("u1", "BTCUSDT"), "third", time.Minute); ok {
		t.Fatalf("lock was released by the losing request")
	}
}

func TestOpenLongLegFailureSkipsShort(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.long.placeErr = errExchange

	_, err := h.orch.Open(context.Background(), openRequest())
	var e *model.Error
	if !errors.As(err, &e) || e.Code != model.CodeLongLegFailed {
		t.Fatalf("err = %v", err)
	}
	if len(h.short.orders) != 0 || len(h.long.closes) != 0 {
		t.Fatalf("short leg or rollback attempted: orders=%d closes=%d", len(h.short.orders), len(h.long.closes))
	}
}

func TestOpenShortFailureRollsBackOnce(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.short.placeErr = errExchange

	_, err := h.orch.Open(context.Background(), openRequest())
	if model.KindOf(err) != model.KindRolledBack {
		t.Fatalf("kind = %s, err = %v", model.KindOf(err), err)
	}
	if len(h.long.closes) != 1 || h.long.closes[0] != model.PositionLong || len(h.short.closes) != 0 {
		t.Fatalf("rollback closes long=%v short=%v", h.long.closes, h.short.closes)
	}
	if !errors.Is(err, errExchange) {
		t.Fatalf("cause not preserved: %v", err)
	}

	open, _ := h.repo.ListOpenPositions(context.Background(), "u1")
	if len(open) != 0 {
		t.Fatalf("rolled back position listed as open: %+v", open)
	}
	if !h.push.has(UserRoom("u1"), EventFailed) || h.push.has(UserRoom("u1"), EventRollbackFailed) {
		t.Fatalf("events = %v", h.push.events(UserRoom("u1")))
	}
}

func TestOpenRollbackFailureRequiresManualIntervention(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.short.placeErr = errExchange
	h.long.closeErr = errors.New("reduce only rejected")

	_, err := h.orch.Open(context.Background(), openRequest())
	if model.KindOf(err) != model.KindRollbackFailed {
		t.Fatalf("kind = %s, err = %v", model.KindOf(err), err)
	}
	var mi *model.ManualInterventionError
	if !errors.As(err, &mi) || len(mi.Actions) != 1 {
		t.Fatalf("manual intervention details missing: %v", err)
	}
	a := mi.Actions[0]
	if a.Exchange != model.ExchangeBinance || a.OrderID != "binance-1" || a.Side != model.SideSell || !a.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("action = %+v", a)
	}
	if len(h.long.closes) != 1 {
		t.Fatalf("rollback attempts = %d, want 1", len(h.long.closes))
	}

	open, _ := h.repo.ListOpenPositions(context.Background(), "u1")
	if len(open) != 1 || open[0].Status != model.ArbManualRequired {
		t.Fatalf("open = %+v", open)
	}
	if n := h.repo.Notifications(); len(n) != 1 || n[0].Type != "manual_intervention" {
		t.Fatalf("notifications = %+v", n)
	}
	if !h.push.has(UserRoom("u1"), EventRollbackFailed) {
		t.Fatalf("events = %v", h.push.events(UserRoom("u1")))
	}
}

func manualPosition(t *testing.T, h *harness) *model.ArbitragePosition {
	t.Helper()
	open, _ := h.repo.ListOpenPositions(context.Background(), "u1")
	if len(open) != 1 || open[0].Status != model.ArbManualRequired {
		t.Fatalf("open = %+v", open)
	}
	return open[0]
}

func TestOpenLongLegUnknownRequiresManualIntervention(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.long.placeErr = &port.UnknownOrderError{Exchange: model.ExchangeBinance, ClientOrderID: "fa01", Err: context.DeadlineExceeded}

	_, err := h.orch.Open(context.Background(), openRequest())
	if model.KindOf(err) != model.KindRollbackFailed {
		t.Fatalf("kind = %s, err = %v", model.KindOf(err), err)
	}
	var mi *model.ManualInterventionError
	if !errors.As(err, &mi) || len(mi.Actions) != 1 {
		t.Fatalf("manual intervention details missing: %v", err)
	}
	if a := mi.Actions[0]; a.Exchange != model.ExchangeBinance || a.ClientOrderID != "fa01" || a.Side != model.SideSell {
		t.Fatalf("action = %+v", a)
	}
	if len(h.short.orders) != 0 || len(h.long.closes) != 0 {
		t.Fatalf("short orders = %d, long closes = %d", len(h.short.orders), len(h.long.closes))
	}
	pos := manualPosition(t, h)
	if pos.RemainingLeg != model.PositionLong {
		t.Fatalf("remaining leg = %q", pos.RemainingLeg)
	}
	if n := h.repo.Notifications(); len(n) != 1 || n[0].Type != "manual_intervention" {
		t.Fatalf("notifications = %+v", n)
	}

	// 再次平仓只处理多头
	res, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: pos.ID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(h.long.closes) != 1 || len(h.short.closes) != 0 || !res.Long.Succeeded || res.Short.Succeeded {
		t.Fatalf("closes long=%v short=%v result=%+v", h.long.closes, h.short.closes, res)
	}
	closed, _ := h.repo.GetPosition(context.Background(), pos.ID)
	if closed.Status != model.ArbClosed || closed.RemainingLeg != "" {
		t.Fatalf("position = %+v", closed)
	}
}

func TestOpenShortLegUnknownAfterRollback(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.short.placeErr = &port.UnknownOrderError{Exchange: model.ExchangeOKX, ClientOrderID: "fa02", Err: context.DeadlineExceeded}

	_, err := h.orch.Open(context.Background(), openRequest())
	if model.KindOf(err) != model.KindRollbackFailed {
		t.Fatalf("kind = %s, err = %v", model.KindOf(err), err)
	}
	var mi *model.ManualInterventionError
	if !errors.As(err, &mi) || len(mi.Actions) != 1 || mi.Actions[0].Exchange != model.ExchangeOKX || mi.Actions[0].Side != model.SideBuy {
		t.Fatalf("err = %v", err)
	}
	if len(h.long.closes) != 1 {
		t.Fatalf("long rollback attempts = %d", len(h.long.closes))
	}
	pos := manualPosition(t, h)
	if pos.RemainingLeg != model.PositionShort {
		t.Fatalf("remaining leg = %q", pos.RemainingLeg)
	}

	if _, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: pos.ID}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(h.long.closes) != 1 || len(h.short.closes) != 1 || h.short.closes[0] != model.PositionShort {
		t.Fatalf("closes long=%v short=%v", h.long.closes, h.short.closes)
	}
}

func TestOpenBothLegsUnknownWhenRollbackFails(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.short.placeErr = &port.UnknownOrderError{Exchange: model.ExchangeOKX, ClientOrderID: "fa03", Err: context.DeadlineExceeded}
	h.long.closeErr = errExchange

	_, err := h.orch.Open(context.Background(), openRequest())
	var mi *model.ManualInterventionError
	if !errors.As(err, &mi) || len(mi.Actions) != 2 {
		t.Fatalf("err = %v", err)
	}
	if pos := manualPosition(t, h); pos.RemainingLeg != "" {
		t.Fatalf("remaining leg = %q, want both", pos.RemainingLeg)
	}
}

func TestOpenValidationBeforeOrders(t *testing.T) {
	cases := []struct {
		name  string
		cfg   OrchestratorConfig
		setup func(h *harness, req *model.OpenPositionRequest)
		code  string
	}{
		{
			name:  "insufficient balance",
			setup: func(h *harness, _ *model.OpenPositionRequest) { h.short.available = decimal.NewFromInt(50) },
			code:  model.CodeInsufficientBalance,
		},
		{
			name:  "restricted pair",
			cfg:   OrchestratorConfig{Restrictions: domain.NewRestrictions([]string{"okx:BTCUSDT"})},
			setup: func(*harness, *model.OpenPositionRequest) {},
			code:  model.CodeRestrictedPair,
		},
		{
			name:  "same exchange",
			setup: func(_ *harness, req *model.OpenPositionRequest) { req.ShortExchange = model.ExchangeBinance },
			code:  model.CodeInvalidRequest,
		},
		{
			name: "stop loss out of range",
			setup: func(_ *harness, req *model.OpenPositionRequest) {
				v := 150.0
				req.StopLoss = &v
			},
			code: model.CodeInvalidRequest,
		},
		{
			name:  "below minimum quantity",
			cfg:   OrchestratorConfig{MinQuantity: decimal.NewFromInt(5)},
			setup: func(*harness, *model.OpenPositionRequest) {},
			code:  model.CodeQuantityTooSmall,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.cfg)
			req := openRequest()
			tc.setup(h, &req)
			_, err := h.orch.Open(context.Background(), req)
			var e *model.Error
			if !errors.As(err, &e) || e.Code != tc.code || e.Kind != model.KindValidation {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
			if len(h.long.orders) != 0 || len(h.short.orders) != 0 {
				t.Fatalf("orders placed despite validation failure")
			}
		})
	}
}

func TestOpenConditionalPartial(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.short.condErr = errExchange
	req := openRequest()
	sl, tp := 5.0, 10.0
	req.StopLoss, req.TakeProfit = &sl, &tp

	res, err := h.orch.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("partial conditional must not fail the open: %v", err)
	}
	if !res.Partial || len(res.Conditional) != 4 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.long.conds) != 2 {
		t.Fatalf("long conditionals = %+v", h.long.conds)
	}
	// 多头止损 = 100 * 0.95
	for _, c := range h.long.conds {
		if c.Kind == model.ConditionalStopLoss && !c.TriggerPrice.Equal(decimal.NewFromInt(95)) {
			t.Fatalf("long stop loss trigger = %s", c.TriggerPrice)
		}
	}
	pos, _ := h.repo.GetPosition(context.Background(), res.PositionID)
	if pos.Status != model.ArbOpen {
		t.Fatalf("status = %s", pos.Status)
	}
}

func TestOpenSplit(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{MinQuantity: decimal.RequireFromString("0.001")})
	req := model.SplitOpenRequest{OpenPositionRequest: openRequest(), Groups: 3}
	req.Quantity = decimal.NewFromInt(1)

	res, err := h.orch.OpenSplit(context.Background(), req)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if res.CompletedGroups != 3 || res.TotalGroups != 3 || len(res.Results) != 3 {
		t.Fatalf("result = %+v", res)
	}
	sum := decimal.Zero
	for _, o := range h.long.orders {
		sum = sum.Add(o.Quantity)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("long quantity sum = %s", sum)
	}
	for _, r := range res.Results {
		if r.GroupID != res.GroupID || res.GroupID == "" {
			t.Fatalf("group id mismatch: %s vs %s", r.GroupID, res.GroupID)
		}
	}
}

func TestOpenSplitStopsAtFailure(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.long.placeErrAt = 2
	req := model.SplitOpenRequest{OpenPositionRequest: openRequest(), Groups: 4}

	res, err := h.orch.OpenSplit(context.Background(), req)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if res.CompletedGroups != 1 {
		t.Fatalf("completed = %d, want 1", res.CompletedGroups)
	}
	var e *model.Error
	if !errors.As(err, &e) || e.Details["completed_groups"] != 1 {
		t.Fatalf("err details = %v", err)
	}
	if len(h.long.orders) != 2 {
		t.Fatalf("no automatic retry expected, long orders = %d", len(h.long.orders))
	}
}

func TestOpenSplitRejectsTooManyGroups(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{MaxSplitGroups: 5})
	req := model.SplitOpenRequest{OpenPositionRequest: openRequest(), Groups: 6}
	if _, err := h.orch.OpenSplit(context.Background(), req); model.KindOf(err) != model.KindValidation {
		t.Fatalf("err = %v", err)
	}
}

func TestCloseComputesPnl(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	opened, err := h.orch.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.long.exitPrice = decimal.NewFromInt(110)
	h.short.exitPrice = decimal.NewFromInt(108)

	res, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: opened.PositionID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// (110-100)*2 + (101-108)*2 - 0.2
	if !res.RealizedPnl.Equal(decimal.RequireFromString("5.8")) {
		t.Fatalf("pnl = %s", res.RealizedPnl)
	}
	pos, _ := h.repo.GetPosition(context.Background(), opened.PositionID)
	if pos.Status != model.ArbClosed || pos.ClosedAt == nil {
		t.Fatalf("position = %+v", pos)
	}
	if !h.push.has(PositionRoom(opened.PositionID), EventCloseSuccess) {
		t.Fatalf("events = %v", h.push.events(PositionRoom(opened.PositionID)))
	}

	// 已平仓的持仓不能再平
	if _, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: opened.PositionID}); model.KindOf(err) != model.KindValidation {
		t.Fatalf("second close err = %v", err)
	}
}

func TestCloseShortFailureRequiresManualIntervention(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	opened, _ := h.orch.Open(context.Background(), openRequest())
	h.short.closeErr = errExchange

	_, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: opened.PositionID})
	if model.KindOf(err) != model.KindRollbackFailed {
		t.Fatalf("err = %v", err)
	}
	pos, _ := h.repo.GetPosition(context.Background(), opened.PositionID)
	if pos.Status != model.ArbManualRequired {
		t.Fatalf("status = %s", pos.Status)
	}
	if pos.RemainingLeg != model.PositionShort {
		t.Fatalf("remaining leg = %q", pos.RemainingLeg)
	}

	// 重试只平空头
	h.short.closeErr = nil
	if _, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u1", PositionID: opened.PositionID}); err != nil {
		t.Fatalf("retry close: %v", err)
	}
	if len(h.long.closes) != 1 || len(h.short.closes) != 2 {
		t.Fatalf("closes long=%v short=%v", h.long.closes, h.short.closes)
	}
	pos, _ = h.repo.GetPosition(context.Background(), opened.PositionID)
	if pos.Status != model.ArbClosed {
		t.Fatalf("status = %s", pos.Status)
	}

	// 锁已释放
	if ok, _ := h.lock.Acquire(context.Background(), CloseLockKey(opened.PositionID), "x", time.Minute); !ok {
		t.Fatalf("close lock not released")
	}
}

func TestCloseOtherUsersPosition(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	opened, _ := h.orch.Open(context.Background(), openRequest())
	_, err := h.orch.Close(context.Background(), model.ClosePositionRequest{UserID: "u2", PositionID: opened.PositionID})
	if model.KindOf(err) != model.KindNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestBatchClose(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	a, _ := h.orch.Open(context.Background(), openRequest())
	b, _ := h.orch.Open(context.Background(), openRequest())

	res, err := h.orch.BatchClose(context.Background(), "u1", []string{a.PositionID, "missing", b.PositionID})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Total != 3 || res.Succeeded != 2 || res.Failed != 1 || res.Errors["missing"] == "" {
		t.Fatalf("result = %+v", res)
	}
	var progress int
	for _, e := range h.push.events(UserRoom("u1")) {
		if e == EventBatchCloseProgress {
			progress++
		}
	}
	if progress != 3 || !h.push.has(UserRoom("u1"), EventBatchCloseComplete) {
		t.Fatalf("batch events progress=%d", progress)
	}
}

func TestRealizedPnlUnknownExit(t *testing.T) {
	pos := &model.ArbitragePosition{
		Quantity:        decimal.NewFromInt(1),
		LongEntryPrice:  decimal.NewFromInt(100),
		ShortEntryPrice: decimal.NewFromInt(100),
	}
	got := RealizedPnl(pos, decimal.Zero, decimal.NewFromInt(90), decimal.NewFromInt(1))
	if !got.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("pnl = %s", got)
	}
}
