package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/metrics"
)

// OrchestratorConfig 编排器参数
type OrchestratorConfig struct {
	MarginBuffer   decimal.Decimal
	LockTTL        time.Duration
	MaxSplitGroups int
	MinQuantity    decimal.Decimal
	QuantityPlaces int32
	OrderTimeout   time.Duration // 单次 REST 调用上限
	MaxLeverage    int
	Restrictions   *domain.Restrictions
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.MarginBuffer.IsNegative() {
		c.MarginBuffer = domain.DefaultMarginBuffer
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.MaxSplitGroups <= 0 || c.MaxSplitGroups > domain.MaxSplitGroups {
		c.MaxSplitGroups = domain.MaxSplitGroups
	}
	if c.QuantityPlaces <= 0 {
		c.QuantityPlaces = domain.DefaultQuantityPlaces
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 15 * time.Second
	}
	if c.MaxLeverage <= 0 {
		c.MaxLeverage = 125
	}
}

// Orchestrator 两腿开平仓：分布式锁、顺序下单、失败回滚
type Orchestrator struct {
	cfg     OrchestratorConfig
	clients port.TradingProvider
	locker  port.Locker
	repo    port.PositionRepository
	emitter *ProgressEmitter

	newID func() string
	now   func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig, clients port.TradingProvider, locker port.Locker, repo port.PositionRepository, emitter *ProgressEmitter) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		clients: clients,
		locker:  locker,
		repo:    repo,
		emitter: emitter,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// OpenLockKey 开仓锁：同一用户同一币种同时只允许一个开仓
func OpenLockKey(userID, symbol string) string {
	return fmt.Sprintf("position:open:%s:%s", userID, symbol)
}

// CloseLockKey 平仓锁
func CloseLockKey(positionID string) string {
	return "position:close:" + positionID
}

// withLock 获取锁后执行 fn，无论结果如何都用同一 token 释放
func (o *Orchestrator) withLock(ctx context.Context, key string, fn func() error) error {
	token := o.newID()
	ok, err := o.locker.Acquire(ctx, key, token, o.cfg.LockTTL)
	if err != nil {
		return model.InternalError(fmt.Errorf("acquire lock %s: %w", key, err))
	}
	if !ok {
		return model.ConflictError(key)
	}
	defer func() {
		// 请求 ctx 可能已取消，释放使用独立 ctx
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released, err := o.locker.Release(rctx, key, token)
		switch {
		case err != nil:
			log.Error().Str("lock_key", key).Err(err).Msg("release lock failed")
		case !released:
			log.Warn().Str("lock_key", key).Msg("lock expired before release")
		}
	}()
	return fn()
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.OrderTimeout)
}

func (o *Orchestrator) validateOpen(req model.OpenPositionRequest) (model.OpenPositionRequest, error) {
	req.Symbol = model.NormalizeSymbol(req.Symbol)
	switch {
	case req.UserID == "":
		return req, model.ValidationError(model.CodeInvalidRequest, "user id is required")
	case req.Symbol == "":
		return req, model.ValidationError(model.CodeInvalidRequest, "symbol is required")
	case !req.LongExchange.Known() || !req.ShortExchange.Known():
		return req, model.ValidationError(model.CodeInvalidRequest, "unknown exchange").
			WithDetail("long_exchange", string(req.LongExchange)).
			WithDetail("short_exchange", string(req.ShortExchange))
	case req.LongExchange == req.ShortExchange:
		return req, model.ValidationError(model.CodeInvalidRequest, "long and short exchange must differ")
	case !req.Quantity.IsPositive():
		return req, model.ValidationError(model.CodeInvalidRequest, "quantity must be positive")
	case req.Quantity.LessThan(o.cfg.MinQuantity):
		return req, model.ValidationError(model.CodeQuantityTooSmall,
			fmt.Sprintf("quantity %s below minimum %s", req.Quantity, o.cfg.MinQuantity))
	case req.Leverage < 1 || req.Leverage > o.cfg.MaxLeverage:
		return req, model.ValidationError(model.CodeInvalidRequest,
			fmt.Sprintf("leverage must be between 1 and %d", o.cfg.MaxLeverage)).WithDetail("leverage", req.Leverage)
	}
	if err := domain.ValidatePercent("stop_loss", req.StopLoss); err != nil {
		return req, err
	}
	if err := domain.ValidatePercent("take_profit", req.TakeProfit); err != nil {
		return req, err
	}
	if err := o.cfg.Restrictions.CheckPair(req.Symbol, req.LongExchange, req.ShortExchange); err != nil {
		return req, err
	}
	return req, nil
}

// Open 开仓：validating -> executing_long -> executing_short -> completing
func (o *Orchestrator) Open(ctx context.Context, req model.OpenPositionRequest) (*model.OpenResult, error) {
	req, err := o.validateOpen(req)
	if err != nil {
		o.outcome("open", err)
		return nil, err
	}
	var res *model.OpenResult
	err = o.withLock(ctx, OpenLockKey(req.UserID, req.Symbol), func() error {
		var err error
		res, err = o.openLocked(ctx, req)
		return err
	})
	if err == nil && res.Partial {
		metrics.OrchestratorOutcomes.WithLabelValues("open", "partial").Inc()
	} else {
		o.outcome("open", err)
	}
	return res, err
}

// OpenSplit 分批开仓：总量拆成 n 组，共享 groupID，顺序执行，失败即停止不自动重试
func (o *Orchestrator) OpenSplit(ctx context.Context, req model.SplitOpenRequest) (*model.SplitResult, error) {
	base, err := o.validateOpen(req.OpenPositionRequest)
	if err != nil {
		o.outcome("open_split", err)
		return nil, err
	}
	if req.Groups > o.cfg.MaxSplitGroups {
		err := model.ValidationError(model.CodeInvalidRequest,
			fmt.Sprintf("split groups must be between %d and %d", domain.MinSplitGroups, o.cfg.MaxSplitGroups)).
			WithDetail("groups", req.Groups)
		o.outcome("open_split", err)
		return nil, err
	}
	parts, err := domain.ValidateSplit(base.Quantity, req.Groups, o.cfg.MinQuantity, o.cfg.QuantityPlaces)
	if err != nil {
		o.outcome("open_split", err)
		return nil, err
	}
	if base.GroupID == "" {
		base.GroupID = o.newID()
	}

	out := &model.SplitResult{GroupID: base.GroupID, TotalGroups: len(parts)}
	err = o.withLock(ctx, OpenLockKey(base.UserID, base.Symbol), func() error {
		for i, qty := range parts {
			sub := base
			sub.Quantity = qty
			res, err := o.openLocked(ctx, sub)
			if err != nil {
				log.Error().
					Str("user_id", base.UserID).
					Str("symbol", base.Symbol).
					Str("group_id", base.GroupID).
					Int("completed_groups", i).
					Int("total_groups", len(parts)).
					Err(err).
					Msg("split open stopped")
				return withCompleted(err, i, len(parts))
			}
			out.Results = append(out.Results, res)
			out.CompletedGroups = i + 1
		}
		return nil
	})
	o.outcome("open_split", err)
	return out, err
}

// withCompleted 在错误中附带已完成的组数
func withCompleted(err error, completed, total int) error {
	e := toError(err)
	if e == nil {
		e = model.InternalError(err)
	}
	return e.WithDetail("completed_groups", completed).WithDetail("total_groups", total)
}

func (o *Orchestrator) openLocked(ctx context.Context, req model.OpenPositionRequest) (*model.OpenResult, error) {
	sm := domain.NewOpenMachine()
	now := o.now()
	pos := &model.ArbitragePosition{
		ID:            o.newID(),
		UserID:        req.UserID,
		GroupID:       req.GroupID,
		Symbol:        req.Symbol,
		LongExchange:  req.LongExchange,
		ShortExchange: req.ShortExchange,
		Quantity:      req.Quantity,
		Leverage:      req.Leverage,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Status:        model.ArbOpening,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	logger := log.With().
		Str("user_id", req.UserID).
		Str("position_id", pos.ID).
		Str("symbol", req.Symbol).
		Str("long_exchange", string(req.LongExchange)).
		Str("short_exchange", string(req.ShortExchange)).
		Logger()

	o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepValidating, "")
	longClient, shortClient, err := o.validateAccounts(ctx, req)
	if err != nil {
		o.emitter.Failed(ctx, req.UserID, pos.ID, err)
		return nil, err
	}
	o.save(ctx, pos)

	// executing_long
	_ = sm.Transition(domain.StepExecutingLong)
	o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepExecutingLong, "")
	longRes, err := o.placeLeg(ctx, longClient, port.OrderRequest{
		Symbol:       req.Symbol,
		Side:         model.SideBuy,
		PositionSide: model.PositionLong,
		Quantity:     req.Quantity,
	})
	if err != nil {
		_ = sm.Transition(domain.StepFailed)
		var unknown *port.UnknownOrderError
		if errors.As(err, &unknown) {
			// 多头可能已成交，不能按失败处理
			mi := &model.ManualInterventionError{
				Actions:     []model.ManualIntervention{unknownAction(pos, unknown, model.SideSell)},
				Cause:       err,
				RollbackErr: unknown,
				Reason:      "long leg order state unknown",
			}
			merr := o.requireManual(ctx, pos, model.PositionLong, mi)
			o.emitter.Failed(ctx, req.UserID, pos.ID, merr)
			return nil, merr
		}
		logger.Error().Str("step", string(domain.StepExecutingLong)).Err(err).Msg("long leg failed")
		pos.Status = model.ArbFailed
		o.save(ctx, pos)
		ferr := model.NewError(model.KindConnectivity, model.CodeLongLegFailed,
			fmt.Sprintf("long leg order failed on %s", req.LongExchange), err).
			WithDetail("exchange", string(req.LongExchange))
		if k := model.KindOf(err); k == model.KindValidation || k == model.KindAuth {
			ferr.Kind = k
		}
		o.emitter.Failed(ctx, req.UserID, pos.ID, ferr)
		return nil, ferr
	}
	longQty := filledOr(longRes, req.Quantity)
	pos.LongOrderID = longRes.OrderID
	pos.LongEntryPrice = longRes.AvgPrice
	o.recordTrade(ctx, pos, req.LongExchange, model.SideBuy, longRes, longQty, "open")

	// executing_short
	_ = sm.Transition(domain.StepExecutingShort)
	o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepExecutingShort, "")
	shortRes, err := o.placeLeg(ctx, shortClient, port.OrderRequest{
		Symbol:       req.Symbol,
		Side:         model.SideSell,
		PositionSide: model.PositionShort,
		Quantity:     req.Quantity,
	})
	if err != nil {
		_ = sm.Transition(domain.StepRollingBack)
		logger.Error().Str("step", string(domain.StepExecutingShort)).Str("order_id", longRes.OrderID).Err(err).
			Msg("short leg failed, rolling back long leg")
		o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepRollingBack, "")
		rerr := o.rollbackLong(ctx, pos, longClient, longRes, longQty, err)
		_ = sm.Transition(domain.StepFailed)
		o.emitter.Failed(ctx, req.UserID, pos.ID, rerr)
		return nil, rerr
	}
	shortQty := filledOr(shortRes, req.Quantity)
	pos.ShortOrderID = shortRes.OrderID
	pos.ShortEntryPrice = shortRes.AvgPrice
	o.recordTrade(ctx, pos, req.ShortExchange, model.SideSell, shortRes, shortQty, "open")

	// completing
	_ = sm.Transition(domain.StepCompleting)
	o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepCompleting, "")
	res := &model.OpenResult{
		PositionID: pos.ID,
		GroupID:    req.GroupID,
		Long:       legResult(req.LongExchange, model.SideBuy, longRes, longQty),
		Short:      legResult(req.ShortExchange, model.SideSell, shortRes, shortQty),
	}
	if req.StopLoss != nil || req.TakeProfit != nil {
		res.Conditional = o.placeConditionals(ctx, req, longClient, shortClient, longRes, shortRes)
		for _, c := range res.Conditional {
			if c.Error != "" {
				res.Partial = true
			}
		}
		if res.Partial {
			logger.Warn().Str("step", string(domain.StepCompleting)).Msg("position opened, conditional orders partially failed")
		}
	}

	pos.Status = model.ArbOpen
	pos.UpdatedAt = o.now()
	o.save(ctx, pos)
	_ = sm.Transition(domain.StepDone)
	o.emitter.Progress(ctx, req.UserID, pos.ID, req.GroupID, domain.StepDone, "")
	o.emitter.Success(ctx, req.UserID, res)
	logger.Info().
		Str("long_order_id", pos.LongOrderID).
		Str("short_order_id", pos.ShortOrderID).
		Str("quantity", req.Quantity.String()).
		Bool("partial", res.Partial).
		Msg("position opened")
	return res, nil
}

// validateAccounts 获取两腿客户端，校验保证金并设置杠杆（任何下单之前）
func (o *Orchestrator) validateAccounts(ctx context.Context, req model.OpenPositionRequest) (port.TradingClient, port.TradingClient, error) {
	longClient, err := o.clients.TradingClient(ctx, req.UserID, req.LongExchange)
	if err != nil {
		return nil, nil, err
	}
	shortClient, err := o.clients.TradingClient(ctx, req.UserID, req.ShortExchange)
	if err != nil {
		return nil, nil, err
	}

	for _, leg := range []struct {
		ex     model.ExchangeID
		client port.TradingClient
	}{{req.LongExchange, longClient}, {req.ShortExchange, shortClient}} {
		cctx, cancel := o.callContext(ctx)
		price, err := leg.client.GetMarkPrice(cctx, req.Symbol)
		if err == nil {
			var bal *model.BalanceUpdate
			bal, err = leg.client.GetBalance(cctx)
			if err == nil {
				required := domain.RequiredMargin(req.Quantity, price, req.Leverage, o.cfg.MarginBuffer)
				err = domain.CheckMargin(leg.ex, bal.Available, required)
			}
		}
		if err == nil {
			err = leg.client.SetLeverage(cctx, req.Symbol, req.Leverage)
		}
		cancel()
		if err != nil {
			var me *model.Error
			if errors.As(err, &me) {
				return nil, nil, err
			}
			return nil, nil, model.NewError(model.KindConnectivity, model.CodeConnectFailed,
				fmt.Sprintf("account check failed on %s", leg.ex), err).WithDetail("exchange", string(leg.ex))
		}
	}
	return longClient, shortClient, nil
}

func (o *Orchestrator) placeLeg(ctx context.Context, client port.TradingClient, req port.OrderRequest) (*port.OrderResult, error) {
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	start := time.Now()
	res, err := client.PlaceOrder(cctx, req)
	metrics.LegLatency.WithLabelValues(string(client.Exchange()), string(req.Side)).
		Observe(float64(time.Since(start).Milliseconds()))
	if err == nil && res == nil {
		err = fmt.Errorf("%s returned empty order result", client.Exchange())
	}
	return res, err
}

// rollbackLong 第二腿失败后平掉第一腿，只尝试一次
// 第二腿结果未知时即使回滚成功也需要人工确认空头
func (o *Orchestrator) rollbackLong(ctx context.Context, pos *model.ArbitragePosition, client port.TradingClient, longRes *port.OrderResult, qty decimal.Decimal, cause error) error {
	// 回滚不受请求取消影响
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.OrderTimeout)
	defer cancel()
	var unknown *port.UnknownOrderError
	shortUnknown := errors.As(cause, &unknown)

	closeRes, rbErr := client.ClosePosition(rctx, pos.Symbol, model.PositionLong, qty)
	if rbErr == nil && closeRes == nil {
		rbErr = fmt.Errorf("%s returned empty close result", client.Exchange())
	}
	if rbErr != nil {
		mi := &model.ManualInterventionError{
			Actions: []model.ManualIntervention{{
				Exchange: pos.LongExchange,
				Symbol:   pos.Symbol,
				OrderID:  longRes.OrderID,
				Side:     model.SideSell,
				Quantity: qty,
			}},
			Cause:       cause,
			RollbackErr: rbErr,
		}
		remaining := model.PositionLong
		if shortUnknown {
			mi.Actions = append(mi.Actions, unknownAction(pos, unknown, model.SideBuy))
			remaining = ""
		}
		log.Error().
			Str("user_id", pos.UserID).
			Str("position_id", pos.ID).
			Str("exchange", string(pos.LongExchange)).
			Str("symbol", pos.Symbol).
			Str("order_id", longRes.OrderID).
			Str("side", string(model.SideSell)).
			Str("quantity", qty.String()).
			Str("step", string(domain.StepRollingBack)).
			Err(rbErr).
			Msg("rollback failed, manual intervention required")
		return o.requireManual(rctx, pos, remaining, mi)
	}

	o.recordTrade(rctx, pos, pos.LongExchange, model.SideSell, closeRes, filledOr(closeRes, qty), "rollback")
	if shortUnknown {
		mi := &model.ManualInterventionError{
			Actions:     []model.ManualIntervention{unknownAction(pos, unknown, model.SideBuy)},
			Cause:       cause,
			RollbackErr: unknown,
			Reason:      "short leg order state unknown after long leg rolled back",
		}
		return o.requireManual(rctx, pos, model.PositionShort, mi)
	}
	pos.Status = model.ArbRolledBack
	o.save(rctx, pos)
	log.Warn().
		Str("user_id", pos.UserID).
		Str("position_id", pos.ID).
		Str("exchange", string(pos.ShortExchange)).
		Str("symbol", pos.Symbol).
		Str("step", string(domain.StepRollingBack)).
		Err(cause).
		Msg("short leg failed, long leg rolled back")
	rb := &model.RolledBackError{Symbol: pos.Symbol, Exchange: pos.ShortExchange, Cause: cause}
	return rb.ToError()
}

// requireManual 标记持仓需人工处理并记录仍未平的一腿（空表示两腿都在）
func (o *Orchestrator) requireManual(ctx context.Context, pos *model.ArbitragePosition, remaining model.PositionSide, mi *model.ManualInterventionError) error {
	log.Error().
		Str("user_id", pos.UserID).
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("remaining_leg", string(remaining)).
		Err(mi).
		Msg("position requires manual intervention")
	pos.Status = model.ArbManualRequired
	pos.RemainingLeg = remaining
	pos.UpdatedAt = o.now()
	o.save(ctx, pos)
	o.notifyManual(ctx, pos, mi)
	return mi.ToError()
}

// unknownAction 结果未知的一腿，只有客户端订单号
func unknownAction(pos *model.ArbitragePosition, unknown *port.UnknownOrderError, closeSide model.Side) model.ManualIntervention {
	return model.ManualIntervention{
		Exchange:      unknown.Exchange,
		Symbol:        pos.Symbol,
		ClientOrderID: unknown.ClientOrderID,
		Side:          closeSide,
		Quantity:      pos.Quantity,
	}
}

// placeConditionals 两腿各自挂止损/止盈，失败只记录不回滚
func (o *Orchestrator) placeConditionals(ctx context.Context, req model.OpenPositionRequest, longClient, shortClient port.TradingClient, longRes, shortRes *port.OrderResult) []model.ConditionalOutcome {
	var out []model.ConditionalOutcome
	legs := []struct {
		ex     model.ExchangeID
		side   model.PositionSide
		client port.TradingClient
		res    *port.OrderResult
	}{
		{req.LongExchange, model.PositionLong, longClient, longRes},
		{req.ShortExchange, model.PositionShort, shortClient, shortRes},
	}
	for _, leg := range legs {
		entry := leg.res.AvgPrice
		if entry.IsZero() {
			cctx, cancel := o.callContext(ctx)
			p, err := leg.client.GetMarkPrice(cctx, req.Symbol)
			cancel()
			if err != nil {
				for _, kind := range requestedKinds(req) {
					out = append(out, model.ConditionalOutcome{Exchange: leg.ex, Kind: string(kind), Error: "entry price unavailable"})
				}
				continue
			}
			entry = p
		}
		sl, tp := domain.TriggerPrices(leg.side, entry, req.StopLoss, req.TakeProfit)
		for _, c := range []struct {
			kind  model.ConditionalKind
			price *decimal.Decimal
		}{{model.ConditionalStopLoss, sl}, {model.ConditionalTakeProfit, tp}} {
			if c.price == nil {
				continue
			}
			cctx, cancel := o.callContext(ctx)
			id, err := leg.client.PlaceConditionalOrder(cctx, port.ConditionalRequest{
				Symbol:       req.Symbol,
				PositionSide: leg.side,
				Kind:         c.kind,
				TriggerPrice: *c.price,
				Quantity:     filledOr(leg.res, req.Quantity),
			})
			cancel()
			oc := model.ConditionalOutcome{Exchange: leg.ex, Kind: string(c.kind), OrderID: id}
			if err != nil {
				oc.Error = err.Error()
				log.Warn().
					Str("user_id", req.UserID).
					Str("exchange", string(leg.ex)).
					Str("symbol", req.Symbol).
					Str("kind", string(c.kind)).
					Err(err).
					Msg("conditional order failed")
			}
			out = append(out, oc)
		}
	}
	return out
}

func requestedKinds(req model.OpenPositionRequest) []model.ConditionalKind {
	var kinds []model.ConditionalKind
	if req.StopLoss != nil {
		kinds = append(kinds, model.ConditionalStopLoss)
	}
	if req.TakeProfit != nil {
		kinds = append(kinds, model.ConditionalTakeProfit)
	}
	return kinds
}

func (o *Orchestrator) save(ctx context.Context, pos *model.ArbitragePosition) {
	if o.repo == nil {
		return
	}
	pos.UpdatedAt = o.now()
	if err := o.repo.SavePosition(ctx, pos); err != nil {
		log.Error().Str("position_id", pos.ID).Str("status", string(pos.Status)).Err(err).Msg("save position failed")
	}
}

func (o *Orchestrator) recordTrade(ctx context.Context, pos *model.ArbitragePosition, ex model.ExchangeID, side model.Side, res *port.OrderResult, qty decimal.Decimal, action string) {
	if o.repo == nil || res == nil {
		return
	}
	err := o.repo.RecordTrade(ctx, &model.TradeRecord{
		ID:         o.newID(),
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Exchange:   ex,
		Symbol:     pos.Symbol,
		Side:       side,
		OrderID:    res.OrderID,
		Quantity:   qty,
		Price:      res.AvgPrice,
		Fee:        res.Fee,
		Action:     action,
		CreatedAt:  o.now(),
	})
	if err != nil {
		log.Error().Str("position_id", pos.ID).Str("order_id", res.OrderID).Err(err).Msg("record trade failed")
	}
}

func (o *Orchestrator) notifyManual(ctx context.Context, pos *model.ArbitragePosition, mi *model.ManualInterventionError) {
	if o.repo == nil {
		return
	}
	payload, _ := json.Marshal(mi.Actions)
	err := o.repo.CreateNotificationLog(ctx, &model.NotificationLog{
		ID:        o.newID(),
		UserID:    pos.UserID,
		Type:      "manual_intervention",
		Symbol:    pos.Symbol,
		Message:   mi.Error(),
		Payload:   string(payload),
		CreatedAt: o.now(),
	})
	if err != nil {
		log.Error().Str("position_id", pos.ID).Err(err).Msg("create notification log failed")
	}
}

// outcome 记录结果指标
func (o *Orchestrator) outcome(op string, err error) {
	label := "success"
	if err != nil {
		switch model.KindOf(err) {
		case model.KindValidation:
			label = "validation"
		case model.KindConflict:
			label = "conflict"
		case model.KindRolledBack:
			label = "rolled_back"
		case model.KindRollbackFailed:
			label = "rollback_failed"
		default:
			label = "failed"
		}
	}
	metrics.OrchestratorOutcomes.WithLabelValues(op, label).Inc()
}

func filledOr(res *port.OrderResult, fallback decimal.Decimal) decimal.Decimal {
	if res == nil || !res.FilledQty.IsPositive() {
		return fallback
	}
	return res.FilledQty
}

func legResult(ex model.ExchangeID, side model.Side, res *port.OrderResult, qty decimal.Decimal) model.LegResult {
	return model.LegResult{
		Exchange:  ex,
		Side:      side,
		OrderID:   res.OrderID,
		Quantity:  qty,
		AvgPrice:  res.AvgPrice,
		Fee:       res.Fee,
		Succeeded: true,
	}
}
