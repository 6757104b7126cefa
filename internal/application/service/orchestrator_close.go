package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
)

// Close 平仓：validating -> closing_long -> closing_short -> calculating_pnl -> completing
func (o *Orchestrator) Close(ctx context.Context, req model.ClosePositionRequest) (*model.CloseResult, error) {
	if req.UserID == "" || req.PositionID == "" {
		err := model.ValidationError(model.CodeInvalidRequest, "user id and position id are required")
		o.outcome("close", err)
		return nil, err
	}
	var res *model.CloseResult
	err := o.withLock(ctx, CloseLockKey(req.PositionID), func() error {
		var err error
		res, err = o.closeLocked(ctx, req)
		return err
	})
	if err != nil && model.IsConflict(err) {
		o.emitter.CloseFailed(ctx, req.UserID, req.PositionID, err)
	}
	o.outcome("close", err)
	return res, err
}

func (o *Orchestrator) closeLocked(ctx context.Context, req model.ClosePositionRequest) (*model.CloseResult, error) {
	sm := domain.NewCloseMachine()
	o.emitter.CloseProgress(ctx, req.UserID, req.PositionID, domain.StepValidating, "")

	pos, err := o.loadOpenPosition(ctx, req)
	if err != nil {
		o.emitter.CloseFailed(ctx, req.UserID, req.PositionID, err)
		return nil, err
	}
	logger := log.With().
		Str("user_id", pos.UserID).
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Logger()

	// manual_required 时只平仍然存在的一腿
	closeLong := pos.Status != model.ArbManualRequired || pos.RemainingLeg != model.PositionShort
	closeShort := pos.Status != model.ArbManualRequired || pos.RemainingLeg != model.PositionLong

	var longClient, shortClient port.TradingClient
	if closeLong {
		longClient, err = o.clients.TradingClient(ctx, pos.UserID, pos.LongExchange)
	}
	if err == nil && closeShort {
		shortClient, err = o.clients.TradingClient(ctx, pos.UserID, pos.ShortExchange)
	}
	if err != nil {
		o.emitter.CloseFailed(ctx, req.UserID, pos.ID, err)
		return nil, err
	}

	prevStatus := pos.Status
	pos.Status = model.ArbClosing
	o.save(ctx, pos)

	// closing_long
	_ = sm.Transition(domain.StepClosingLong)
	o.emitter.CloseProgress(ctx, req.UserID, pos.ID, domain.StepClosingLong, "")
	var longRes *port.OrderResult
	longQty := decimal.Zero
	if closeLong {
		cctx, cancel := o.callContext(ctx)
		longRes, err = longClient.ClosePosition(cctx, pos.Symbol, model.PositionLong, pos.Quantity)
		cancel()
		if err == nil && longRes == nil {
			err = fmt.Errorf("%s returned empty close result", pos.LongExchange)
		}
		if err != nil {
			_ = sm.Transition(domain.StepFailed)
			logger.Error().Str("exchange", string(pos.LongExchange)).Str("step", string(domain.StepClosingLong)).Err(err).
				Msg("close long leg failed")
			pos.Status = prevStatus
			o.save(ctx, pos)
			ferr := model.NewError(model.KindConnectivity, model.CodeCloseFailed,
				fmt.Sprintf("close long leg failed on %s", pos.LongExchange), err).
				WithDetail("exchange", string(pos.LongExchange))
			o.emitter.CloseFailed(ctx, req.UserID, pos.ID, ferr)
			return nil, ferr
		}
		longQty = filledOr(longRes, pos.Quantity)
		o.recordTrade(ctx, pos, pos.LongExchange, model.SideSell, longRes, longQty, "close")
	}

	// closing_short
	_ = sm.Transition(domain.StepClosingShort)
	o.emitter.CloseProgress(ctx, req.UserID, pos.ID, domain.StepClosingShort, "")
	var shortRes *port.OrderResult
	shortQty := decimal.Zero
	if closeShort {
		cctx, cancel := o.callContext(ctx)
		shortRes, err = shortClient.ClosePosition(cctx, pos.Symbol, model.PositionShort, pos.Quantity)
		cancel()
		if err == nil && shortRes == nil {
			err = fmt.Errorf("%s returned empty close result", pos.ShortExchange)
		}
		if err != nil {
			_ = sm.Transition(domain.StepFailed)
			if !closeLong {
				// 只剩空头且仍未平掉，保持原状态
				pos.Status = prevStatus
				o.save(ctx, pos)
				ferr := model.NewError(model.KindConnectivity, model.CodeCloseFailed,
					fmt.Sprintf("close short leg failed on %s", pos.ShortExchange), err).
					WithDetail("exchange", string(pos.ShortExchange))
				o.emitter.CloseFailed(ctx, req.UserID, pos.ID, ferr)
				return nil, ferr
			}
			// 多头已平，空头仍在：需要人工处理
			mi := &model.ManualInterventionError{
				Actions: []model.ManualIntervention{{
					Exchange: pos.ShortExchange,
					Symbol:   pos.Symbol,
					OrderID:  pos.ShortOrderID,
					Side:     model.SideBuy,
					Quantity: pos.Quantity,
				}},
				Cause:       fmt.Errorf("close short leg on %s: %w", pos.ShortExchange, err),
				RollbackErr: err,
			}
			logger.Error().
				Str("exchange", string(pos.ShortExchange)).
				Str("order_id", pos.ShortOrderID).
				Str("side", string(model.SideBuy)).
				Str("quantity", pos.Quantity.String()).
				Str("step", string(domain.StepClosingShort)).
				Err(err).
				Msg("close short leg failed after long leg closed")
			merr := o.requireManual(ctx, pos, model.PositionShort, mi)
			o.emitter.CloseFailed(ctx, req.UserID, pos.ID, merr)
			return nil, merr
		}
		shortQty = filledOr(shortRes, pos.Quantity)
		o.recordTrade(ctx, pos, pos.ShortExchange, model.SideBuy, shortRes, shortQty, "close")
	}

	// calculating_pnl
	_ = sm.Transition(domain.StepCalculatingPnl)
	o.emitter.CloseProgress(ctx, req.UserID, pos.ID, domain.StepCalculatingPnl, "")
	longExit, longFee := exitOf(longRes)
	shortExit, shortFee := exitOf(shortRes)
	pnl := RealizedPnl(pos, longExit, shortExit, longFee.Add(shortFee))

	// completing
	_ = sm.Transition(domain.StepCompleting)
	closedAt := o.now()
	pos.Status = model.ArbClosed
	pos.RemainingLeg = ""
	pos.RealizedPnl = pnl
	pos.ClosedAt = &closedAt
	o.save(ctx, pos)
	_ = sm.Transition(domain.StepDone)

	res := &model.CloseResult{
		PositionID:  pos.ID,
		Long:        closedLeg(pos.LongExchange, model.SideSell, longRes, longQty),
		Short:       closedLeg(pos.ShortExchange, model.SideBuy, shortRes, shortQty),
		RealizedPnl: pnl,
	}
	o.emitter.CloseProgress(ctx, req.UserID, pos.ID, domain.StepDone, "")
	o.emitter.CloseSuccess(ctx, req.UserID, res)
	logger.Info().Str("realized_pnl", pnl.StringFixed(4)).Msg("position closed")
	return res, nil
}

// exitOf 平仓均价和手续费，未平的腿为零
func exitOf(res *port.OrderResult) (decimal.Decimal, decimal.Decimal) {
	if res == nil {
		return decimal.Zero, decimal.Zero
	}
	return res.AvgPrice, res.Fee
}

// closedLeg 本次未操作的腿只带交易所和方向
func closedLeg(ex model.ExchangeID, side model.Side, res *port.OrderResult, qty decimal.Decimal) model.LegResult {
	if res == nil {
		return model.LegResult{Exchange: ex, Side: side}
	}
	return legResult(ex, side, res, qty)
}

func (o *Orchestrator) loadOpenPosition(ctx context.Context, req model.ClosePositionRequest) (*model.ArbitragePosition, error) {
	if o.repo == nil {
		return nil, model.NotFoundError(fmt.Sprintf("position %s not found", req.PositionID))
	}
	pos, err := o.repo.GetPosition(ctx, req.PositionID)
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return nil, err
		}
		return nil, model.InternalError(err)
	}
	if pos.UserID != req.UserID {
		return nil, model.NotFoundError(fmt.Sprintf("position %s not found", req.PositionID))
	}
	if pos.Status != model.ArbOpen && pos.Status != model.ArbManualRequired {
		return nil, model.ValidationError(model.CodeInvalidRequest,
			fmt.Sprintf("position %s is %s, only open positions can be closed", pos.ID, pos.Status)).
			WithDetail("status", string(pos.Status))
	}
	return pos, nil
}

// RealizedPnl 已实现盈亏 = 多头 (平仓价 - 开仓价) * 数量 + 空头 (开仓价 - 平仓价) * 数量 - 手续费
// 平仓价未知时该腿不计价差
func RealizedPnl(pos *model.ArbitragePosition, longExit, shortExit, fees decimal.Decimal) decimal.Decimal {
	pnl := decimal.Zero
	if !longExit.IsZero() && !pos.LongEntryPrice.IsZero() {
		pnl = pnl.Add(longExit.Sub(pos.LongEntryPrice).Mul(pos.Quantity))
	}
	if !shortExit.IsZero() && !pos.ShortEntryPrice.IsZero() {
		pnl = pnl.Add(pos.ShortEntryPrice.Sub(shortExit).Mul(pos.Quantity))
	}
	return pnl.Sub(fees)
}

// BatchClose 顺序平掉多个持仓，单个失败不影响后续
func (o *Orchestrator) BatchClose(ctx context.Context, userID string, positionIDs []string) (*model.BatchCloseResult, error) {
	if userID == "" || len(positionIDs) == 0 {
		return nil, model.ValidationError(model.CodeInvalidRequest, "user id and at least one position id are required")
	}
	out := &model.BatchCloseResult{Total: len(positionIDs), Errors: map[string]string{}}
	for i, id := range positionIDs {
		if err := ctx.Err(); err != nil {
			out.Failed += len(positionIDs) - i
			for _, rest := range positionIDs[i:] {
				out.Errors[rest] = err.Error()
			}
			break
		}
		res, err := o.Close(ctx, model.ClosePositionRequest{UserID: userID, PositionID: id})
		p := BatchProgressPayload{Index: i + 1, Total: len(positionIDs), PositionID: id, Succeeded: err == nil}
		if err != nil {
			out.Failed++
			out.Errors[id] = publicMessage(err)
			p.Error = out.Errors[id]
		} else {
			out.Succeeded++
			out.Results = append(out.Results, res)
		}
		o.emitter.BatchProgress(ctx, userID, p)
	}
	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	o.emitter.BatchComplete(ctx, userID, out)
	log.Info().
		Str("user_id", userID).
		Int("total", out.Total).
		Int("succeeded", out.Succeeded).
		Int("failed", out.Failed).
		Msg("batch close finished")
	return out, nil
}

// publicMessage 对外消息，内部错误不暴露细节
func publicMessage(err error) string {
	if e := toError(err); e != nil && e.Kind != model.KindInternal {
		return e.Message
	}
	if model.KindOf(err) == model.KindConflict {
		return "another operation is in progress"
	}
	return "internal error"
}
