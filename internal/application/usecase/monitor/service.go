package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// Service 行情监控：消费费率批次，刷新控制台并在机会出现/消失时通知
type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	if deps.Sink == nil {
		deps.Sink = noopSink{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.PrintEveryMin <= 0 {
		deps.PrintEveryMin = 5
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.Symbols),
		fmt:  NewFormatter(true),
	}
}

// State 当前监控状态
func (s *Service) State() *State { return s.st }

func (s *Service) Run(ctx context.Context) error {
	if s.deps.Batches == nil {
		return errors.New("no rate batches")
	}

	snapTicker := time.NewTicker(time.Duration(s.deps.PrintEveryMin) * time.Minute)
	defer snapTicker.Stop()

	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case now := <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(now, s.fmt.Render(s.st, RenderSnapshot))

		case batch, ok := <-s.deps.Batches:
			if !ok {
				_ = s.deps.Sink.NewLine()
				return nil
			}
			if s.Apply(ctx, batch) {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
			}
		}
	}
}

// Apply 应用一批费率，返回显示是否变化
func (s *Service) Apply(ctx context.Context, batch []model.MarketRate) bool {
	dirty := false
	for _, rate := range batch {
		changed, tr := s.st.Apply(rate)
		dirty = dirty || changed
		if tr == nil {
			continue
		}
		switch {
		case tr.Entered():
			s.deps.Notifier.Appeared(ctx, rate)
		case tr.Left():
			s.deps.Notifier.Disappeared(ctx, rate)
		default:
			log.Debug().Str("symbol", tr.Symbol).Str("from", string(tr.From)).Str("to", string(tr.To)).
				Msg("market status changed")
		}
	}
	return dirty
}
