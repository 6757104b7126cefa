package monitor

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
)

type noopNotifier struct{}

func (noopNotifier) Appeared(context.Context, model.MarketRate) bool    { return false }
func (noopNotifier) Disappeared(context.Context, model.MarketRate) bool { return false }

type noopSink struct{}

func (noopSink) WriteLive(string) error                { return nil }
func (noopSink) WriteSnapshot(time.Time, string) error { return nil }
func (noopSink) NewLine() error                        { return nil }
