package composite

import (
	"context"

	"fundarb/internal/application/port"
)

// Broadcaster 同时推送到多个目标（本地 ws hub、redis 频道）
type Broadcaster struct {
	targets []port.Broadcaster
}

func NewBroadcaster(targets ...port.Broadcaster) *Broadcaster {
	out := make([]port.Broadcaster, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Broadcaster{targets: out}
}

func (b *Broadcaster) Broadcast(ctx context.Context, room, event string, payload []byte) error {
	var firstErr error
	for _, t := range b.targets {
		if err := t.Broadcast(ctx, room, event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Broadcaster = (*Broadcaster)(nil)
