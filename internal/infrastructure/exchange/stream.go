package exchange

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/websocket"
)

// DefaultEventBuffer 私有流事件通道缓冲
const DefaultEventBuffer = 256

// Stream 私有流适配器的公共部分：有序事件通道 + 连接运行器
// 各交易所适配器嵌入它并实现 websocket.StreamHandler
type Stream struct {
	exchange model.ExchangeID

	mu     sync.RWMutex
	runner *websocket.Runner
	events chan model.Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

// NewStream 创建公共流
func NewStream(exchange model.ExchangeID) *Stream {
	return &Stream{
		exchange: exchange,
		events:   make(chan model.Event, DefaultEventBuffer),
		done:     make(chan struct{}),
	}
}

// Exchange 交易所
func (s *Stream) Exchange() model.ExchangeID { return s.exchange }

// Events 按到达顺序的事件通道，Disconnect 后关闭
func (s *Stream) Events() <-chan model.Event { return s.events }

// Start 启动连接运行器，首次连接同步完成
func (s *Stream) Start(ctx context.Context, cfg websocket.RunnerConfig, h websocket.StreamHandler) error {
	if cfg.Name == "" {
		cfg.Name = string(s.exchange)
	}
	r := websocket.NewRunner(cfg, h, s.onState)
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
	return r.Start(ctx)
}

// Runner 当前运行器
func (s *Stream) Runner() *websocket.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// IsConnected 是否已连接
func (s *Stream) IsConnected() bool {
	r := s.Runner()
	return r != nil && r.Connected()
}

// Reconnect 关闭当前连接，由运行器走正常重连路径
func (s *Stream) Reconnect() {
	if r := s.Runner(); r != nil {
		r.ForceReconnect()
	}
}

func (s *Stream) onState(state websocket.RunnerState, err error) {
	switch state {
	case websocket.RunnerConnected:
		s.Emit(model.Event{Kind: model.EventConnected})
	case websocket.RunnerReconnecting:
		s.Emit(model.Event{Kind: model.EventDisconnected, Err: err})
	case websocket.RunnerClosed:
		if err != nil {
			// 重连次数耗尽，流终止
			s.Emit(model.Event{Kind: model.EventError, Err: err})
			go s.Close()
		}
	}
}

// Emit 投递事件；流关闭后丢弃
func (s *Stream) Emit(ev model.Event) {
	if ev.Exchange == "" {
		ev.Exchange = s.exchange
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// EmitError 投递错误事件，不关闭连接
func (s *Stream) EmitError(err error) {
	s.Emit(model.Event{Kind: model.EventError, Err: err})
}

// Close 停止运行器并关闭事件通道，可重复调用
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		if r := s.Runner(); r != nil {
			r.Stop()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
