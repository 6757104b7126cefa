package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/metrics"
)

// ConnectionStatus 用户 × 交易所连接状态
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// StreamFactory 按交易所创建私有流适配器
type StreamFactory func(exchange model.ExchangeID) (port.PrivateStream, error)

// ManagerConfig 管理器配置
type ManagerConfig struct {
	ConnectTimeout time.Duration // 默认 30s
	EventBuffer    int           // 订阅者缓冲，默认 1024
}

type connKey struct {
	userID   string
	exchange model.ExchangeID
}

type inflight struct {
	done chan struct{}
	err  error
}

// PrivateManager 多用户、多交易所私有流管理
// 适配器事件统一打上 userID 后转发给订阅者
type PrivateManager struct {
	factory StreamFactory
	creds   port.CredentialStore
	cfg     ManagerConfig

	mu       sync.Mutex
	adapters map[connKey]port.PrivateStream
	status   map[string]map[model.ExchangeID]ConnectionStatus
	pending  map[connKey]*inflight

	subMu  sync.RWMutex
	subs   map[int]chan model.Event
	nextID int

	done chan struct{}
	once sync.Once
}

// NewPrivateManager 创建私有流管理器
func NewPrivateManager(factory StreamFactory, creds port.CredentialStore, cfg ManagerConfig) *PrivateManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	return &PrivateManager{
		factory:  factory,
		creds:    creds,
		cfg:      cfg,
		adapters: make(map[connKey]port.PrivateStream),
		status:   make(map[string]map[model.ExchangeID]ConnectionStatus),
		pending:  make(map[connKey]*inflight),
		subs:     make(map[int]chan model.Event),
		done:     make(chan struct{}),
	}
}

// Subscribe 订阅全部用户事件，返回取消函数
func (m *PrivateManager) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, m.cfg.EventBuffer)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// ConnectUser 建立 (user, exchange) 私有连接；已连接时直接返回，
// 并发的重复调用等待同一次连接结果；超时后状态回到 disconnected
func (m *PrivateManager) ConnectUser(ctx context.Context, userID string, exchange model.ExchangeID) error {
	key := connKey{userID: userID, exchange: exchange}

	m.mu.Lock()
	if a, ok := m.adapters[key]; ok && a.IsConnected() {
		m.mu.Unlock()
		return nil
	}
	if p, ok := m.pending[key]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &inflight{done: make(chan struct{})}
	m.pending[key] = p
	stale := m.adapters[key]
	delete(m.adapters, key)
	m.setStatusLocked(userID, exchange, StatusConnecting)
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Disconnect()
	}

	err := m.connect(ctx, key)

	m.mu.Lock()
	delete(m.pending, key)
	if err != nil {
		m.setStatusLocked(userID, exchange, StatusDisconnected)
	}
	m.mu.Unlock()

	p.err = err
	close(p.done)
	return err
}

func (m *PrivateManager) connect(ctx context.Context, key connKey) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	cred, err := m.creds.GetDecryptedAPIKey(cctx, key.userID, key.exchange)
	if err != nil {
		return err
	}
	adapter, err := m.factory(key.exchange)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	go func() { result <- adapter.Connect(cctx, cred) }()

	select {
	case err = <-result:
	case <-cctx.Done():
		// 释放可能已建立一半的连接
		_ = adapter.Disconnect()
		log.Warn().
			Str("user_id", key.userID).
			Str("exchange", string(key.exchange)).
			Dur("timeout", m.cfg.ConnectTimeout).
			Msg("private stream connect timed out")
		return &model.ConnectError{Exchange: key.exchange, Err: fmt.Errorf("connect timeout: %w", cctx.Err())}
	}
	if err != nil {
		_ = adapter.Disconnect()
		log.Error().
			Str("user_id", key.userID).
			Str("exchange", string(key.exchange)).
			Err(err).
			Msg("private stream connect failed")
		return err
	}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		_ = adapter.Disconnect()
		return errors.New("private manager closed")
	default:
	}
	m.adapters[key] = adapter
	m.setStatusLocked(key.userID, key.exchange, StatusConnected)
	m.mu.Unlock()

	go m.forward(key, adapter)

	log.Info().
		Str("user_id", key.userID).
		Str("exchange", string(key.exchange)).
		Msg("private stream connected")
	return nil
}

// forward 按到达顺序转发单个适配器事件并维护状态矩阵
func (m *PrivateManager) forward(key connKey, adapter port.PrivateStream) {
	for ev := range adapter.Events() {
		ev.UserID = key.userID
		if ev.Exchange == "" {
			ev.Exchange = key.exchange
		}

		switch ev.Kind {
		case model.EventConnected:
			m.updateIfCurrent(key, adapter, StatusConnected)
		case model.EventDisconnected:
			m.updateIfCurrent(key, adapter, StatusReconnecting)
		}

		m.publish(ev)
	}
	m.updateIfCurrent(key, adapter, StatusDisconnected)
}

func (m *PrivateManager) updateIfCurrent(key connKey, adapter port.PrivateStream, st ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapters[key] != adapter {
		return
	}
	m.setStatusLocked(key.userID, key.exchange, st)
	if st == StatusDisconnected {
		delete(m.adapters, key)
	}
}

func (m *PrivateManager) publish(ev model.Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		case <-m.done:
			return
		}
	}
}

// setStatusLocked 调用方持有 m.mu
func (m *PrivateManager) setStatusLocked(userID string, exchange model.ExchangeID, st ConnectionStatus) {
	byEx := m.status[userID]
	if byEx == nil {
		byEx = make(map[model.ExchangeID]ConnectionStatus)
		m.status[userID] = byEx
	}
	if old, ok := byEx[exchange]; ok {
		metrics.WSConnections.WithLabelValues(string(exchange), string(old)).Dec()
	}
	byEx[exchange] = st
	metrics.WSConnections.WithLabelValues(string(exchange), string(st)).Inc()
}

// DisconnectUser 断开单个交易所
func (m *PrivateManager) DisconnectUser(userID string, exchange model.ExchangeID) error {
	key := connKey{userID: userID, exchange: exchange}
	m.mu.Lock()
	adapter := m.adapters[key]
	delete(m.adapters, key)
	if _, ok := m.status[userID][exchange]; ok {
		m.setStatusLocked(userID, exchange, StatusDisconnected)
	}
	m.mu.Unlock()

	if adapter == nil {
		return nil
	}
	if err := adapter.Disconnect(); err != nil {
		return fmt.Errorf("%s disconnect: %w", exchange, err)
	}
	return nil
}

// DisconnectAllForUser 等待所有交易所断开（单个失败不影响其他），之后移除该用户状态记录
func (m *PrivateManager) DisconnectAllForUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	exchanges := make([]model.ExchangeID, 0, len(m.status[userID]))
	for ex := range m.status[userID] {
		exchanges = append(exchanges, ex)
	}
	m.mu.Unlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, ex := range exchanges {
		ex := ex
		g.Go(func() error {
			if err := m.DisconnectUser(userID, ex); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		<-waited
	}

	m.mu.Lock()
	for ex, st := range m.status[userID] {
		metrics.WSConnections.WithLabelValues(string(ex), string(st)).Dec()
	}
	delete(m.status, userID)
	m.mu.Unlock()

	if len(errs) > 0 {
		log.Warn().Str("user_id", userID).Int("failures", len(errs)).Msg("some private streams failed to disconnect")
	}
	return errors.Join(errs...)
}

// Status 单个连接状态
func (m *PrivateManager) Status(userID string, exchange model.ExchangeID) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[userID][exchange]; ok {
		return st
	}
	return StatusDisconnected
}

// UserStatus 用户所有交易所状态（副本）
func (m *PrivateManager) UserStatus(userID string) map[model.ExchangeID]ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ExchangeID]ConnectionStatus, len(m.status[userID]))
	for ex, st := range m.status[userID] {
		out[ex] = st
	}
	return out
}

// Users 有状态记录的用户
func (m *PrivateManager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.status))
	for u := range m.status {
		out = append(out, u)
	}
	return out
}

// Reset 断开全部连接并清空状态（测试隔离）
func (m *PrivateManager) Reset(ctx context.Context) {
	for _, u := range m.Users() {
		if err := m.DisconnectAllForUser(ctx, u); err != nil {
			log.Warn().Str("user_id", u).Err(err).Msg("reset disconnect failed")
		}
	}
}

// Close 断开全部连接并停止转发
func (m *PrivateManager) Close() error {
	m.Reset(context.Background())
	m.once.Do(func() { close(m.done) })
	return nil
}
