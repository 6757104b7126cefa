package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ListenKeyAPI 交易所 listenKey REST 接口（Binance / BingX）
type ListenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// SessionStatus listenKey 状态
type SessionStatus string

const (
	SessionInactive SessionStatus = "inactive"
	SessionCreating SessionStatus = "creating"
	SessionActive   SessionStatus = "active"
	SessionRenewing SessionStatus = "renewing"
	SessionExpired  SessionStatus = "expired"
)

// SessionConfig listenKey 续期配置
type SessionConfig struct {
	RenewInterval time.Duration // 默认 30m（60m 过期）
	MaxRetries    int           // 续期重试次数，默认 3
	RetryInterval time.Duration // 固定重试间隔，默认 5s
	CallTimeout   time.Duration // 单次 REST 超时，默认 10s
}

// DefaultSessionConfig 默认配置
var DefaultSessionConfig = SessionConfig{
	RenewInterval: 30 * time.Minute,
	MaxRetries:    3,
	RetryInterval: 5 * time.Second,
	CallTimeout:   10 * time.Second,
}

// Session listenKey 快照
type Session struct {
	Key           string
	CreatedAt     time.Time
	LastRenewedAt time.Time
	Status        SessionStatus
}

// ErrSessionDestroyed 管理器已销毁
var ErrSessionDestroyed = errors.New("listen key manager destroyed")

// ListenKeyManager 负责 listenKey 的创建、定时续期和失败后重建
// 同一时刻最多一个续期定时器；销毁后进行中的请求返回也不会修改状态
type ListenKeyManager struct {
	name string
	api  ListenKeyAPI
	cfg  SessionConfig

	mu         sync.Mutex
	session    Session
	timer      *time.Timer
	generation uint64
	destroyed  bool
	done       chan struct{}

	// onRecreated 续期彻底失败并重建后调用，调用方据此用新 key 重连
	onRecreated func(newKey string)
}

// NewListenKeyManager 创建 listenKey 管理器
func NewListenKeyManager(name string, api ListenKeyAPI, cfg SessionConfig, onRecreated func(string)) *ListenKeyManager {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultSessionConfig.RenewInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultSessionConfig.MaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultSessionConfig.RetryInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultSessionConfig.CallTimeout
	}
	return &ListenKeyManager{
		name:        name,
		api:         api,
		cfg:         cfg,
		session:     Session{Status: SessionInactive},
		done:        make(chan struct{}),
		onRecreated: onRecreated,
	}
}

// Create 创建新的 listenKey 并启动续期定时器
func (m *ListenKeyManager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return "", ErrSessionDestroyed
	}
	m.session.Status = SessionCreating
	gen := m.generation
	m.mu.Unlock()

	key, err := m.api.CreateListenKey(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || gen != m.generation {
		return "", ErrSessionDestroyed
	}
	if err != nil {
		m.session.Status = SessionInactive
		return "", fmt.Errorf("%s create listen key: %w", m.name, err)
	}
	now := time.Now()
	m.session = Session{Key: key, CreatedAt: now, LastRenewedAt: now, Status: SessionActive}
	m.generation++
	m.scheduleLocked()
	return key, nil
}

// Key 当前 listenKey
func (m *ListenKeyManager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Key
}

// Session 当前快照
func (m *ListenKeyManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// MarkExpired 收到 listenKeyExpired 推送时调用，随后应 Recreate
func (m *ListenKeyManager) MarkExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.session.Status = SessionExpired
	m.stopTimerLocked()
}

// scheduleLocked 重新布置续期定时器（先停旧的）
func (m *ListenKeyManager) scheduleLocked() {
	m.stopTimerLocked()
	gen := m.generation
	m.timer = time.AfterFunc(m.cfg.RenewInterval, func() { m.renew(gen) })
}

func (m *ListenKeyManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// renew 带固定间隔重试的续期，全部失败后重建
func (m *ListenKeyManager) renew(gen uint64) {
	m.mu.Lock()
	if m.destroyed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	key := m.session.Key
	m.session.Status = SessionRenewing
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
		lastErr = m.api.KeepAliveListenKey(ctx, key)
		cancel()

		m.mu.Lock()
		if m.destroyed || gen != m.generation {
			m.mu.Unlock()
			return
		}
		if lastErr == nil {
			m.session.LastRenewedAt = time.Now()
			m.session.Status = SessionActive
			m.scheduleLocked()
			m.mu.Unlock()
			log.Debug().Str("exchange", m.name).Msg("listen key renewed")
			return
		}
		m.mu.Unlock()

		log.Warn().
			Str("exchange", m.name).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("listen key renewal failed")

		if attempt < m.cfg.MaxRetries {
			select {
			case <-m.done:
				return
			case <-time.After(m.cfg.RetryInterval):
			}
		}
	}

	log.Error().Str("exchange", m.name).Err(lastErr).Msg("listen key renewal exhausted, recreating")
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.Recreate(ctx); err != nil && !errors.Is(err, ErrSessionDestroyed) {
		log.Error().Str("exchange", m.name).Err(err).Msg("listen key recreation failed")
	}
}

// Recreate 关闭旧 key 并创建新 key，成功后通知调用方重连
func (m *ListenKeyManager) Recreate(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return "", ErrSessionDestroyed
	}
	old := m.session.Key
	m.stopTimerLocked()
	m.generation++
	m.mu.Unlock()

	if old != "" {
		if err := m.api.CloseListenKey(ctx, old); err != nil {
			log.Debug().Str("exchange", m.name).Err(err).Msg("close stale listen key failed")
		}
	}

	key, err := m.Create(ctx)
	if err != nil {
		return "", err
	}
	if m.onRecreated != nil {
		m.onRecreated(key)
	}
	return key, nil
}

// Destroy 停止续期并尽力关闭 key；进行中的请求完成后不会恢复状态
func (m *ListenKeyManager) Destroy(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.generation++
	m.stopTimerLocked()
	close(m.done)
	key := m.session.Key
	m.session = Session{Status: SessionInactive}
	m.mu.Unlock()

	if key != "" {
		if err := m.api.CloseListenKey(ctx, key); err != nil {
			log.Debug().Str("exchange", m.name).Err(err).Msg("close listen key failed")
		}
	}
}

// TimerActive 是否存在续期定时器
func (m *ListenKeyManager) TimerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}
