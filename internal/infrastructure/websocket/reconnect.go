package websocket

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectConfig 重连退避配置
type ReconnectConfig struct {
	InitialDelay  time.Duration // 初始延迟，默认 1s
	MaxDelay      time.Duration // 最大延迟，默认 30s
	BackoffFactor float64       // 退避倍数，默认 2
	JitterRange   float64       // 抖动比例，默认 0.1
	MaxRetries    int           // 最大重试次数，0 表示不限
}

// DefaultReconnectConfig 默认重连配置
var DefaultReconnectConfig = ReconnectConfig{
	InitialDelay:  1 * time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
	JitterRange:   0.1,
	MaxRetries:    0,
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultReconnectConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultReconnectConfig.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultReconnectConfig.BackoffFactor
	}
	if c.JitterRange < 0 || c.JitterRange >= 1 {
		c.JitterRange = DefaultReconnectConfig.JitterRange
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// ReconnectionManager 指数退避 + 抖动的重连调度器
// 每个适配器实例持有一个，同一时刻最多只有一个待触发的重连定时器
type ReconnectionManager struct {
	mu         sync.Mutex
	cfg        ReconnectConfig
	retryCount int
	timer      *time.Timer
	destroyed  bool
	random     func() float64 // U(0,1)
}

// NewReconnectionManager 创建重连管理器
func NewReconnectionManager(cfg ReconnectConfig) *ReconnectionManager {
	return &ReconnectionManager{cfg: cfg.withDefaults(), random: rand.Float64}
}

// BaseDelay 第 n 次重试的未抖动延迟：min(initial * factor^n, max)
func (m *ReconnectionManager) BaseDelay(n int) time.Duration {
	d := float64(m.cfg.InitialDelay) * math.Pow(m.cfg.BackoffFactor, float64(n))
	if d > float64(m.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return m.cfg.MaxDelay
	}
	return time.Duration(d)
}

// CalculateDelay 当前重试次数对应的延迟，抖动为 delay * (1 ± jitter * U(0,1))
func (m *ReconnectionManager) CalculateDelay() time.Duration {
	m.mu.Lock()
	n := m.retryCount
	m.mu.Unlock()
	return m.jitter(m.BaseDelay(n))
}

func (m *ReconnectionManager) jitter(base time.Duration) time.Duration {
	if m.cfg.JitterRange == 0 {
		return base
	}
	// 2U-1 ∈ (-1, 1)
	f := 1 + m.cfg.JitterRange*(2*m.random()-1)
	return time.Duration(float64(base) * f)
}

// ScheduleReconnect 计算延迟、重试计数加一，并在延迟后调用 cb
// 已有待触发定时器、已达最大次数或已销毁时返回 false
func (m *ReconnectionManager) ScheduleReconnect(cb func()) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || m.timer != nil {
		return 0, false
	}
	if m.cfg.MaxRetries > 0 && m.retryCount >= m.cfg.MaxRetries {
		return 0, false
	}

	delay := m.jitter(m.BaseDelay(m.retryCount))
	m.retryCount++

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer != t || m.destroyed {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()
		cb()
	})
	m.timer = t
	return delay, true
}

// Reset 重连成功后清零重试次数
func (m *ReconnectionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
}

// Cancel 取消待触发的重连
func (m *ReconnectionManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Destroy 取消定时器并拒绝后续调度
func (m *ReconnectionManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// RetryCount 当前重试次数
func (m *ReconnectionManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Pending 是否有待触发的重连
func (m *ReconnectionManager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Exhausted 是否已达最大重试次数
func (m *ReconnectionManager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxRetries > 0 && m.retryCount >= m.cfg.MaxRetries
}
