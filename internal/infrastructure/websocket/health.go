package websocket

import (
	"sync"
	"time"
)

// HealthConfig 心跳检测配置
type HealthConfig struct {
	CheckInterval time.Duration // 默认 30s
	Timeout       time.Duration // 默认 60s
}

// DefaultHealthConfig 默认配置
var DefaultHealthConfig = HealthConfig{
	CheckInterval: 30 * time.Second,
	Timeout:       60 * time.Second,
}

// HealthStatus 健康状态快照
type HealthStatus struct {
	IsHealthy       bool
	LastMessageTime time.Time
	SinceLast       time.Duration
}

// HealthChecker 连接存活检测：超过 Timeout 没有任何入站帧即判定不健康
type HealthChecker struct {
	mu          sync.Mutex
	cfg         HealthConfig
	lastMessage time.Time
	onUnhealthy func()
	now         func() time.Time
	stop        chan struct{}
	running     bool
}

// NewHealthChecker 创建健康检测器
func NewHealthChecker(cfg HealthConfig, onUnhealthy func()) *HealthChecker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultHealthConfig.CheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthConfig.Timeout
	}
	return &HealthChecker{cfg: cfg, onUnhealthy: onUnhealthy, now: time.Now}
}

// Start 启动周期检查，重复调用无副作用
func (h *HealthChecker) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.lastMessage = h.now()
	h.stop = make(chan struct{})
	go h.loop(h.stop)
}

func (h *HealthChecker) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check 立即评估一次，不健康时触发回调
func (h *HealthChecker) Check() bool {
	st := h.Status()
	if !st.IsHealthy && h.onUnhealthy != nil {
		h.onUnhealthy()
	}
	return st.IsHealthy
}

// Stop 停止检查
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stop)
}

// RecordMessage 每个入站帧都要调用（包括 ping/pong 文本与控制帧）
func (h *HealthChecker) RecordMessage() {
	h.mu.Lock()
	h.lastMessage = h.now()
	h.mu.Unlock()
}

// Status 当前状态
func (h *HealthChecker) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	since := h.now().Sub(h.lastMessage)
	return HealthStatus{
		IsHealthy:       !h.lastMessage.IsZero() && since < h.cfg.Timeout,
		LastMessageTime: h.lastMessage,
		SinceLast:       since,
	}
}
