package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundarb/internal/infrastructure/metrics"
)

// Conn 带写锁的连接包装（gorilla 连接只允许一个并发写）
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// WriteJSON 发送 JSON 帧
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// WriteText 发送文本帧（如 "ping" / "Pong"）
func (c *Conn) WriteText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// ReadFrame 同步读取一帧（仅用于握手阶段，读循环启动前）
func (c *Conn) ReadFrame(timeout time.Duration) (int, []byte, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	return c.ws.ReadMessage()
}

func (c *Conn) writeControl(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(msgType, data, time.Now().Add(5*time.Second))
}

// WritePing 发送 ping 控制帧
func (c *Conn) WritePing() error {
	return c.writeControl(websocket.PingMessage, nil)
}

// Close 关闭底层连接
func (c *Conn) Close() error { return c.ws.Close() }

// StreamHandler 交易所相关的连接细节
type StreamHandler interface {
	// Endpoint 每次（重）连前调用，返回连接地址
	Endpoint(ctx context.Context) (string, http.Header, error)
	// OnOpen 连接建立后、读循环启动前调用（登录、订阅），认证失败返回 *model.ConnectError
	OnOpen(ctx context.Context, c *Conn) error
	// OnMessage 读循环中按到达顺序逐帧调用
	OnMessage(c *Conn, msgType int, data []byte)
	// Ping 每个 PingInterval 调用一次，控制帧用 c.WritePing，文本心跳用 c.WriteText
	Ping(c *Conn) error
}

// RunnerConfig 连接参数
type RunnerConfig struct {
	Name           string
	ConnectTimeout time.Duration // 默认 30s
	PingInterval   time.Duration // 默认 20s
	Reconnect      ReconnectConfig
	Health         HealthConfig
}

// StateListener 连接状态变化回调
type StateListener func(state RunnerState, err error)

// RunnerState 连接状态
type RunnerState string

const (
	RunnerConnected    RunnerState = "connected"
	RunnerReconnecting RunnerState = "reconnecting"
	RunnerClosed       RunnerState = "closed"
)

// Runner 单条私有流的连接生命周期：拨号、读循环、心跳、健康检查、断线重连
type Runner struct {
	cfg       RunnerConfig
	handler   StreamHandler
	reconnect *ReconnectionManager
	health    *HealthChecker
	onState   StateListener

	mu      sync.Mutex
	conn    *Conn
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewRunner 创建连接运行器
func NewRunner(cfg RunnerConfig, handler StreamHandler, onState StateListener) *Runner {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	r := &Runner{
		cfg:       cfg,
		handler:   handler,
		reconnect: NewReconnectionManager(cfg.Reconnect),
		onState:   onState,
	}
	r.health = NewHealthChecker(cfg.Health, r.onUnhealthy)
	return r
}

// Start 首次连接（同步），成功后后台维护连接
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	conn, err := r.dial(cctx)
	if err != nil {
		r.Stop()
		return err
	}
	r.attach(conn)
	return nil
}

func (r *Runner) dial(ctx context.Context) (*Conn, error) {
	endpoint, header, err := r.handler.Endpoint(ctx)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout:  r.cfg.ConnectTimeout,
		EnableCompression: true,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: http %d: %w", r.cfg.Name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", r.cfg.Name, err)
	}
	conn := &Conn{ws: ws}
	if err := r.handler.OnOpen(ctx, conn); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}

func (r *Runner) attach(conn *Conn) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	ctx := r.ctx
	r.mu.Unlock()

	r.reconnect.Reset()
	r.health.Start()
	metrics.WSConnects.WithLabelValues(r.cfg.Name).Inc()
	log.Info().Str("stream", r.cfg.Name).Msg("ws connected")
	r.notify(RunnerConnected, nil)

	go r.serve(ctx, conn)
}

// serve 读循环，服务端关闭（读错误）是唯一的重连触发点
func (r *Runner) serve(ctx context.Context, conn *Conn) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Time{})
	ws.SetPingHandler(func(appData string) error {
		r.health.RecordMessage()
		return conn.writeControl(websocket.PongMessage, []byte(appData))
	})
	ws.SetPongHandler(func(string) error {
		r.health.RecordMessage()
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			msgType, b, err := ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			r.health.RecordMessage()
			r.handler.OnMessage(conn, msgType, b)
		}
	}()

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-errCh
			return
		case err = <-errCh:
			break loop
		case <-pingTicker.C:
			if perr := r.handler.Ping(conn); perr != nil {
				log.Debug().Str("stream", r.cfg.Name).Err(perr).Msg("ws ping failed")
			}
		}
	}

	_ = conn.Close()
	r.health.Stop()

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	log.Warn().Str("stream", r.cfg.Name).Err(err).Msg("ws disconnected, reconnecting")
	r.notify(RunnerReconnecting, err)
	r.scheduleReconnect()
}

func (r *Runner) scheduleReconnect() {
	delay, ok := r.reconnect.ScheduleReconnect(r.reconnectOnce)
	if !ok {
		if r.reconnect.Exhausted() {
			log.Error().Str("stream", r.cfg.Name).Msg("ws reconnect retries exhausted")
			r.notify(RunnerClosed, errors.New("reconnect retries exhausted"))
		}
		return
	}
	metrics.WSReconnects.WithLabelValues(r.cfg.Name).Inc()
	log.Info().
		Str("stream", r.cfg.Name).
		Int("attempt", r.reconnect.RetryCount()).
		Int64("delay_ms", delay.Milliseconds()).
		Msg("ws reconnect scheduled")
}

func (r *Runner) reconnectOnce() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	conn, err := r.dial(cctx)
	cancel()
	if err != nil {
		log.Error().Str("stream", r.cfg.Name).Err(err).Msg("ws reconnect failed")
		r.scheduleReconnect()
		return
	}
	r.attach(conn)
}

// onUnhealthy 超时未收到任何帧，强制关闭连接走正常重连路径
func (r *Runner) onUnhealthy() {
	log.Warn().Str("stream", r.cfg.Name).Msg("ws unhealthy, forcing reconnect")
	r.ForceReconnect()
}

// ForceReconnect 关闭当前连接，读循环退出后自动重连
func (r *Runner) ForceReconnect() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected 当前是否已连接
func (r *Runner) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.stopped
}

// Conn 当前连接（可能为 nil）
func (r *Runner) Conn() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Health 健康状态
func (r *Runner) Health() HealthStatus { return r.health.Status() }

// Stop 停止重连、关闭连接
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	conn := r.conn
	r.conn = nil
	cancel := r.cancel
	r.mu.Unlock()

	r.reconnect.Destroy()
	r.health.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	r.notify(RunnerClosed, nil)
}

func (r *Runner) notify(state RunnerState, err error) {
	if r.onState != nil {
		r.onState(state, err)
	}
}
