package websocket

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHealthCheckerTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	calls := 0
	h := NewHealthChecker(HealthConfig{CheckInterval: time.Hour, Timeout: 60 * time.Second}, func() { calls++ })
	h.now = clock.Now

	if h.Status().IsHealthy {
		t.Fatal("checker without any message should be unhealthy")
	}

	h.Start()
	defer h.Stop()

	clock.Advance(59 * time.Second)
	if !h.Check() {
		t.Fatal("59s since start should be healthy")
	}

	clock.Advance(2 * time.Second)
	if h.Check() {
		t.Fatal("61s since last message should be unhealthy")
	}
	if calls != 1 {
		t.Fatalf("onUnhealthy calls = %d, want 1", calls)
	}

	h.RecordMessage()
	if !h.Check() {
		t.Fatal("should be healthy right after a message")
	}
	if st := h.Status(); st.SinceLast != 0 {
		t.Fatalf("SinceLast = %v, want 0", st.SinceLast)
	}
}

func TestHealthCheckerLoopFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	h := NewHealthChecker(HealthConfig{CheckInterval: 10 * time.Millisecond, Timeout: 20 * time.Millisecond}, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	h.Start()
	h.Start() // 幂等
	defer h.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback never fired")
	}
}
