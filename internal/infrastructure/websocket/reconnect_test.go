package websocket

import (
	"testing"
	"time"
)

func TestBaseDelayMonotoneAndCapped(t *testing.T) {
	m := NewReconnectionManager(ReconnectConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterRange:   0.1,
	})

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	prev := time.Duration(0)
	for n, w := range want {
		got := m.BaseDelay(n)
		if got != w*time.Second {
			t.Errorf("BaseDelay(%d) = %v, want %v", n, got, w*time.Second)
		}
		if got < prev {
			t.Errorf("BaseDelay(%d) decreased: %v < %v", n, got, prev)
		}
		prev = got
	}

	// 溢出保护
	if got := m.BaseDelay(10000); got != 30*time.Second {
		t.Errorf("BaseDelay(10000) = %v, want cap", got)
	}
}

func TestJitterBounds(t *testing.T) {
	m := NewReconnectionManager(ReconnectConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterRange:   0.1,
	})
	max := 33 * time.Second // MaxDelay + 10% 抖动
	for i := 0; i < 200; i++ {
		m.retryCount = i % 12
		d := m.CalculateDelay()
		if d <= 0 || d > max {
			t.Fatalf("delay %v out of bounds (0, %v]", d, max)
		}
	}
}

func TestDeterministicJitterIsMonotone(t *testing.T) {
	m := NewReconnectionManager(DefaultReconnectConfig)
	m.random = func() float64 { return 0.5 } // 抖动因子恰为 1

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		m.retryCount = i
		d := m.CalculateDelay()
		if d < prev {
			t.Fatalf("retry %d: delay %v < previous %v", i, d, prev)
		}
		prev = d
	}
	if prev != 30*time.Second {
		t.Fatalf("final delay = %v, want 30s", prev)
	}
}

func TestScheduleReconnectSingleTimer(t *testing.T) {
	m := NewReconnectionManager(ReconnectConfig{InitialDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	fired := make(chan struct{}, 4)

	if _, ok := m.ScheduleReconnect(func() { fired <- struct{}{} }); !ok {
		t.Fatal("first schedule should succeed")
	}
	if _, ok := m.ScheduleReconnect(func() { fired <- struct{}{} }); ok {
		t.Fatal("second schedule while pending should be rejected")
	}
	if m.RetryCount() != 1 {
		t.Fatalf("retry count = %d, want 1", m.RetryCount())
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback not fired")
	}
	select {
	case <-fired:
		t.Fatal("callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	if m.Pending() {
		t.Fatal("timer should be cleared after firing")
	}

	m.Reset()
	if m.RetryCount() != 0 {
		t.Fatalf("retry count after reset = %d", m.RetryCount())
	}
}

func TestScheduleReconnectMaxRetries(t *testing.T) {
	m := NewReconnectionManager(ReconnectConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxRetries: 2})
	for i := 0; i < 2; i++ {
		if _, ok := m.ScheduleReconnect(func() {}); !ok {
			t.Fatalf("schedule %d should succeed", i)
		}
		m.Cancel()
	}
	if _, ok := m.ScheduleReconnect(func() {}); ok {
		t.Fatal("schedule beyond max retries should fail")
	}
	if !m.Exhausted() {
		t.Fatal("manager should report exhausted")
	}
}

func TestDestroyCancelsPending(t *testing.T) {
	m := NewReconnectionManager(ReconnectConfig{InitialDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	fired := make(chan struct{}, 1)
	m.ScheduleReconnect(func() { fired <- struct{}{} })
	m.Destroy()

	select {
	case <-fired:
		t.Fatal("callback fired after destroy")
	case <-time.After(60 * time.Millisecond):
	}
	if _, ok := m.ScheduleReconnect(func() {}); ok {
		t.Fatal("schedule after destroy should fail")
	}
}
