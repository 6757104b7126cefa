package service

import (
	"context"
	"sync"
	"testing"
	"time"
)

type opLog struct {
	mu   sync.Mutex
	runs []string
}

func (l *opLog) op(v string) func(context.Context) error {
	return func(context.Context) error {
		l.mu.Lock()
		l.runs = append(l.runs, v)
		l.mu.Unlock()
		return nil
	}
}

func (l *opLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.runs...)
}

func TestPersistThrottleKeepsLastWrite(t *testing.T) {
	th := NewPersistThrottle(30 * time.Millisecond)
	l := &opLog{}
	th.Submit("a", l.op("a1"))
	th.Submit("a", l.op("a2"))
	th.Submit("b", l.op("b1"))
	if th.Pending() != 2 {
		t.Fatalf("pending = %d", th.Pending())
	}

	deadline := time.Now().Add(2 * time.Second)
	for th.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	th.Flush()

	runs := l.get()
	if len(runs) != 2 {
		t.Fatalf("runs = %v", runs)
	}
	for _, r := range runs {
		if r == "a1" {
			t.Fatalf("overwritten write executed: %v", runs)
		}
	}
}

func TestPersistThrottleFlush(t *testing.T) {
	th := NewPersistThrottle(time.Hour)
	l := &opLog{}
	th.Submit("a", l.op("a1"))
	th.Flush()
	if runs := l.get(); len(runs) != 1 || runs[0] != "a1" {
		t.Fatalf("runs after flush = %v", runs)
	}

	th.Submit("a", l.op("a2"))
	th.Flush()
	if runs := l.get(); len(runs) != 1 {
		t.Fatalf("write accepted after flush: %v", runs)
	}
}
