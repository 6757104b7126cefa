package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage/memory"
)

type streamSink struct {
	mu      sync.Mutex
	entries []*model.NotificationLog
}

func (s *streamSink) AppendNotification(_ context.Context, n *model.NotificationLog) error {
	s.mu.Lock()
	s.entries = append(s.entries, n)
	s.mu.Unlock()
	return nil
}

func TestOpportunityNotifierDebounce(t *testing.T) {
	rec := &recorder{}
	repo := memory.New()
	stream := &streamSink{}
	n := NewOpportunityNotifier(30*time.Second, rec, repo, stream)
	now := time.Unix(1_700_000_000, 0)
	n.now = func() time.Time { return now }

	rate := model.MarketRate{
		Symbol: "BTCUSDT",
		Status: model.StatusOpportunity,
		BestPair: &model.BestArbitragePair{
			LongExchange:     model.ExchangeBinance,
			ShortExchange:    model.ExchangeOKX,
			AnnualizedReturn: 1084.05,
		},
	}
	ctx := context.Background()
	if !n.Appeared(ctx, rate) {
		t.Fatalf("first notification suppressed")
	}
	now = now.Add(10 * time.Second)
	if n.Appeared(ctx, rate) {
		t.Fatalf("notification inside window delivered")
	}
	other := rate
	other.Symbol = "ETHUSDT"
	if !n.Appeared(ctx, other) {
		t.Fatalf("debounce must be per symbol")
	}
	if !n.Disappeared(ctx, rate) {
		t.Fatalf("disappeared notification suppressed")
	}
	now = now.Add(25 * time.Second)
	if !n.Appeared(ctx, rate) {
		t.Fatalf("notification after window suppressed")
	}

	if got := len(rec.events(MarketRoom)); got != 4 {
		t.Fatalf("market pushes = %d, want 4", got)
	}
	logs := repo.Notifications()
	if len(logs) != 4 || logs[0].Type != NotifyOpportunityAppeared || logs[0].Symbol != "BTCUSDT" {
		t.Fatalf("logs = %+v", logs)
	}
	if len(stream.entries) != 4 {
		t.Fatalf("stream entries = %d", len(stream.entries))
	}

	n.Reset()
	if !n.Appeared(ctx, rate) {
		t.Fatalf("reset did not clear debounce state")
	}
}

func TestOpportunityNotifierWithoutSinks(t *testing.T) {
	n := NewOpportunityNotifier(0, nil, nil, nil)
	if !n.Appeared(context.Background(), model.MarketRate{Symbol: "BTCUSDT"}) {
		t.Fatalf("delivery without sinks should still count")
	}
}
