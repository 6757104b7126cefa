package composite

import (
	"context"
	"errors"
	"testing"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage/memory"
)

type failingRepo struct {
	*memory.Repo
}

func (failingRepo) SavePosition(context.Context, *model.ArbitragePosition) error {
	return errors.New("disk full")
}

func TestRepoFansOutWrites(t *testing.T) {
	a, b := memory.New(), memory.New()
	r := New(a, nil, failingRepo{b}, b)
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	ctx := context.Background()

	err := r.SavePosition(ctx, &model.ArbitragePosition{ID: "p1", UserID: "u1", Status: model.ArbOpen})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("err = %v, want first error", err)
	}
	if _, err := a.GetPosition(ctx, "p1"); err != nil {
		t.Fatalf("first repo missing write: %v", err)
	}
	if _, err := b.GetPosition(ctx, "p1"); err != nil {
		t.Fatalf("last repo missing write: %v", err)
	}
	open, _ := r.ListOpenPositions(ctx, "u1")
	if len(open) != 1 {
		t.Fatalf("open = %v", open)
	}
}

func TestEmptyRepo(t *testing.T) {
	r := New()
	if _, err := r.GetPosition(context.Background(), "x"); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("err = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type recorder struct {
	rooms []string
	err   error
}

func (r *recorder) Broadcast(_ context.Context, room, _ string, _ []byte) error {
	r.rooms = append(r.rooms, room)
	return r.err
}

func TestBroadcasterFanOut(t *testing.T) {
	a, b := &recorder{err: errors.New("closed")}, &recorder{}
	bc := NewBroadcaster(a, nil, b)
	if err := bc.Broadcast(context.Background(), "user:u1", "batch:close:progress", nil); err == nil {
		t.Fatalf("expected first error")
	}
	if len(a.rooms) != 1 || len(b.rooms) != 1 {
		t.Fatalf("fan out = %v %v", a.rooms, b.rooms)
	}
}
