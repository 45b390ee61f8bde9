package calls

import (
	"context"
	"testing"
	"time"

	"offline-phone/internal/realtime"
)

func newTestService(t *testing.T) (*Service, *MemoryRepo, *realtime.MemoryBus) {
	t.Helper()
	repo := NewMemoryRepo()
	bus := realtime.NewMemoryBus()
	svc := NewService(repo, bus, nil)
	svc.clock = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc, repo, bus
}

func TestDial_CreatesRingingCallWithStoreID(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	incoming, cancel, err := bus.Subscribe(ctx, realtime.Filter{Table: Table, Type: realtime.EventInsert, Key: "5559876543"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	c, err := svc.Dial(ctx, "(555) 123-4560", "alice", "555-987-6543", "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.ID == "" {
		t.Fatalf("expected a store-generated id")
	}
	if c.Status != StatusRinging {
		t.Fatalf("new calls must ring, got %s", c.Status)
	}
	if c.FromNumber != "5551234560" || c.ToNumber != "5559876543" {
		t.Fatalf("numbers not normalized: %+v", c)
	}

	select {
	case e := <-incoming:
		got, err := Decode(e)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != c.ID {
			t.Fatalf("event carries wrong call")
		}
	default:
		t.Fatalf("dial must publish an INSERT keyed by the callee number")
	}
}

func TestDial_RejectsInvalidParties(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Dial(ctx, "xyz", "alice", "5559876543", "bob"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for bad caller, got %v", err)
	}
	if _, err := svc.Dial(ctx, "5551234560", "alice", "", "bob"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for bad callee, got %v", err)
	}
	// Same party on both ends, differently formatted.
	if _, err := svc.Dial(ctx, "5551234560", "alice", "(555) 123-4560", "alice"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for self-dial, got %v", err)
	}
}

func TestLifecycle_AcceptEndTimestamps(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Dial(ctx, "5551234560", "alice", "5559876543", "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c, err = svc.Accept(ctx, c.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c.Status != StatusActive || c.AcceptedAt == nil {
		t.Fatalf("accept must set active + accepted_at, got %+v", c)
	}

	c, err = svc.End(ctx, c.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if c.Status != StatusEnded || c.EndedAt == nil {
		t.Fatalf("end must set ended + ended_at, got %+v", c)
	}
}

func TestSetStatus_TerminalRowsAreSticky(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Dial(ctx, "5551234560", "alice", "5559876543", "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := svc.Reject(ctx, c.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Both parties racing to end: the loser observes the winning state.
	got, err := svc.End(ctx, c.ID)
	if err != nil {
		t.Fatalf("end after reject: %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("terminal status must not be overwritten, got %s", got.Status)
	}
}

func TestForceEndDangling_RestoresInvariant(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	c1, _ := svc.Dial(ctx, "5551234560", "alice", "5559876543", "bob")
	c2, _ := svc.Dial(ctx, "5550000001", "carol", "5551234560", "alice")
	if _, err := svc.Accept(ctx, c2.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// An unrelated live call must survive.
	other, _ := svc.Dial(ctx, "5550000002", "dave", "5550000003", "erin")

	n, err := svc.ForceEndDangling(ctx, "555-123-4560")
	if err != nil {
		t.Fatalf("force-end: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 force-ended calls, got %d", n)
	}
	for _, id := range []string{c1.ID, c2.ID} {
		c, _ := repo.GetByID(ctx, id)
		if c.Status != StatusEnded {
			t.Fatalf("call %s not ended: %s", id, c.Status)
		}
	}
	c, _ := repo.GetByID(ctx, other.ID)
	if c.Status != StatusRinging {
		t.Fatalf("unrelated call must be untouched, got %s", c.Status)
	}

	left, _ := repo.NonTerminalForNumber(ctx, "5551234560")
	if len(left) != 0 {
		t.Fatalf("invariant not restored, %d non-terminal rows left", len(left))
	}
}
