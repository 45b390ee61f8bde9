package presence

import (
	"context"
	"testing"
	"time"

	"offline-phone/internal/realtime"
)

func newTestService(repo Repository, now time.Time) *Service {
	s := NewService(repo, realtime.NewMemoryBus(), nil, 30*time.Second)
	s.clock = func() time.Time { return now }
	return s
}

func TestRegister_NormalizesAndValidates(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, now)

	u, err := svc.Register(context.Background(), "(555) 123-4560", "alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.PhoneNumber != "5551234560" {
		t.Fatalf("expected normalized number, got %q", u.PhoneNumber)
	}
	if !u.Online {
		t.Fatalf("registration must mark the identity online")
	}

	if _, err := svc.Register(context.Background(), "---", "alice"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty number, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "5551234560", ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty username, got %v", err)
	}
}

func TestIsOnline_UnknownUserIsOffline(t *testing.T) {
	svc := newTestService(NewMemoryRepo(), time.Now())
	online, err := svc.IsOnline(context.Background(), "5559876543")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if online {
		t.Fatalf("unknown user must be offline")
	}
}

func TestIsOnline_StaleHeartbeatCountsAsOffline(t *testing.T) {
	repo := NewMemoryRepo()
	registeredAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(repo, registeredAt)

	if _, err := svc.Register(context.Background(), "5559876543", "bob"); err != nil {
		t.Fatalf("register: %v", err)
	}

	online, err := svc.IsOnline(context.Background(), "555-987-6543")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if !online {
		t.Fatalf("fresh registration must read online")
	}

	// Advance past the stale threshold without a heartbeat. The online
	// flag still says true, but the row no longer counts.
	svc.clock = func() time.Time { return registeredAt.Add(5 * time.Minute) }
	online, err = svc.IsOnline(context.Background(), "5559876543")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if online {
		t.Fatalf("stale last_seen must count as offline")
	}
}

func TestMarkOffline_PublishesChange(t *testing.T) {
	repo := NewMemoryRepo()
	bus := realtime.NewMemoryBus()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, bus, nil, 30*time.Second)
	svc.clock = func() time.Time { return now }

	ctx := context.Background()
	if _, err := svc.Register(ctx, "5551234560", "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ch, cancel, err := svc.SubscribeChanges(ctx, "5551234560")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	svc.MarkOffline(ctx, "5551234560")

	select {
	case e := <-ch:
		if e.Key != "5551234560" || e.Type != realtime.EventUpdate {
			t.Fatalf("unexpected event %+v", e)
		}
	default:
		t.Fatalf("expected a presence change event")
	}

	u, err := repo.Get(ctx, "5551234560")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Online {
		t.Fatalf("expected offline after MarkOffline")
	}
}
