package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"offline-phone/internal/identity"
	"offline-phone/internal/realtime"
)

var (
	ErrNotFound        = errors.New("presence: user not found")
	ErrInvalidArgument = errors.New("presence: invalid argument")
)

// Repository is the persistence contract for user presence rows.
type Repository interface {
	Upsert(ctx context.Context, u User) error
	SetOnline(ctx context.Context, phoneNumber string, online bool, at time.Time) error
	Get(ctx context.Context, phoneNumber string) (User, error)
	ListOnline(ctx context.Context, notBefore time.Time) ([]User, error)
}

// Service tracks which peer identities are reachable.
//
// Presence writes are best-effort: a failed heartbeat is logged and retried
// on the next tick, never surfaced to the call flow.
type Service struct {
	repo Repository
	bus  realtime.Bus
	log  *slog.Logger

	heartbeatInterval time.Duration
	// staleAfter caps how long a missed-heartbeat row still counts as
	// online. Guards against clients that crashed without the explicit
	// offline write.
	staleAfter time.Duration

	clock func() time.Time
}

func NewService(repo Repository, bus realtime.Bus, log *slog.Logger, heartbeatInterval time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Service{
		repo:              repo,
		bus:               bus,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		staleAfter:        heartbeatInterval*2 + heartbeatInterval/2,
		clock:             time.Now,
	}
}

// Register upserts the local identity as online. Called once at startup.
func (s *Service) Register(ctx context.Context, phoneNumber, username string) (User, error) {
	num := identity.Normalize(phoneNumber)
	if num == "" || username == "" {
		return User{}, ErrInvalidArgument
	}
	u := User{PhoneNumber: num, Username: username, Online: true, LastSeen: s.clock().UTC()}
	if err := s.repo.Upsert(ctx, u); err != nil {
		return User{}, fmt.Errorf("presence: register: %w", err)
	}
	s.publishChange(ctx, u)
	return u, nil
}

// IsOnline reports whether a peer is currently reachable. A row whose
// last_seen is older than the stale threshold counts as offline regardless
// of its online flag.
func (s *Service) IsOnline(ctx context.Context, phoneNumber string) (bool, error) {
	num := identity.Normalize(phoneNumber)
	if num == "" {
		return false, ErrInvalidArgument
	}
	u, err := s.repo.Get(ctx, num)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !u.Online {
		return false, nil
	}
	return s.clock().UTC().Sub(u.LastSeen) <= s.staleAfter, nil
}

// ListOnline returns peers considered reachable right now.
func (s *Service) ListOnline(ctx context.Context) ([]User, error) {
	return s.repo.ListOnline(ctx, s.clock().UTC().Add(-s.staleAfter))
}

// RunHeartbeat keeps the local row fresh until ctx is cancelled, then marks
// the identity offline. The offline write uses a detached context so
// shutdown still lands it.
func (s *Service) RunHeartbeat(ctx context.Context, phoneNumber string) {
	num := identity.Normalize(phoneNumber)
	t := time.NewTicker(s.heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.MarkOffline(offCtx, num)
			cancel()
			return
		case <-t.C:
			if err := s.repo.SetOnline(ctx, num, true, s.clock().UTC()); err != nil {
				s.log.Warn("presence: heartbeat write failed", "err", err)
			}
		}
	}
}

// MarkOffline is the explicit goodbye written on shutdown.
func (s *Service) MarkOffline(ctx context.Context, phoneNumber string) {
	num := identity.Normalize(phoneNumber)
	at := s.clock().UTC()
	if err := s.repo.SetOnline(ctx, num, false, at); err != nil {
		s.log.Warn("presence: offline write failed", "err", err)
		return
	}
	s.publishChange(ctx, User{PhoneNumber: num, Online: false, LastSeen: at})
}

// SubscribeChanges streams presence updates for one peer.
func (s *Service) SubscribeChanges(ctx context.Context, phoneNumber string) (<-chan realtime.Event, func(), error) {
	return s.bus.Subscribe(ctx, realtime.Filter{
		Table: Table,
		Type:  realtime.EventUpdate,
		Key:   identity.Normalize(phoneNumber),
	})
}

func (s *Service) publishChange(ctx context.Context, u User) {
	if s.bus == nil {
		return
	}
	payload, err := realtime.Marshal(u)
	if err != nil {
		s.log.Warn("presence: marshal change event failed", "err", err)
		return
	}
	e := realtime.Event{Table: Table, Type: realtime.EventUpdate, Key: u.PhoneNumber, Payload: payload}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn("presence: publish change failed", "err", err)
	}
}
