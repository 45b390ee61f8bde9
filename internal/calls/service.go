package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"offline-phone/internal/identity"
	"offline-phone/internal/realtime"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Repository is the persistence contract for call rows.
type Repository interface {
	// Create inserts a new call and returns it with the store-generated id.
	Create(ctx context.Context, c Call) (Call, error)
	GetByID(ctx context.Context, id string) (Call, error)

	// SetStatus transitions a call. Terminal rows are never overwritten;
	// a no-op transition returns the current row unchanged. Conflicting
	// concurrent writes resolve last-write-wins at the store.
	SetStatus(ctx context.Context, id string, status Status, at time.Time) (Call, error)

	// EndDangling atomically ends every ringing/active row involving a
	// number and returns the rows it ended.
	EndDangling(ctx context.Context, number string, at time.Time) ([]Call, error)

	// NonTerminalForNumber returns ringing/active rows involving a number.
	NonTerminalForNumber(ctx context.Context, number string) ([]Call, error)
}

// Service owns call lifecycle writes and mirrors each successful write onto
// the realtime bus so the counterpart's client hears about it.
type Service struct {
	repo  Repository
	bus   realtime.Bus
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, bus realtime.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, bus: bus, log: log, clock: time.Now}
}

// Dial creates a ringing call from the local identity to a peer.
func (s *Service) Dial(ctx context.Context, fromNumber, fromUsername, toNumber, toUsername string) (Call, error) {
	from := identity.Normalize(fromNumber)
	to := identity.Normalize(toNumber)
	if from == "" || to == "" || fromUsername == "" {
		return Call{}, ErrInvalidArgument
	}
	if from == to {
		return Call{}, ErrInvalidArgument
	}

	c, err := s.repo.Create(ctx, Call{
		FromNumber:   from,
		ToNumber:     to,
		FromUsername: fromUsername,
		ToUsername:   toUsername,
		Status:       StatusRinging,
		CreatedAt:    s.clock().UTC(),
	})
	if err != nil {
		return Call{}, fmt.Errorf("calls: dial: %w", err)
	}
	s.publish(ctx, realtime.EventInsert, c.ToNumber, c)
	return c, nil
}

// Accept transitions ringing → active.
func (s *Service) Accept(ctx context.Context, id string) (Call, error) {
	return s.transition(ctx, id, StatusActive)
}

// Reject transitions to the rejected terminal state (explicit reject or
// the 30s incoming-call timeout).
func (s *Service) Reject(ctx context.Context, id string) (Call, error) {
	return s.transition(ctx, id, StatusRejected)
}

// End transitions to the ended terminal state.
func (s *Service) End(ctx context.Context, id string) (Call, error) {
	return s.transition(ctx, id, StatusEnded)
}

// GetByID is the authoritative read used on every connectivity regain.
func (s *Service) GetByID(ctx context.Context, id string) (Call, error) {
	if id == "" {
		return Call{}, ErrInvalidArgument
	}
	return s.repo.GetByID(ctx, id)
}

// ForceEndDangling ends every non-terminal call attached to a number.
// Cleanup for abandoned calls (crashed client, closed tab); invoked on
// dialer entry to restore the one-live-call invariant.
func (s *Service) ForceEndDangling(ctx context.Context, number string) (int, error) {
	num := identity.Normalize(number)
	if num == "" {
		return 0, ErrInvalidArgument
	}
	ended, err := s.repo.EndDangling(ctx, num, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	for _, c := range ended {
		s.publish(ctx, realtime.EventUpdate, c.ID, c)
	}
	return len(ended), nil
}

// SubscribeIncoming streams new ringing calls addressed to a number.
func (s *Service) SubscribeIncoming(ctx context.Context, number string) (<-chan realtime.Event, func(), error) {
	return s.bus.Subscribe(ctx, realtime.Filter{
		Table: Table,
		Type:  realtime.EventInsert,
		Key:   identity.Normalize(number),
	})
}

// SubscribeUpdates streams status changes for one call.
func (s *Service) SubscribeUpdates(ctx context.Context, callID string) (<-chan realtime.Event, func(), error) {
	return s.bus.Subscribe(ctx, realtime.Filter{
		Table: Table,
		Type:  realtime.EventUpdate,
		Key:   callID,
	})
}

func (s *Service) transition(ctx context.Context, id string, status Status) (Call, error) {
	if id == "" {
		return Call{}, ErrInvalidArgument
	}
	c, err := s.repo.SetStatus(ctx, id, status, s.clock().UTC())
	if err != nil {
		return Call{}, fmt.Errorf("calls: set %s: %w", status, err)
	}
	s.publish(ctx, realtime.EventUpdate, c.ID, c)
	return c, nil
}

func (s *Service) publish(ctx context.Context, typ realtime.EventType, key string, c Call) {
	if s.bus == nil {
		return
	}
	payload, err := realtime.Marshal(c)
	if err != nil {
		s.log.Warn("calls: marshal event failed", "call_id", c.ID, "err", err)
		return
	}
	e := realtime.Event{Table: Table, Type: typ, Key: key, Payload: payload}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn("calls: publish event failed", "call_id", c.ID, "err", err)
	}
}

// Decode unmarshals a call payload from a realtime event.
func Decode(e realtime.Event) (Call, error) {
	var c Call
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return Call{}, fmt.Errorf("calls: decode event: %w", err)
	}
	return c, nil
}
