// Package journal keeps a local append-only record of view transitions,
// the trail for debugging mode flaps and reconciliation decisions.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for journal entries.
// It MUST be append-only; no update or delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("journal: invalid entry")

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("journal: repository not configured")
	}
	if e.FromView == "" || e.ToView == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Transition records one view change. Best-effort: failures are logged
// and swallowed so the state machine never stalls on its own trail.
func (s *Service) Transition(ctx context.Context, from, to, callID, reason string) {
	err := s.Append(ctx, Entry{
		FromView: from,
		ToView:   to,
		CallID:   callID,
		Reason:   reason,
	})
	if err != nil {
		s.log.Warn("journal: append failed", "from", from, "to", to, "err", err)
	}
}

// Recent returns the latest entries, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.Recent(ctx, limit)
}
