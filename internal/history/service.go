// Package history aggregates a number's past calls from the shared store.
package history

import (
	"context"
	"errors"
	"time"

	"offline-phone/internal/calls"
	"offline-phone/internal/identity"
)

var ErrInvalidRequest = errors.New("history: invalid request")

// Repository abstracts read access to terminal call rows.
type Repository interface {
	ListForNumber(ctx context.Context, number string, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// List returns a number's calls in the range, newest first.
func (s *Service) List(ctx context.Context, number string, r TimeRange) ([]calls.Call, error) {
	num := identity.Normalize(number)
	if num == "" {
		return nil, ErrInvalidRequest
	}
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return nil, ErrInvalidRequest
	}
	return s.repo.ListForNumber(ctx, num, r.From, r.To)
}

// Summarize folds the range's calls into one Summary.
func (s *Service) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	num := identity.Normalize(req.Number)
	if num == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.ListForNumber(ctx, num, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{Number: num}
	for _, c := range rows {
		out.TotalCalls++
		outgoing := identity.Equal(c.FromNumber, num)
		if outgoing {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}

		switch {
		case c.AcceptedAt != nil:
			out.AnsweredCalls++
			if c.EndedAt != nil {
				out.TotalTalkSeconds += int(c.EndedAt.Sub(*c.AcceptedAt) / time.Second)
			}
		case c.Status == calls.StatusRejected:
			out.RejectedCalls++
		case !outgoing && c.Status == calls.StatusEnded:
			out.MissedCalls++
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.AnsweredCalls
	}
	return out, nil
}
