// Package matchmaking keeps the pool of users waiting for an opponent and pairs them into matches.
package matchmaking

import (
	"context"
	"log/slog"

	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/state"
)

type Config struct {
	Queue   state.MatchmakingStore
	Matches state.ActiveMatchStore
}

type Service struct {
	queue   state.MatchmakingStore
	matches state.ActiveMatchStore
}

func NewService(c Config) *Service {
	return &Service{
		queue:   c.Queue,
		matches: c.Matches,
	}
}

// Enqueue puts the user in the pool. Being already queued or already in a match is reported in the
// result, not as an error.
func (s *Service) Enqueue(ctx context.Context, userID string) (state.EnqueueResult, error) {
	if userID == "" {
		return state.EnqueueResult{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}

	res, err := s.queue.Enqueue(ctx, userID)
	if err != nil {
		return state.EnqueueResult{}, err
	}

	slog.InfoContext(ctx, "matchmaking: enqueue", "user_id", userID, "status", res.Status, "match_id", res.MatchID)
	return res, nil
}

// Cancel leaves the pool. It is a no-op when the user is not queued.
func (s *Service) Cancel(ctx context.Context, userID string) error {
	return s.queue.Remove(ctx, userID)
}

type QueueStatus string

const (
	QueueStatusIdle    QueueStatus = "idle"
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusInMatch QueueStatus = "in_match"
)

type Status struct {
	Status  QueueStatus `json:"status"`
	MatchID string      `json:"match_id,omitempty"`
}

// Status tells whether the user is waiting, playing or neither.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	id, err := s.matches.UserMatch(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if id != "" {
		return Status{Status: QueueStatusInMatch, MatchID: id}, nil
	}

	queued, err := s.queue.Contains(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if queued {
		return Status{Status: QueueStatusQueued}, nil
	}

	return Status{Status: QueueStatusIdle}, nil
}
