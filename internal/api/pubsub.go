package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/codeduel/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	MatchStarted struct {
		MatchID      string                 `json:"match_id"`
		Participants []string               `json:"participants"`
		Questions    []domain.MatchQuestion `json:"questions"`
		StartedAt    time.Time              `json:"started_at"`
		Duration     int64                  `json:"duration_ms"`
	}

	SubmissionResult struct {
		SubmissionID string              `json:"submission_id"`
		MatchID      string              `json:"match_id,omitempty"`
		UserID       string              `json:"user_id"`
		QuestionID   string              `json:"question_id"`
		Result       domain.Verdict      `json:"result"`
		Details      *domain.JudgeResult `json:"details"`
	}

	MatchFinished struct {
		MatchID  string `json:"match_id"`
		WinnerID string `json:"winner_id,omitempty"`
		Reason   string `json:"reason"`
	}
)

func (a *API) PublishMatchStarted(ctx context.Context, e domain.EventMatchStarted) error {
	m := e.Match
	data := MatchStarted{
		MatchID:      m.MatchID,
		Participants: m.Participants,
		Questions:    m.Questions,
		StartedAt:    m.StartedAt,
		Duration:     m.Duration.Milliseconds(),
	}

	return a.publishAll(ctx, m.Participants, e.Name(), data)
}

// PublishSubmissionJudged notifies the author only, the opponent never sees the details of a submission.
func (a *API) PublishSubmissionJudged(ctx context.Context, e domain.EventSubmissionJudged) error {
	s := e.Submission
	data := SubmissionResult{
		SubmissionID: s.SubmissionID,
		MatchID:      s.MatchID,
		UserID:       s.UserID,
		QuestionID:   s.QuestionID,
		Details:      s.Result,
	}
	if s.Result != nil {
		data.Result = s.Result.Verdict
	}

	return a.publishNotification(ctx, s.UserID, e.Name(), data)
}

func (a *API) PublishMatchFinished(ctx context.Context, e domain.EventMatchFinished) error {
	m := e.Match
	data := MatchFinished{
		MatchID:  m.MatchID,
		WinnerID: m.WinnerID,
		Reason:   string(m.Reason),
	}

	users := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		users = append(users, p.UserID)
	}

	return a.publishAll(ctx, users, e.Name(), data)
}

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	users := make([]string, 0, len(e.Leaderboard.Entries))
	for _, entry := range e.Leaderboard.Entries {
		users = append(users, entry.UserID)
	}

	return a.publishAll(ctx, users, e.Name(), e.Leaderboard)
}

func (a *API) publishAll(ctx context.Context, users []string, event string, data any) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, u := range users {
		eg.Go(func() error {
			return a.publishNotification(ctx, u, event, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, a.userChannel(user), b).Err()
}

func (a *API) userChannel(user string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, user)
}
