package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codeduel/internal/domain"
)

func (r *Redis) AddSubmission(ctx context.Context, s domain.Submission, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("add submission %s: marshal: %w", s.SubmissionID, err)
	}

	key := r.keys.submissions(s.MatchID, s.UserID)

	if s.Practice() {
		_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, s.SubmissionID, b)
			p.PExpire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("add practice submission %s: %w", s.SubmissionID, err)
		}
		return nil
	}

	n, err := addMatchSubmissionScript.Run(ctx, r.redis,
		[]string{r.keys.match(s.MatchID), key},
		s.SubmissionID, b, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("add submission %s: %w", s.SubmissionID, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Redis) CompleteSubmission(ctx context.Context, s domain.Submission) (bool, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("complete submission %s: marshal: %w", s.SubmissionID, err)
	}

	n, err := completeSubmissionScript.Run(ctx, r.redis,
		[]string{r.keys.submissions(s.MatchID, s.UserID)},
		s.SubmissionID, b,
	).Int()
	if err != nil {
		return false, fmt.Errorf("complete submission %s: %w", s.SubmissionID, err)
	}

	return n == 1, nil
}

func (r *Redis) GetSubmission(ctx context.Context, matchID, userID, submissionID string) (*domain.Submission, error) {
	v, err := r.redis.HGet(ctx, r.keys.submissions(matchID, userID), submissionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", submissionID, err)
	}

	var s domain.Submission
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("get submission %s: unmarshal: %w", submissionID, err)
	}

	return &s, nil
}

func (r *Redis) ListSubmissions(ctx context.Context, matchID, userID string) ([]domain.Submission, error) {
	h, err := r.redis.HGetAll(ctx, r.keys.submissions(matchID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list submissions: match=%s user=%s: %w", matchID, userID, err)
	}

	subs := make([]domain.Submission, 0, len(h))
	for id, v := range h {
		var s domain.Submission
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("list submissions: unmarshal %s: %w", id, err)
		}
		subs = append(subs, s)
	}

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].SubmissionID < subs[j].SubmissionID
	})

	return subs, nil
}
