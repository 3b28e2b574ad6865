package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codeduel/internal/domain"
)

func (r *Redis) Create(ctx context.Context, m domain.Match, ttl time.Duration) error {
	if len(m.Participants) != 2 {
		return fmt.Errorf("create match %s: want 2 participants, got %d", m.MatchID, len(m.Participants))
	}

	m.Status = domain.MatchStatusRunning
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("create match %s: marshal: %w", m.MatchID, err)
	}

	n, err := createMatchScript.Run(ctx, r.redis,
		[]string{
			r.keys.match(m.MatchID),
			r.keys.userMatch(m.Participants[0]),
			r.keys.userMatch(m.Participants[1]),
			r.keys.expiry(),
		},
		m.MatchID, b, ttl.Milliseconds(), m.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("create match %s: %w", m.MatchID, err)
	}

	if n == 0 {
		return ErrUserInMatch
	}

	return nil
}

func (r *Redis) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	h, err := r.redis.HGetAll(ctx, r.keys.match(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}

	data, ok := h["data"]
	if !ok {
		return nil, ErrNotFound
	}

	var m domain.Match
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("get match %s: unmarshal: %w", matchID, err)
	}
	m.Status = domain.MatchStatus(h["status"])

	return &m, nil
}

func (r *Redis) UserMatch(ctx context.Context, userID string) (string, error) {
	id, err := r.redis.Get(ctx, r.keys.userMatch(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user match %s: %w", userID, err)
	}

	return id, nil
}

func (r *Redis) Claim(ctx context.Context, matchID string, l Lease) (ClaimResult, error) {
	n, err := claimScript.Run(ctx, r.redis, []string{r.keys.match(matchID)},
		l.Token, l.At.UnixMilli(), l.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return ClaimNotRunning, fmt.Errorf("claim match %s: %w", matchID, err)
	}

	switch n {
	case 1:
		return ClaimAcquired, nil
	case 2:
		return ClaimTakenOver, nil
	case -1:
		return ClaimNotFound, nil
	default:
		return ClaimNotRunning, nil
	}
}

func (r *Redis) Release(ctx context.Context, matchID, token string) error {
	if err := releaseScript.Run(ctx, r.redis, []string{r.keys.match(matchID)}, token).Err(); err != nil {
		return fmt.Errorf("release match %s: %w", matchID, err)
	}

	return nil
}

func (r *Redis) Delete(ctx context.Context, m domain.Match) error {
	if len(m.Participants) != 2 {
		return fmt.Errorf("delete match %s: want 2 participants, got %d", m.MatchID, len(m.Participants))
	}

	err := deleteMatchScript.Run(ctx, r.redis,
		[]string{
			r.keys.match(m.MatchID),
			r.keys.userMatch(m.Participants[0]),
			r.keys.userMatch(m.Participants[1]),
			r.keys.submissions(m.MatchID, m.Participants[0]),
			r.keys.submissions(m.MatchID, m.Participants[1]),
			r.keys.expiry(),
		},
		m.MatchID,
	).Err()
	if err != nil {
		return fmt.Errorf("delete match %s: %w", m.MatchID, err)
	}

	return nil
}

func (r *Redis) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.redis.ZRangeByScore(ctx, r.keys.expiry(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due expiries: %w", err)
	}

	return ids, nil
}

func (r *Redis) Expiries(ctx context.Context) ([]Expiry, error) {
	zs, err := r.redis.ZRangeWithScores(ctx, r.keys.expiry(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list expiries: %w", err)
	}

	res := make([]Expiry, 0, len(zs))
	for _, z := range zs {
		res = append(res, Expiry{
			MatchID:   z.Member.(string),
			ExpiresAt: time.UnixMilli(int64(z.Score)),
		})
	}

	return res, nil
}

func (r *Redis) RemoveExpiry(ctx context.Context, matchID string) error {
	return r.redis.ZRem(ctx, r.keys.expiry(), matchID).Err()
}
