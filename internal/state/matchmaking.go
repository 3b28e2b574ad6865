package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func (r *Redis) Enqueue(ctx context.Context, userID string) (EnqueueResult, error) {
	res, err := enqueueScript.Run(ctx, r.redis,
		[]string{r.keys.userMatch(userID), r.keys.queueSet(), r.keys.queueList()},
		userID,
	).StringSlice()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", userID, err)
	}

	if len(res) != 2 {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: unexpected reply %v", userID, res)
	}

	return EnqueueResult{Status: EnqueueStatus(res[0]), MatchID: res[1]}, nil
}

func (r *Redis) Remove(ctx context.Context, userID string) error {
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.keys.queueList(), 0, userID)
		p.SRem(ctx, r.keys.queueSet(), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s from queue: %w", userID, err)
	}

	return nil
}

func (r *Redis) Pop(ctx context.Context) (string, bool, error) {
	u, err := popScript.Run(ctx, r.redis, []string{r.keys.queueList(), r.keys.queueSet()}).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop queue: %w", err)
	}

	return u, true, nil
}

func (r *Redis) Requeue(ctx context.Context, userID string) (bool, error) {
	n, err := requeueScript.Run(ctx, r.redis,
		[]string{r.keys.userMatch(userID), r.keys.queueSet(), r.keys.queueList()},
		userID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", userID, err)
	}

	return n == 1, nil
}

func (r *Redis) Contains(ctx context.Context, userID string) (bool, error) {
	ok, err := r.redis.SIsMember(ctx, r.keys.queueSet(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("queue contains %s: %w", userID, err)
	}

	return ok, nil
}

func (r *Redis) Size(ctx context.Context) (int64, error) {
	return r.redis.LLen(ctx, r.keys.queueList()).Result()
}
