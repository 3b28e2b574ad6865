package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const defaultPollTimeout = time.Second

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	Name   string
	// ConsumerID names the processing list of this consumer. It must be stable across restarts so
	// that jobs left there by a crash are recovered.
	ConsumerID  string
	PollTimeout time.Duration
}

// Redis is a reliable list queue: jobs are moved atomically from the pending list into a per consumer
// processing list and removed from there once handled.
type Redis struct {
	redis       redis.UniversalClient
	pending     string
	processing  string
	pollTimeout time.Duration
}

var _ Queue = (*Redis)(nil)

func NewRedis(c RedisConfig) *Redis {
	q := &Redis{
		redis:       c.Redis,
		pending:     fmt.Sprintf("{%s}:workqueue:%s", c.Prefix, c.Name),
		processing:  fmt.Sprintf("{%s}:workqueue:%s:processing:%s", c.Prefix, c.Name, c.ConsumerID),
		pollTimeout: c.PollTimeout,
	}

	if q.pollTimeout <= 0 {
		q.pollTimeout = defaultPollTimeout
	}

	return q
}

func (q *Redis) Publish(ctx context.Context, body []byte) error {
	if err := q.redis.LPush(ctx, q.pending, body).Err(); err != nil {
		return fmt.Errorf("workqueue: publish: %w", err)
	}

	return nil
}

// Recover moves the jobs left in this consumer's processing list back to the pending list.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.redis.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("workqueue: recover: %w", err)
		}
		n++
	}
}

func (q *Redis) Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error {
	o := newConsumeOptions(opts)

	n, err := q.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "workqueue: recovered unacknowledged jobs", "queue", q.pending, "count", n)
	}

	eg, ectx := errgroup.WithContext(context.WithoutCancel(ctx))
	eg.SetLimit(o.concurrency)

	for ctx.Err() == nil {
		if err := o.ready(ctx); err != nil {
			break
		}

		body, err := q.redis.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.pollTimeout).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			slog.WarnContext(ctx, "workqueue: take job failed", "queue", q.pending, "error", err)
			sleep(ctx, q.pollTimeout)
			continue
		}

		eg.Go(func() error {
			q.handle(ectx, h, body)
			return nil
		})
	}

	return eg.Wait()
}

func (q *Redis) handle(ctx context.Context, h Handler, body []byte) {
	if err := h(ctx, body); err != nil {
		slog.WarnContext(ctx, "workqueue: handle job failed, requeue", "queue", q.pending, "error", err)

		_, err := q.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, body)
			p.LPush(ctx, q.pending, body)
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "workqueue: requeue failed", "queue", q.pending, "error", err)
		}
		return
	}

	if err := q.redis.LRem(ctx, q.processing, 1, body).Err(); err != nil {
		slog.ErrorContext(ctx, "workqueue: ack failed", "queue", q.pending, "error", err)
	}
}

// Close is a no-op, the client is owned by the caller.
func (q *Redis) Close() error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
