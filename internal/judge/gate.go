package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codeduel/internal/telemetry"
)

const (
	signalPause  = "pause"
	signalResume = "resume"

	defaultMaxIdle = 30 * time.Second
)

var doneScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
	redis.call('SET', KEYS[1], 0)
	return 0
end
return n
`)

type GateConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// MaxIdle bounds how long a paused worker waits before polling the queue anyway.
	MaxIdle time.Duration
}

// Gate counts the submissions in flight across every instance. The first submission after an idle
// period signals the workers to resume, the last one to finish signals them to pause. The signal is a
// hint: a paused worker still polls once per MaxIdle, so a lost message only delays a job.
type Gate struct {
	redis   redis.UniversalClient
	counter string
	channel string
	maxIdle time.Duration

	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

func NewGate(c GateConfig) *Gate {
	g := &Gate{
		redis:   c.Redis,
		counter: fmt.Sprintf("{%s}:judge:inflight", c.Prefix),
		channel: fmt.Sprintf("{%s}:judge:control", c.Prefix),
		maxIdle: c.MaxIdle,
		open:    make(chan struct{}),
	}

	if g.maxIdle <= 0 {
		g.maxIdle = defaultMaxIdle
	}

	close(g.open)
	return g
}

// Add counts a new submission in flight.
func (g *Gate) Add(ctx context.Context) error {
	n, err := g.redis.Incr(ctx, g.counter).Result()
	if err != nil {
		return fmt.Errorf("judge: gate add: %w", err)
	}
	telemetry.SubmissionsInFlight.Set(float64(n))

	if n == 1 {
		return g.signal(ctx, signalResume)
	}

	return nil
}

// Done marks a submission as no longer in flight. The counter never goes below zero.
func (g *Gate) Done(ctx context.Context) error {
	n, err := doneScript.Run(ctx, g.redis, []string{g.counter}).Int64()
	if err != nil {
		return fmt.Errorf("judge: gate done: %w", err)
	}
	telemetry.SubmissionsInFlight.Set(float64(n))

	if n == 0 {
		return g.signal(ctx, signalPause)
	}

	return nil
}

func (g *Gate) signal(ctx context.Context, s string) error {
	if err := g.redis.Publish(ctx, g.channel, s).Err(); err != nil {
		return fmt.Errorf("judge: gate signal %s: %w", s, err)
	}

	return nil
}

// Refresh sets the local state from the counter.
func (g *Gate) Refresh(ctx context.Context) error {
	n, err := g.redis.Get(ctx, g.counter).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("judge: gate refresh: %w", err)
	}

	g.set(n <= 0)
	return nil
}

// Run follows the pause and resume signals until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	sub := g.redis.Subscribe(ctx, g.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("judge: gate subscribe: %w", err)
	}

	if err := g.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "judge: gate refresh failed", "error", err)
	}

	t := time.NewTicker(g.maxIdle)
	defer t.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			g.set(msg.Payload == signalPause)

		case <-t.C:
			if err := g.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "judge: gate refresh failed", "error", err)
			}
		}
	}
}

func (g *Gate) set(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if paused == g.paused {
		return
	}

	g.paused = paused
	if paused {
		g.open = make(chan struct{})
	} else {
		close(g.open)
	}

	slog.Debug("judge: gate changed", "paused", paused)
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

// Wait blocks while the gate is paused, but no longer than MaxIdle.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	t := time.NewTimer(g.maxIdle)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-open:
		return nil
	case <-t.C:
		return nil
	}
}

// Count returns the number of submissions in flight.
func (g *Gate) Count(ctx context.Context) (int64, error) {
	n, err := g.redis.Get(ctx, g.counter).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("judge: gate count: %w", err)
	}

	return n, nil
}
