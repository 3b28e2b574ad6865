package matchmaking

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/telemetry"
)

const (
	defaultBackoff       = 500 * time.Millisecond
	defaultQuestionCount = 3
)

var ErrNoQuestions = stderrors.New("matchmaking: no questions available")

type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type QuestionPicker interface {
	RandomQuestions(ctx context.Context, n int) ([]domain.Question, error)
}

type MatchStarter interface {
	StartMatch(ctx context.Context, userA, userB string, questions []domain.Question) (*domain.Match, error)
}

type PairerConfig struct {
	Queue         state.MatchmakingStore
	Matches       state.ActiveMatchStore
	Questions     QuestionPicker
	Starter       MatchStarter
	Lock          Locker
	QuestionCount int
	Backoff       time.Duration
}

// Pairer is the pairing loop. Many instances may run it; the lock lets one of them work at a time.
type Pairer struct {
	queue         state.MatchmakingStore
	matches       state.ActiveMatchStore
	questions     QuestionPicker
	starter       MatchStarter
	lock          Locker
	questionCount int
	backoff       time.Duration
}

func NewPairer(c PairerConfig) *Pairer {
	p := &Pairer{
		queue:         c.Queue,
		matches:       c.Matches,
		questions:     c.Questions,
		starter:       c.Starter,
		lock:          c.Lock,
		questionCount: c.QuestionCount,
		backoff:       c.Backoff,
	}

	if p.questionCount <= 0 {
		p.questionCount = defaultQuestionCount
	}
	if p.backoff <= 0 {
		p.backoff = defaultBackoff
	}

	return p
}

// Run pairs users until ctx is done. A failed or panicking iteration is logged and the loop goes on.
func (p *Pairer) Run(ctx context.Context) {
	slog.InfoContext(ctx, "matchmaking: pairer started")
	defer func() {
		if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "matchmaking: release pairing lock failed", "error", err)
		}
		slog.InfoContext(ctx, "matchmaking: pairer stopped")
	}()

	for ctx.Err() == nil {
		again := p.iterate(ctx)
		if again {
			continue
		}

		t := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

func (p *Pairer) iterate(ctx context.Context) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "matchmaking: pairing panic",
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
			again = false
		}
	}()

	again, err := p.PairOnce(ctx)
	if err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "matchmaking: pairing failed", "error", err)
	}

	return again
}

// PairOnce makes one pairing attempt. It reports whether another attempt should follow right away, which
// is the case after a match was made or after a stale entry was skipped.
func (p *Pairer) PairOnce(ctx context.Context) (bool, error) {
	leader, err := p.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !leader {
		return false, nil
	}

	if n, err := p.queue.Size(ctx); err == nil {
		telemetry.QueueSize.Set(float64(n))
	}

	a, ok, err := p.queue.Pop(ctx)
	if err != nil || !ok {
		return false, err
	}

	b, ok, err := p.queue.Pop(ctx)
	if err != nil || !ok {
		return false, stderrors.Join(err, p.requeue(ctx, a))
	}

	inMatchA, err := p.inMatch(ctx, a)
	if err != nil {
		return false, stderrors.Join(err, p.requeue(ctx, b, a))
	}
	inMatchB, err := p.inMatch(ctx, b)
	if err != nil {
		return false, stderrors.Join(err, p.requeue(ctx, b, a))
	}

	// A user may queue again before the cleanup of their previous match; never pair them twice.
	if inMatchA || inMatchB {
		telemetry.PairingFailures.WithLabelValues("in_match").Inc()
		var rest []string
		if !inMatchB {
			rest = append(rest, b)
		}
		if !inMatchA {
			rest = append(rest, a)
		}
		return true, p.requeue(ctx, rest...)
	}

	qs, err := p.questions.RandomQuestions(ctx, p.questionCount)
	if err != nil {
		telemetry.PairingFailures.WithLabelValues("no_questions").Inc()
		return false, stderrors.Join(fmt.Errorf("%w: %w", ErrNoQuestions, err), p.requeue(ctx, b, a))
	}

	m, err := p.starter.StartMatch(ctx, a, b, qs)
	if stderrors.Is(err, state.ErrUserInMatch) {
		telemetry.PairingFailures.WithLabelValues("in_match").Inc()
		return true, p.requeue(ctx, b, a)
	}
	if err != nil {
		telemetry.PairingFailures.WithLabelValues("start_failed").Inc()
		return false, stderrors.Join(err, p.requeue(ctx, b, a))
	}

	slog.InfoContext(ctx, "matchmaking: paired", "match_id", m.MatchID, "user_a", a, "user_b", b)
	return true, nil
}

func (p *Pairer) inMatch(ctx context.Context, userID string) (bool, error) {
	id, err := p.matches.UserMatch(ctx, userID)
	return id != "", err
}

// requeue returns users to the front of the pool. The last one given ends up first in line.
func (p *Pairer) requeue(ctx context.Context, users ...string) error {
	var errs []error
	for _, u := range users {
		if _, err := p.queue.Requeue(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("requeue %s: %w", u, err))
		}
	}

	return stderrors.Join(errs...)
}
