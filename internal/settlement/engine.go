// Package settlement finalizes matches: it decides the winner, updates ratings, commits the permanent
// record and clears the live state, exactly once per match.
package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/retry"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/telemetry"
)

var ErrNotFound = stderrors.New("settlement: match not recorded")

const defaultClaimTTL = 30 * time.Second

// Recorder persists finished matches.
type Recorder interface {
	// Record commits the match, its submissions, both rating changes and both leaderboard rows in one
	// transaction, filling the rating fields of fm.Participants. When the match is already recorded it
	// writes nothing, loads the stored outcome into fm and reports false.
	Record(ctx context.Context, fm *domain.FinishedMatch) (bool, error)
}

type Config struct {
	Matches     state.ActiveMatchStore
	Submissions state.SubmissionStore
	Recorder    Recorder
	EventBus    *event.Bus
	Retry       retry.Policy
	// ClaimTTL is how long a claim protects a match from other settlers. It must outlast the retry
	// budget, after that a crashed settlement is picked up again by the next caller.
	ClaimTTL time.Duration
	Now      func() time.Time
}

type Engine struct {
	matches     state.ActiveMatchStore
	submissions state.SubmissionStore
	recorder    Recorder
	eb          *event.Bus
	retry       retry.Policy
	claimTTL    time.Duration
	now         func() time.Time
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		matches:     c.Matches,
		submissions: c.Submissions,
		recorder:    c.Recorder,
		eb:          c.EventBus,
		retry:       c.Retry,
		claimTTL:    c.ClaimTTL,
		now:         c.Now,
	}

	if e.now == nil {
		e.now = time.Now
	}
	if e.claimTTL <= 0 {
		e.claimTTL = defaultClaimTTL
	}

	return e
}

type Options struct {
	// WinnerID overrides the score based decision, e.g. when the opponent forfeits.
	WinnerID string
	Reason   domain.SettleReason
}

type Result struct {
	// Settled is false when the match was not running anymore and nothing was done.
	Settled bool
	Match   *domain.FinishedMatch
}

// Settle finalizes a running match. It is safe to call concurrently and repeatedly for the same match:
// only the caller that flips the match from RUNNING to FINISHING does the work, the others get a
// no-op result. On failure the match is put back to RUNNING so that a later call can try again. A claim
// left behind by a settler that died is taken over once its TTL has passed.
func (e *Engine) Settle(ctx context.Context, matchID string, opts Options) (*Result, error) {
	if opts.Reason == "" {
		opts.Reason = domain.SettleReasonFinish
	}

	token := uuid.NewString()
	claim, err := e.matches.Claim(ctx, matchID, state.Lease{Token: token, At: e.now(), TTL: e.claimTTL})
	if err != nil {
		return nil, err
	}

	if !claim.Acquired() {
		slog.DebugContext(ctx, "settlement: match is not running", "match_id", matchID, "reason", opts.Reason)
		telemetry.Settlements.WithLabelValues(string(opts.Reason), "skipped").Inc()
		return &Result{}, nil
	}

	if claim == state.ClaimTakenOver {
		slog.WarnContext(ctx, "settlement: taking over a stale claim", "match_id", matchID, "reason", opts.Reason)
	}

	var fm *domain.FinishedMatch
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		fm, err = e.settle(ctx, matchID, opts)
		return err
	})
	if err != nil {
		telemetry.Settlements.WithLabelValues(string(opts.Reason), "failed").Inc()
		if rerr := e.matches.Release(context.WithoutCancel(ctx), matchID, token); rerr != nil {
			err = stderrors.Join(err, rerr)
		}

		slog.ErrorContext(ctx, "settlement: settle failed, match reverted to running",
			"match_id", matchID,
			"reason", opts.Reason,
			"error", err,
		)
		return nil, fmt.Errorf("settle match %s: %w", matchID, err)
	}

	telemetry.Settlements.WithLabelValues(string(opts.Reason), "settled").Inc()
	slog.InfoContext(ctx, "settlement: match settled",
		"match_id", matchID,
		"reason", opts.Reason,
		"winner_id", fm.WinnerID,
	)

	e.eb.Publish(ctx, domain.EventMatchFinished{Match: *fm})

	return &Result{Settled: true, Match: fm}, nil
}

func (e *Engine) settle(ctx context.Context, matchID string, opts Options) (*domain.FinishedMatch, error) {
	m, err := e.matches.Get(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}

	if opts.WinnerID != "" && !m.HasParticipant(opts.WinnerID) {
		return nil, retry.Permanent(errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("winner %s is not a participant of match %s", opts.WinnerID, matchID)))
	}

	fm := &domain.FinishedMatch{
		MatchID:   m.MatchID,
		Reason:    opts.Reason,
		StartedAt: m.StartedAt,
		EndedAt:   e.now(),
		Questions: m.Questions,
	}

	standings := make([]Standing, 0, len(m.Participants))
	for _, u := range m.Participants {
		subs, err := e.submissions.ListSubmissions(ctx, m.MatchID, u)
		if err != nil {
			return nil, fmt.Errorf("list submissions of %s: %w", u, err)
		}

		st := Standings(m, u, subs)
		standings = append(standings, st)
		fm.Submissions = append(fm.Submissions, subs...)
		fm.Participants = append(fm.Participants, domain.Participant{
			UserID:    u,
			Score:     st.Score,
			SolveTime: st.SolveTime,
		})
	}

	fm.WinnerID = opts.WinnerID
	if fm.WinnerID == "" {
		fm.WinnerID = Winner(standings[0], standings[1])
	}

	recorded, err := e.recorder.Record(ctx, fm)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}

	if !recorded {
		// A previous attempt committed but did not get to clear the live state.
		slog.WarnContext(ctx, "settlement: match already recorded, clearing live state", "match_id", matchID)
	}

	if err := e.matches.Delete(ctx, *m); err != nil {
		return nil, fmt.Errorf("clear live state: %w", err)
	}

	return fm, nil
}
