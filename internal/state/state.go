// Package state holds the live, ephemeral state of the duel system: the waiting pool, active matches,
// their submissions and the expiry schedule. Every compound mutation is a single atomic operation on the
// backing store, so callers never have to coordinate multiple writes themselves.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/victornm/codeduel/internal/domain"
)

var (
	ErrNotFound    = errors.New("state: not found")
	ErrUserInMatch = errors.New("state: user already in a match")
)

type EnqueueStatus string

const (
	EnqueueQueued         EnqueueStatus = "queued"
	EnqueueAlreadyQueued  EnqueueStatus = "already_queued"
	EnqueueAlreadyInMatch EnqueueStatus = "already_in_match"
)

type EnqueueResult struct {
	Status EnqueueStatus
	// MatchID is set when Status is EnqueueAlreadyInMatch.
	MatchID string
}

// MatchmakingStore is the pool of users waiting for an opponent. A user appears at most once.
type MatchmakingStore interface {
	// Enqueue pushes the user unless they are already queued or already in a match.
	Enqueue(ctx context.Context, userID string) (EnqueueResult, error)
	// Remove drops the user from the pool, no-op if absent.
	Remove(ctx context.Context, userID string) error
	// Pop removes the longest waiting user. ok is false when the pool is empty.
	Pop(ctx context.Context) (userID string, ok bool, err error)
	// Requeue puts a popped user back at the front of the line, unless they were queued again
	// meanwhile or got into a match.
	Requeue(ctx context.Context, userID string) (bool, error)
	Contains(ctx context.Context, userID string) (bool, error)
	Size(ctx context.Context) (int64, error)
}

type ClaimResult int

const (
	ClaimAcquired ClaimResult = iota
	// ClaimTakenOver means the match was FINISHING under a lease that ran out, e.g. its settler died.
	ClaimTakenOver
	ClaimNotRunning
	ClaimNotFound
)

// Acquired reports whether the caller now owns the settlement of the match.
func (r ClaimResult) Acquired() bool {
	return r == ClaimAcquired || r == ClaimTakenOver
}

// Lease identifies one settlement attempt. A claim older than TTL may be taken over by another attempt.
type Lease struct {
	Token string
	At    time.Time
	TTL   time.Duration
}

type Expiry struct {
	MatchID   string
	ExpiresAt time.Time
}

// ActiveMatchStore owns the ActiveMatch, the per-user match pointers and the expiry schedule.
// The three are created and destroyed together.
type ActiveMatchStore interface {
	// Create stores the match, both user pointers and the expiry entry. It fails with ErrUserInMatch
	// if either participant already has an active match.
	Create(ctx context.Context, m domain.Match, ttl time.Duration) error
	Get(ctx context.Context, matchID string) (*domain.Match, error)
	// UserMatch returns the id of the user's active match, or "" if none.
	UserMatch(ctx context.Context, userID string) (string, error)
	// Claim flips a RUNNING match to FINISHING under the lease. A FINISHING match whose lease ran out
	// is claimed again.
	Claim(ctx context.Context, matchID string, l Lease) (ClaimResult, error)
	// Release flips a FINISHING match back to RUNNING if the claim still carries the token.
	Release(ctx context.Context, matchID, token string) error
	// Delete removes every ephemeral trace of the match, including submissions and the expiry entry.
	Delete(ctx context.Context, m domain.Match) error
	Due(ctx context.Context, now time.Time) ([]string, error)
	Expiries(ctx context.Context) ([]Expiry, error)
	RemoveExpiry(ctx context.Context, matchID string) error
}

// SubmissionStore keeps submissions grouped by (match, user), or by user for practice.
type SubmissionStore interface {
	// AddSubmission stores a new submission. Match submissions are only accepted while the match is RUNNING.
	AddSubmission(ctx context.Context, s domain.Submission, ttl time.Duration) error
	// CompleteSubmission overwrites a stored submission. It reports false if the submission no longer exists.
	CompleteSubmission(ctx context.Context, s domain.Submission) (bool, error)
	GetSubmission(ctx context.Context, matchID, userID, submissionID string) (*domain.Submission, error)
	// ListSubmissions returns the submissions in creation order.
	ListSubmissions(ctx context.Context, matchID, userID string) ([]domain.Submission, error)
}
