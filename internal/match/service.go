// Package match manages active matches: creating them, accepting submissions and ending them early.
package match

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/judge"
	"github.com/victornm/codeduel/internal/settlement"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/telemetry"
)

const (
	defaultDuration    = 30 * time.Minute
	defaultTTLGrace    = 5 * time.Minute
	defaultPracticeTTL = time.Hour
)

var (
	ErrMatchNotFound      = errors.New(errors.CodeNotFound, errors.WithMessagef("match not found"))
	ErrNotParticipant     = errors.New(errors.CodePermissionDenied, errors.WithMessagef("user is not a participant of the match"))
	ErrQuestionNotInMatch = errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question is not part of the match"))
	ErrMatchNotRunning    = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("match is not running"))
	ErrSubmissionNotFound = errors.New(errors.CodeNotFound, errors.WithMessagef("submission not found"))
	ErrResultNotFound     = errors.New(errors.CodeNotFound, errors.WithMessagef("match result not found"))
)

type QuestionSource interface {
	GetQuestion(ctx context.Context, questionID string) (*domain.Question, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job judge.Job) error
}

type Settler interface {
	Settle(ctx context.Context, matchID string, opts settlement.Options) (*settlement.Result, error)
}

type ResultReader interface {
	FinishedMatch(ctx context.Context, matchID string) (*domain.FinishedMatch, error)
}

type Config struct {
	Matches     state.ActiveMatchStore
	Submissions state.SubmissionStore
	Questions   QuestionSource
	Dispatcher  Dispatcher
	Settler     Settler
	Results     ResultReader
	EventBus    *event.Bus

	Duration time.Duration
	// TTLGrace keeps the live state around after expiry so that a late sweep can still settle it.
	TTLGrace    time.Duration
	PracticeTTL time.Duration
	Now         func() time.Time
}

type Service struct {
	matches     state.ActiveMatchStore
	submissions state.SubmissionStore
	questions   QuestionSource
	dispatcher  Dispatcher
	settler     Settler
	results     ResultReader
	eb          *event.Bus

	duration    time.Duration
	ttlGrace    time.Duration
	practiceTTL time.Duration
	now         func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		matches:     c.Matches,
		submissions: c.Submissions,
		questions:   c.Questions,
		dispatcher:  c.Dispatcher,
		settler:     c.Settler,
		results:     c.Results,
		eb:          c.EventBus,
		duration:    c.Duration,
		ttlGrace:    c.TTLGrace,
		practiceTTL: c.PracticeTTL,
		now:         c.Now,
	}

	if s.duration <= 0 {
		s.duration = defaultDuration
	}
	if s.ttlGrace <= 0 {
		s.ttlGrace = defaultTTLGrace
	}
	if s.practiceTTL <= 0 {
		s.practiceTTL = defaultPracticeTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// StartMatch creates the match with both user pointers and its expiry entry, then announces it.
// It fails with state.ErrUserInMatch when either user got into another match meanwhile.
func (s *Service) StartMatch(ctx context.Context, userA, userB string, questions []domain.Question) (*domain.Match, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate match ID: %w", err)
	}

	now := s.now()
	m := domain.Match{
		MatchID:      id.String(),
		Status:       domain.MatchStatusRunning,
		Participants: []string{userA, userB},
		Questions:    make([]domain.MatchQuestion, 0, len(questions)),
		StartedAt:    now,
		Duration:     s.duration,
		ExpiresAt:    now.Add(s.duration),
	}
	for i, q := range questions {
		m.Questions = append(m.Questions, domain.MatchQuestion{QuestionID: q.QuestionID, Position: i + 1})
	}

	if err := s.matches.Create(ctx, m, s.duration+s.ttlGrace); err != nil {
		return nil, fmt.Errorf("start match: %w", err)
	}

	telemetry.MatchesStarted.Inc()
	slog.InfoContext(ctx, "match: started",
		"match_id", m.MatchID,
		"user_a", userA,
		"user_b", userB,
		"expires_at", m.ExpiresAt,
	)

	s.eb.Publish(ctx, domain.EventMatchStarted{Match: m})

	return &m, nil
}

// GetMatch returns the active match if userID takes part in it.
func (s *Service) GetMatch(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	m, err := s.matches.Get(ctx, matchID)
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}

	if !m.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	return m, nil
}

type SubmitRequest struct {
	MatchID    string
	UserID     string
	QuestionID string
	Code       string
	Language   string
}

// Submit stores a pending submission and hands it to the judge. It returns as soon as the job is queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Submission, error) {
	if err := validateCode(req.Code, req.Language); err != nil {
		return nil, err
	}

	m, err := s.GetMatch(ctx, req.MatchID, req.UserID)
	if err != nil {
		return nil, err
	}

	if m.Status != domain.MatchStatusRunning {
		return nil, ErrMatchNotRunning
	}

	if !m.HasQuestion(req.QuestionID) {
		return nil, ErrQuestionNotInMatch
	}

	q, err := s.questions.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("get question %s: %w", req.QuestionID, err)
	}

	sub := s.newSubmission(req.MatchID, req.UserID, req.QuestionID, req.Code, req.Language)

	ttl := m.ExpiresAt.Sub(sub.CreatedAt) + s.ttlGrace
	if err := s.submissions.AddSubmission(ctx, sub, ttl); err != nil {
		if stderrors.Is(err, state.ErrNotFound) {
			return nil, ErrMatchNotRunning
		}
		return nil, fmt.Errorf("add submission: %w", err)
	}

	return s.dispatch(ctx, sub, q.TestCases), nil
}

type SubmitPracticeRequest struct {
	UserID     string
	QuestionID string
	Code       string
	Language   string
}

// SubmitPractice judges code outside of any match. The record expires and is never persisted.
func (s *Service) SubmitPractice(ctx context.Context, req SubmitPracticeRequest) (*domain.Submission, error) {
	if err := validateCode(req.Code, req.Language); err != nil {
		return nil, err
	}

	q, err := s.questions.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	sub := s.newSubmission("", req.UserID, req.QuestionID, req.Code, req.Language)
	if err := s.submissions.AddSubmission(ctx, sub, s.practiceTTL); err != nil {
		return nil, fmt.Errorf("add practice submission: %w", err)
	}

	return s.dispatch(ctx, sub, q.TestCases), nil
}

func (s *Service) newSubmission(matchID, userID, questionID, code, language string) domain.Submission {
	now := s.now()
	return domain.Submission{
		SubmissionID: ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		MatchID:      matchID,
		UserID:       userID,
		QuestionID:   questionID,
		Code:         code,
		Language:     language,
		CreatedAt:    now,
		Status:       domain.SubmissionStatusPending,
	}
}

// dispatch queues the judge job. When the queue is unreachable the submission is completed right away
// with a failure summary instead of staying pending.
func (s *Service) dispatch(ctx context.Context, sub domain.Submission, cases []domain.TestCase) *domain.Submission {
	err := s.dispatcher.Dispatch(ctx, judge.Job{Submission: sub, TestCases: cases})
	if err == nil {
		return &sub
	}

	slog.ErrorContext(ctx, "match: dispatch submission failed",
		"submission_id", sub.SubmissionID,
		"match_id", sub.MatchID,
		"user_id", sub.UserID,
		"error", err,
	)

	sub.Status = domain.SubmissionStatusDone
	sub.Result = &domain.JudgeResult{
		Verdict:    domain.VerdictJudgeUnavailable,
		TotalCount: len(cases),
		Error:      err.Error(),
	}

	ok, cerr := s.submissions.CompleteSubmission(ctx, sub)
	if cerr != nil {
		slog.ErrorContext(ctx, "match: complete undispatched submission failed",
			"submission_id", sub.SubmissionID,
			"error", cerr,
		)
	}
	if ok {
		s.eb.Publish(ctx, domain.EventSubmissionJudged{Submission: sub})
	}

	return &sub
}

// ListSubmissions returns the caller's own submissions in the match, oldest first.
func (s *Service) ListSubmissions(ctx context.Context, matchID, userID string) ([]domain.Submission, error) {
	if _, err := s.GetMatch(ctx, matchID, userID); err != nil {
		return nil, err
	}

	return s.submissions.ListSubmissions(ctx, matchID, userID)
}

func (s *Service) GetPracticeSubmission(ctx context.Context, userID, submissionID string) (*domain.Submission, error) {
	sub, err := s.submissions.GetSubmission(ctx, "", userID, submissionID)
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}

	return sub, err
}

// Finish ends the match early on behalf of userID: the caller forfeits and the opponent wins. When a
// settlement is already under way the returned result is not settled.
func (s *Service) Finish(ctx context.Context, matchID, userID string) (*settlement.Result, error) {
	m, err := s.GetMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	opponent, _ := m.Opponent(userID)
	return s.settler.Settle(ctx, matchID, settlement.Options{
		WinnerID: opponent,
		Reason:   domain.SettleReasonFinish,
	})
}

// GetResult returns the permanent record of a finished match to one of its participants.
func (s *Service) GetResult(ctx context.Context, matchID, userID string) (*domain.FinishedMatch, error) {
	fm, err := s.results.FinishedMatch(ctx, matchID)
	if stderrors.Is(err, settlement.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, ok := fm.Participant(userID); !ok {
		return nil, ErrNotParticipant
	}

	return fm, nil
}

func validateCode(code, language string) error {
	if code == "" || language == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("code and language are required"))
	}

	return nil
}
