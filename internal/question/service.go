// Package question is the catalog of coding problems and their test cases.
package question

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
)

var ErrNoQuestions = stderrors.New("question: no questions available")

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

type CreateQuestionRequest struct {
	// QuestionID is generated when empty.
	QuestionID string
	Title      string
	TestCases  []domain.TestCase
}

// CreateQuestion adds a question to the catalog.
func (s *Service) CreateQuestion(ctx context.Context, req CreateQuestionRequest) (*domain.Question, error) {
	if req.Title == "" || len(req.TestCases) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question needs a title and at least one test case"))
	}

	q := &domain.Question{
		QuestionID: req.QuestionID,
		Title:      req.Title,
		TestCases:  req.TestCases,
	}

	if q.QuestionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate question ID: %w", err)
		}
		q.QuestionID = id.String()
	}

	const stmt = `INSERT INTO questions (question_id, title, test_cases) VALUES ($1, $2, $3);`

	_, err := s.db.Exec(ctx, stmt, q.QuestionID, q.Title, q.TestCases)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("question %s already exists", q.QuestionID),
			errors.WithCause(err))
	}

	if err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}

	return q, nil
}

// GetQuestion returns a question with its test cases.
func (s *Service) GetQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	const stmt = `SELECT question_id, title, test_cases FROM questions WHERE question_id = $1;`

	var q domain.Question
	err := s.db.QueryRow(ctx, stmt, questionID).Scan(&q.QuestionID, &q.Title, &q.TestCases)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("question %s not found", questionID))
	}
	if err != nil {
		return nil, fmt.Errorf("select question %s: %w", questionID, err)
	}

	return &q, nil
}

// RandomQuestions picks up to n distinct enabled questions uniformly at random. A catalog smaller than n
// yields all of its questions; it fails with ErrNoQuestions only when nothing is enabled.
func (s *Service) RandomQuestions(ctx context.Context, n int) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, title, test_cases
FROM questions
WHERE enabled
ORDER BY random()
LIMIT $1;`

	rows, err := s.db.Query(ctx, stmt, n)
	if err != nil {
		return nil, fmt.Errorf("select random questions: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Title, &q.TestCases)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect random questions: %w", err)
	}

	if len(qs) == 0 {
		return nil, ErrNoQuestions
	}
	if len(qs) < n {
		slog.WarnContext(ctx, "question: catalog is smaller than the match question count", "want", n, "got", len(qs))
	}

	return qs, nil
}
