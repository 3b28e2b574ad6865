package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/rating"
)

// Postgres records finished matches in the durable store.
type Postgres struct {
	db *pgxpool.Pool
}

var _ Recorder = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, fm *domain.FinishedMatch) (ok bool, err error) {
	if len(fm.Participants) != 2 {
		return false, fmt.Errorf("record match %s: want 2 participants, got %d", fm.MatchID, len(fm.Participants))
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insMatchStmt = `
INSERT INTO matches (match_id, status, winner_id, reason, started_at, ended_at)
VALUES ($1, 'FINISHED', NULLIF($2, ''), $3, $4, $5)
ON CONFLICT (match_id) DO NOTHING;`

	tag, err := tx.Exec(ctx, insMatchStmt, fm.MatchID, fm.WinnerID, fm.Reason, fm.StartedAt, fm.EndedAt)
	if err != nil {
		return false, fmt.Errorf("insert match: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if err = loadFinishedMatch(ctx, tx, fm); err != nil {
			return false, fmt.Errorf("load recorded match: %w", err)
		}
		return false, tx.Commit(ctx)
	}

	users := []string{fm.Participants[0].UserID, fm.Participants[1].UserID}
	entries, err := lockLeaderboardEntries(ctx, tx, users)
	if err != nil {
		return false, fmt.Errorf("lock leaderboard entries: %w", err)
	}

	for i := range fm.Participants {
		me, other := &fm.Participants[i], fm.Participants[1-i]
		me.RatingBefore = entries[me.UserID].Rating
		me.RatingAfter = rating.Update(me.RatingBefore, entries[other.UserID].Rating, fm.OutcomeFor(me.UserID))
		me.RatingDelta = me.RatingAfter - me.RatingBefore
	}

	b := new(pgx.Batch)

	const insParticipantStmt = `
INSERT INTO match_participants (match_id, user_id, score, solve_time_ms, rating_before, rating_after, rating_delta)
VALUES ($1, $2, $3, $4, $5, $6, $7);`
	for _, pt := range fm.Participants {
		b.Queue(insParticipantStmt, fm.MatchID, pt.UserID, pt.Score, pt.SolveTime.Milliseconds(), pt.RatingBefore, pt.RatingAfter, pt.RatingDelta)
	}

	const insQuestionStmt = `INSERT INTO match_questions (match_id, question_id, position) VALUES ($1, $2, $3);`
	for _, q := range fm.Questions {
		b.Queue(insQuestionStmt, fm.MatchID, q.QuestionID, q.Position)
	}

	const upsertLeaderboardStmt = `
INSERT INTO leaderboard (user_id, rating, wins, losses, total_matches, win_streak, best_streak, last_match_at, update_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (user_id) DO UPDATE SET
	rating = EXCLUDED.rating,
	wins = EXCLUDED.wins,
	losses = EXCLUDED.losses,
	total_matches = EXCLUDED.total_matches,
	win_streak = EXCLUDED.win_streak,
	best_streak = EXCLUDED.best_streak,
	last_match_at = EXCLUDED.last_match_at,
	update_time = NOW();`
	for _, pt := range fm.Participants {
		e := entries[pt.UserID].Apply(fm.OutcomeFor(pt.UserID), pt.RatingAfter, fm.EndedAt)
		b.Queue(upsertLeaderboardStmt, e.UserID, e.Rating, e.Wins, e.Losses, e.TotalMatches, e.WinStreak, e.BestStreak, e.LastMatchAt)
	}

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return false, fmt.Errorf("insert match details: %w", err)
	}

	if len(fm.Submissions) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"submissions"},
			[]string{"submission_id", "match_id", "user_id", "question_id", "language", "code", "status", "verdict", "passed_count", "total_count", "elapsed_ms", "create_time"},
			pgx.CopyFromSlice(len(fm.Submissions), func(i int) ([]any, error) {
				return submissionRow(fm.MatchID, fm.Submissions[i]), nil
			}),
		)
		if err != nil {
			return false, fmt.Errorf("copy submissions: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	return true, nil
}

// submissionRow maps a submission to its durable row. Only judged passes are accepted; pending or failed
// attempts are recorded as rejected.
func submissionRow(matchID string, s domain.Submission) []any {
	status := "REJECTED"
	if s.Accepted() {
		status = "ACCEPTED"
	}

	var (
		verdict             *string
		passed, total       int
		elapsedMilliseconds int64
	)
	if r := s.Result; r != nil {
		v := string(r.Verdict)
		verdict = &v
		passed, total = r.PassedCount, r.TotalCount
		elapsedMilliseconds = r.Elapsed.Milliseconds()
	}

	return []any{s.SubmissionID, matchID, s.UserID, s.QuestionID, s.Language, s.Code, status, verdict, passed, total, elapsedMilliseconds, s.CreatedAt}
}

func lockLeaderboardEntries(ctx context.Context, tx pgx.Tx, users []string) (map[string]domain.LeaderboardEntry, error) {
	const stmt = `
SELECT user_id, rating, wins, losses, total_matches, win_streak, best_streak, last_match_at
FROM leaderboard
WHERE user_id = ANY($1)
FOR UPDATE;`

	rows, err := tx.Query(ctx, stmt, users)
	if err != nil {
		return nil, err
	}

	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		var (
			e    domain.LeaderboardEntry
			last *time.Time
		)
		if err := r.Scan(&e.UserID, &e.Rating, &e.Wins, &e.Losses, &e.TotalMatches, &e.WinStreak, &e.BestStreak, &last); err != nil {
			return domain.LeaderboardEntry{}, err
		}
		if last != nil {
			e.LastMatchAt = *last
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	entries := make(map[string]domain.LeaderboardEntry, len(users))
	for _, u := range users {
		entries[u] = domain.LeaderboardEntry{UserID: u, Rating: rating.Initial}
	}
	for _, e := range found {
		entries[e.UserID] = e
	}

	return entries, nil
}

func loadFinishedMatch(ctx context.Context, tx pgx.Tx, fm *domain.FinishedMatch) error {
	const matchStmt = `
SELECT COALESCE(winner_id, ''), reason, started_at, ended_at
FROM matches
WHERE match_id = $1;`

	if err := tx.QueryRow(ctx, matchStmt, fm.MatchID).Scan(&fm.WinnerID, &fm.Reason, &fm.StartedAt, &fm.EndedAt); err != nil {
		return fmt.Errorf("select match: %w", err)
	}

	participants, err := queryParticipants(ctx, tx, fm.MatchID)
	if err != nil {
		return err
	}
	fm.Participants = participants

	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryParticipants(ctx context.Context, q querier, matchID string) ([]domain.Participant, error) {
	const stmt = `
SELECT user_id, score, solve_time_ms, rating_before, rating_after, rating_delta
FROM match_participants
WHERE match_id = $1
ORDER BY user_id;`

	rows, err := q.Query(ctx, stmt, matchID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Participant, error) {
		var (
			p         domain.Participant
			solveTime int64
		)
		if err := r.Scan(&p.UserID, &p.Score, &solveTime, &p.RatingBefore, &p.RatingAfter, &p.RatingDelta); err != nil {
			return domain.Participant{}, err
		}
		p.SolveTime = time.Duration(solveTime) * time.Millisecond
		return p, nil
	})
}

// FinishedMatch reads the permanent record of a match.
func (p *Postgres) FinishedMatch(ctx context.Context, matchID string) (*domain.FinishedMatch, error) {
	fm := &domain.FinishedMatch{MatchID: matchID}

	const matchStmt = `
SELECT COALESCE(winner_id, ''), reason, started_at, ended_at
FROM matches
WHERE match_id = $1;`

	err := p.db.QueryRow(ctx, matchStmt, matchID).Scan(&fm.WinnerID, &fm.Reason, &fm.StartedAt, &fm.EndedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select match %s: %w", matchID, err)
	}

	if fm.Participants, err = queryParticipants(ctx, p.db, matchID); err != nil {
		return nil, err
	}

	const questionsStmt = `SELECT question_id, position FROM match_questions WHERE match_id = $1 ORDER BY position;`
	rows, err := p.db.Query(ctx, questionsStmt, matchID)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	fm.Questions, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.MatchQuestion, error) {
		var q domain.MatchQuestion
		err := r.Scan(&q.QuestionID, &q.Position)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	return fm, nil
}
