package leaderboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/rating"
)

type Postgres struct {
	db *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const selectEntries = `
SELECT user_id, rating, wins, losses, total_matches, win_streak, best_streak, last_match_at
FROM leaderboard`

func (p *Postgres) Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	rows, err := p.db.Query(ctx, selectEntries+` ORDER BY rating DESC, user_id LIMIT $1;`, n)
	if err != nil {
		return nil, fmt.Errorf("select top entries: %w", err)
	}

	return collectEntries(rows)
}

func (p *Postgres) Entries(ctx context.Context, userIDs []string) ([]domain.LeaderboardEntry, error) {
	rows, err := p.db.Query(ctx, selectEntries+` WHERE user_id = ANY($1) ORDER BY user_id;`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}

	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]domain.LeaderboardEntry, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
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
}

// Recompute replaces the whole leaderboard with the replay of every finished match. The table is locked
// for the duration so that no settlement interleaves with the rebuild.
func (p *Postgres) Recompute(ctx context.Context) (n int, err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, `LOCK TABLE leaderboard IN EXCLUSIVE MODE;`); err != nil {
		return 0, fmt.Errorf("lock leaderboard: %w", err)
	}

	const historyStmt = `
SELECT m.match_id, p.user_id, COALESCE(m.winner_id, ''), p.rating_delta, m.ended_at
FROM match_participants p
JOIN matches m ON m.match_id = p.match_id
ORDER BY m.ended_at, m.match_id, p.user_id;`

	rows, err := tx.Query(ctx, historyStmt)
	if err != nil {
		return 0, fmt.Errorf("select history: %w", err)
	}

	history, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Played, error) {
		var pl Played
		err := r.Scan(&pl.MatchID, &pl.UserID, &pl.WinnerID, &pl.RatingDelta, &pl.EndedAt)
		return pl, err
	})
	if err != nil {
		return 0, fmt.Errorf("collect history: %w", err)
	}

	entries := Replay(history)

	if _, err = tx.Exec(ctx, `DELETE FROM leaderboard;`); err != nil {
		return 0, fmt.Errorf("clear leaderboard: %w", err)
	}

	now := time.Now()
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"leaderboard"},
		[]string{"user_id", "rating", "wins", "losses", "total_matches", "win_streak", "best_streak", "last_match_at", "update_time"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.UserID, e.Rating, e.Wins, e.Losses, e.TotalMatches, e.WinStreak, e.BestStreak, e.LastMatchAt, now}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy leaderboard: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return len(entries), nil
}

// Played is one participation in a finished match.
type Played struct {
	MatchID     string
	UserID      string
	WinnerID    string
	RatingDelta int
	EndedAt     time.Time
}

// Replay folds a match history, ordered by end time, into leaderboard entries sorted by user id. Ratings
// are the initial rating plus the sum of the recorded deltas.
func Replay(history []Played) []domain.LeaderboardEntry {
	byUser := make(map[string]domain.LeaderboardEntry)
	var order []string

	for _, pl := range history {
		e, ok := byUser[pl.UserID]
		if !ok {
			e = domain.LeaderboardEntry{UserID: pl.UserID, Rating: rating.Initial}
			order = append(order, pl.UserID)
		}

		fm := domain.FinishedMatch{WinnerID: pl.WinnerID}
		byUser[pl.UserID] = e.Apply(fm.OutcomeFor(pl.UserID), e.Rating+pl.RatingDelta, pl.EndedAt)
	}

	slices.Sort(order)
	entries := make([]domain.LeaderboardEntry, 0, len(order))
	for _, u := range order {
		entries = append(entries, byUser[u])
	}

	return entries
}
