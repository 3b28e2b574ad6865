package settlement

import (
	"time"

	"github.com/victornm/codeduel/internal/domain"
)

// Standing is the score of one participant: the distinct questions solved, each counted once with its
// earliest passing submission.
type Standing struct {
	UserID    string
	Solved    map[string]domain.Submission
	Score     int
	SolveTime time.Duration
}

// Standings computes the standing of userID from their submissions. Submissions on questions outside of
// the match and submissions that did not pass are ignored. "Earliest" is by creation time, never by the
// order in which judge results arrived.
func Standings(m *domain.Match, userID string, subs []domain.Submission) Standing {
	st := Standing{
		UserID: userID,
		Solved: make(map[string]domain.Submission),
	}

	for _, s := range subs {
		if s.UserID != userID || !s.Accepted() || !m.HasQuestion(s.QuestionID) {
			continue
		}

		best, ok := st.Solved[s.QuestionID]
		if !ok || earlier(s, best) {
			st.Solved[s.QuestionID] = s
		}
	}

	for _, s := range st.Solved {
		st.SolveTime += max(s.CreatedAt.Sub(m.StartedAt), 0)
	}
	st.Score = len(st.Solved)

	return st
}

func earlier(a, b domain.Submission) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SubmissionID < b.SubmissionID
}

// Winner decides the match: the higher score wins; on equal scores the smaller sum of solve times wins;
// otherwise it is a draw and the result is "".
//
// Solve times are measured from the match start, which orders the same as summing absolute solve
// timestamps because both participants have solved the same number of questions.
func Winner(a, b Standing) string {
	switch {
	case a.Score > b.Score:
		return a.UserID
	case b.Score > a.Score:
		return b.UserID
	case a.SolveTime < b.SolveTime:
		return a.UserID
	case b.SolveTime < a.SolveTime:
		return b.UserID
	default:
		return ""
	}
}
