package settlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/settlement"
)

var start = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func TestStandings(t *testing.T) {
	m := &domain.Match{
		MatchID:      "m1",
		Participants: []string{"a", "b"},
		Questions:    questions("q1", "q2", "q3"),
		StartedAt:    start,
	}

	tests := map[string]struct {
		subs          []domain.Submission
		wantScore     int
		wantSolveTime time.Duration
		wantSolvedBy  map[string]string
	}{
		"no submissions": {
			wantScore: 0,
		},

		"failed and pending submissions should not count": {
			subs: []domain.Submission{
				sub("s1", "a", "q1", 1*time.Minute, false),
				pending("s2", "a", "q2", 2*time.Minute),
			},
			wantScore: 0,
		},

		"each question should be counted once with its earliest pass": {
			subs: []domain.Submission{
				sub("s3", "a", "q1", 5*time.Minute, true),
				sub("s1", "a", "q1", 2*time.Minute, true),
				sub("s2", "a", "q2", 3*time.Minute, true),
			},
			wantScore:     2,
			wantSolveTime: 5 * time.Minute,
			wantSolvedBy:  map[string]string{"q1": "s1", "q2": "s2"},
		},

		"questions outside the match and other users should be ignored": {
			subs: []domain.Submission{
				sub("s1", "a", "q9", time.Minute, true),
				sub("s2", "b", "q1", time.Minute, true),
				sub("s3", "a", "q3", 4*time.Minute, true),
			},
			wantScore:     1,
			wantSolveTime: 4 * time.Minute,
			wantSolvedBy:  map[string]string{"q3": "s3"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			st := settlement.Standings(m, "a", tt.subs)
			assert.Equal(t, tt.wantScore, st.Score)
			assert.Equal(t, tt.wantSolveTime, st.SolveTime)
			for q, id := range tt.wantSolvedBy {
				assert.Equal(t, id, st.Solved[q].SubmissionID)
			}
		})
	}
}

func TestWinner(t *testing.T) {
	m := &domain.Match{
		MatchID:      "m1",
		Participants: []string{"a", "b"},
		Questions:    questions("q1", "q2", "q3"),
		StartedAt:    start,
	}

	tests := map[string]struct {
		subs []domain.Submission
		want string
	}{
		"higher score should win": {
			subs: []domain.Submission{
				sub("a1", "a", "q1", time.Minute, true),
				sub("a2", "a", "q2", 2*time.Minute, true),
				sub("b1", "b", "q1", 30*time.Second, true),
				sub("b3", "b", "q3", 40*time.Second, true),
				sub("b2", "b", "q2", 50*time.Second, true),
			},
			want: "b",
		},

		"equal scores should go to the faster solver": {
			subs: []domain.Submission{
				sub("a1", "a", "q1", 3*time.Minute, true),
				sub("a2", "a", "q2", 4*time.Minute, true),
				sub("b1", "b", "q1", 3*time.Minute, true),
				sub("b2", "b", "q2", 6*time.Minute, true),
			},
			want: "a",
		},

		"a later-judged but earlier-created pass should be the one that counts": {
			subs: []domain.Submission{
				// b's first q1 attempt was judged after the second one; creation time decides.
				sub("b-late", "b", "q1", 9*time.Minute, true),
				sub("b-early", "b", "q1", 1*time.Minute, true),
				sub("a1", "a", "q1", 2*time.Minute, true),
			},
			want: "b",
		},

		"identical scores and times should be a draw": {
			subs: []domain.Submission{
				sub("a1", "a", "q1", time.Minute, true),
				sub("b1", "b", "q1", time.Minute, true),
			},
			want: "",
		},

		"nobody solving anything should be a draw": {
			subs: []domain.Submission{
				sub("a1", "a", "q1", time.Minute, false),
			},
			want: "",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a := settlement.Standings(m, "a", tt.subs)
			b := settlement.Standings(m, "b", tt.subs)
			assert.Equal(t, tt.want, settlement.Winner(a, b))
			assert.Equal(t, tt.want, settlement.Winner(b, a), "winner should not depend on argument order")
		})
	}
}

func questions(ids ...string) []domain.MatchQuestion {
	qs := make([]domain.MatchQuestion, 0, len(ids))
	for i, id := range ids {
		qs = append(qs, domain.MatchQuestion{QuestionID: id, Position: i + 1})
	}
	return qs
}

func sub(id, user, question string, after time.Duration, passed bool) domain.Submission {
	s := pending(id, user, question, after)
	s.Status = domain.SubmissionStatusDone
	s.Result = &domain.JudgeResult{Passed: passed, Verdict: domain.VerdictWrongOutput, PassedCount: 0, TotalCount: 1}
	if passed {
		s.Result.Verdict = domain.VerdictAccepted
		s.Result.PassedCount = 1
	}
	return s
}

func pending(id, user, question string, after time.Duration) domain.Submission {
	return domain.Submission{
		SubmissionID: id,
		MatchID:      "m1",
		UserID:       user,
		QuestionID:   question,
		Code:         "print(1)",
		Language:     "python",
		CreatedAt:    start.Add(after),
		Status:       domain.SubmissionStatusPending,
	}
}
