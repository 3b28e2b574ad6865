package domain

import (
	"slices"
	"time"
)

type MatchStatus string

const (
	MatchStatusRunning   MatchStatus = "RUNNING"
	MatchStatusFinishing MatchStatus = "FINISHING"
	MatchStatusFinished  MatchStatus = "FINISHED"
)

// Match is the live state of one duel between two users.
type Match struct {
	MatchID      string          `json:"match_id"`
	Status       MatchStatus     `json:"status"`
	Participants []string        `json:"participants"`
	Questions    []MatchQuestion `json:"questions"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (m *Match) HasParticipant(userID string) bool {
	return slices.Contains(m.Participants, userID)
}

// Opponent returns the other participant of the match.
func (m *Match) Opponent(userID string) (string, bool) {
	if len(m.Participants) != 2 || !m.HasParticipant(userID) {
		return "", false
	}
	if m.Participants[0] == userID {
		return m.Participants[1], true
	}
	return m.Participants[0], true
}

func (m *Match) HasQuestion(questionID string) bool {
	return slices.ContainsFunc(m.Questions, func(q MatchQuestion) bool {
		return q.QuestionID == questionID
	})
}

type MatchQuestion struct {
	QuestionID string `json:"question_id"`
	Position   int    `json:"position"`
}

type Question struct {
	QuestionID string     `json:"question_id"`
	Title      string     `json:"title"`
	TestCases  []TestCase `json:"test_cases"`
}

type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

type SubmissionStatus string

const (
	SubmissionStatusPending SubmissionStatus = "PENDING"
	SubmissionStatusDone    SubmissionStatus = "DONE"
)

// Submission is one attempt by one user on one question. MatchID is empty for practice submissions.
type Submission struct {
	SubmissionID string           `json:"submission_id"`
	MatchID      string           `json:"match_id,omitempty"`
	UserID       string           `json:"user_id"`
	QuestionID   string           `json:"question_id"`
	Code         string           `json:"code"`
	Language     string           `json:"language"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       SubmissionStatus `json:"status"`
	Result       *JudgeResult     `json:"result,omitempty"`
}

func (s *Submission) Practice() bool { return s.MatchID == "" }

// Accepted reports whether the submission has been judged and passed every test case.
func (s *Submission) Accepted() bool {
	return s.Status == SubmissionStatusDone && s.Result != nil && s.Result.Passed
}

type Verdict string

const (
	VerdictAccepted         Verdict = "accepted"
	VerdictWrongOutput      Verdict = "wrong_output"
	VerdictCompileError     Verdict = "compile_error"
	VerdictRuntimeError     Verdict = "runtime_error"
	VerdictTimeout          Verdict = "timeout"
	VerdictJudgeUnavailable Verdict = "judge_unavailable"
)

// JudgeResult summarizes the judge verdicts of all test cases of a submission.
type JudgeResult struct {
	Passed      bool          `json:"passed"`
	Verdict     Verdict       `json:"verdict"`
	PassedCount int           `json:"passed_count"`
	TotalCount  int           `json:"total_count"`
	Elapsed     time.Duration `json:"elapsed"`
	Error       string        `json:"error,omitempty"`
	Cases       []CaseResult  `json:"cases,omitempty"`
}

type CaseResult struct {
	Verdict Verdict       `json:"verdict"`
	Stdout  string        `json:"stdout,omitempty"`
	Stderr  string        `json:"stderr,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

type SettleReason string

const (
	SettleReasonFinish  SettleReason = "finish"
	SettleReasonTimeout SettleReason = "timeout"
	SettleReasonAdmin   SettleReason = "admin"
)

// FinishedMatch is the permanent record of a settled match. An empty WinnerID means a draw.
type FinishedMatch struct {
	MatchID      string          `json:"match_id"`
	WinnerID     string          `json:"winner_id,omitempty"`
	Reason       SettleReason    `json:"reason"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Participants []Participant   `json:"participants"`
	Questions    []MatchQuestion `json:"questions"`
	Submissions  []Submission    `json:"submissions,omitempty"`
}

func (m *FinishedMatch) Participant(userID string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

type Participant struct {
	UserID       string        `json:"user_id"`
	Score        int           `json:"score"`
	SolveTime    time.Duration `json:"solve_time"`
	RatingBefore int           `json:"rating_before"`
	RatingAfter  int           `json:"rating_after"`
	RatingDelta  int           `json:"rating_delta"`
}

// LeaderboardEntry is the per-user aggregate over all finished matches.
type LeaderboardEntry struct {
	UserID       string    `json:"user_id"`
	Rating       int       `json:"rating"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	TotalMatches int       `json:"total_matches"`
	WinStreak    int       `json:"win_streak"`
	BestStreak   int       `json:"best_streak"`
	LastMatchAt  time.Time `json:"last_match_at"`
}

// Leaderboard is a list of users sorted by rating in descending order.
type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// OutcomeFor returns the outcome of the match from the point of view of userID.
func (m *FinishedMatch) OutcomeFor(userID string) Outcome {
	switch m.WinnerID {
	case "":
		return OutcomeDraw
	case userID:
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}

// Apply folds the result of one finished match into the entry. A win extends the streak, anything else resets it.
func (e LeaderboardEntry) Apply(o Outcome, rating int, at time.Time) LeaderboardEntry {
	e.Rating = rating
	e.TotalMatches++

	switch o {
	case OutcomeWin:
		e.Wins++
		e.WinStreak++
	case OutcomeLoss:
		e.Losses++
		e.WinStreak = 0
	default:
		e.WinStreak = 0
	}

	e.BestStreak = max(e.BestStreak, e.WinStreak)
	if at.After(e.LastMatchAt) {
		e.LastMatchAt = at
	}

	return e
}
