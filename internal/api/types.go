package api

import "github.com/victornm/codeduel/internal/domain"

type (
	EnqueueResponse struct {
		Status  string `json:"status"`
		MatchID string `json:"match_id,omitempty"`
	}

	SubmitRequest struct {
		QuestionID string `json:"question_id"`
		Code       string `json:"code"`
		Language   string `json:"language"`
	}

	CreateQuestionRequest struct {
		QuestionID string            `json:"question_id"`
		Title      string            `json:"title"`
		TestCases  []domain.TestCase `json:"test_cases"`
	}

	ForceSettleRequest struct {
		MatchID string `json:"match_id"`
		// WinnerID is optional, the scores decide when it is empty.
		WinnerID string `json:"winner_id,omitempty"`
	}

	ForceSettleResponse struct {
		Settled bool                  `json:"settled"`
		Match   *domain.FinishedMatch `json:"match,omitempty"`
	}

	RecomputeLeaderboardRequest struct{}

	RecomputeLeaderboardResponse struct {
		Entries int `json:"entries"`
	}
)
