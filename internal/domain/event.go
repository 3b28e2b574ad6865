package domain

const (
	EventNameMatchStarted       = "match_started"
	EventNameSubmissionJudged   = "submission_result"
	EventNameMatchFinished      = "match_finished"
	EventNameLeaderboardUpdated = "leaderboard_update"
)

type EventMatchStarted struct {
	Match Match
}

func (EventMatchStarted) Name() string { return EventNameMatchStarted }

type EventSubmissionJudged struct {
	Submission Submission
}

func (EventSubmissionJudged) Name() string { return EventNameSubmissionJudged }

type EventMatchFinished struct {
	Match FinishedMatch
}

func (EventMatchFinished) Name() string { return EventNameMatchFinished }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
