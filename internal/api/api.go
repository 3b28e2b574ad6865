// Package api exposes the duel engine to clients over HTTP and websocket, and to operators over gRPC.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/match"
	"github.com/victornm/codeduel/internal/matchmaking"
	"github.com/victornm/codeduel/internal/question"
	"github.com/victornm/codeduel/internal/settlement"
	"github.com/victornm/codeduel/internal/state"
)

type Matchmaking interface {
	Enqueue(ctx context.Context, userID string) (state.EnqueueResult, error)
	Cancel(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (matchmaking.Status, error)
}

type Matches interface {
	GetMatch(ctx context.Context, matchID, userID string) (*domain.Match, error)
	Submit(ctx context.Context, req match.SubmitRequest) (*domain.Submission, error)
	SubmitPractice(ctx context.Context, req match.SubmitPracticeRequest) (*domain.Submission, error)
	ListSubmissions(ctx context.Context, matchID, userID string) ([]domain.Submission, error)
	GetPracticeSubmission(ctx context.Context, userID, submissionID string) (*domain.Submission, error)
	Finish(ctx context.Context, matchID, userID string) (*settlement.Result, error)
	GetResult(ctx context.Context, matchID, userID string) (*domain.FinishedMatch, error)
}

type Leaderboard interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
	Recompute(ctx context.Context) (int, error)
}

type Settler interface {
	Settle(ctx context.Context, matchID string, opts settlement.Options) (*settlement.Result, error)
}

type Questions interface {
	CreateQuestion(ctx context.Context, req question.CreateQuestionRequest) (*domain.Question, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Config struct {
	HTTP         gin.IRouter
	GRPC         *grpc.Server
	EventBus     *event.Bus
	Matchmaking  Matchmaking
	Matches      Matches
	Leaderboard  Leaderboard
	Settler      Settler
	Questions    Questions
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	mm       Matchmaking
	matches  Matches
	lb       Leaderboard
	settler  Settler
	question Questions

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		mm:       c.Matchmaking,
		matches:  c.Matches,
		lb:       c.Leaderboard,
		settler:  c.Settler,
		question: c.Questions,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	// HTTP APIs
	if c.HTTP != nil {
		a.registerHTTP(c.HTTP)
	}

	// gRPC APIs
	if c.GRPC != nil {
		RegisterAdminServiceServer(c.GRPC, a)
	}

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameMatchStarted, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchStarted(ctx, e.(domain.EventMatchStarted))
	})
	c.EventBus.Subscribe(domain.EventNameSubmissionJudged, func(ctx context.Context, e event.Event) error {
		return a.PublishSubmissionJudged(ctx, e.(domain.EventSubmissionJudged))
	})
	c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchFinished(ctx, e.(domain.EventMatchFinished))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}
