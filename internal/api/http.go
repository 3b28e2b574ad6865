package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/match"
	"github.com/victornm/codeduel/internal/question"
)

// HeaderUserID carries the identity of the caller, set by the auth gateway in front of the service.
const HeaderUserID = "X-User-ID"

const (
	ctxKeyUserID           = "user_id"
	defaultLeaderboardSize = 10
)

func (a *API) registerHTTP(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.GET("/leaderboard", a.getLeaderboard)

	admin := v1.Group("/admin")
	admin.POST("/leaderboard/recompute", a.recomputeLeaderboard)
	admin.POST("/questions", a.createQuestion)

	user := v1.Group("", requireUser)
	user.POST("/queue", a.enqueue)
	user.DELETE("/queue", a.cancel)
	user.GET("/queue", a.queueStatus)

	user.GET("/matches/:id", a.getMatch)
	user.POST("/matches/:id/submissions", a.submit)
	user.GET("/matches/:id/submissions", a.listSubmissions)
	user.POST("/matches/:id/finish", a.finish)
	user.GET("/matches/:id/result", a.getResult)

	user.POST("/practice/submissions", a.submitPractice)
	user.GET("/practice/submissions/:id", a.getPracticeSubmission)

	user.GET("/events", a.events)
}

func requireUser(c *gin.Context) {
	id := c.GetHeader(HeaderUserID)
	if id == "" {
		abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing %s header", HeaderUserID)))
		return
	}

	c.Set(ctxKeyUserID, id)
	c.Next()
}

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// abort writes err as a JSON error body with the HTTP status of its code.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func (a *API) enqueue(c *gin.Context) {
	res, err := a.mm.Enqueue(c.Request.Context(), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, EnqueueResponse{Status: string(res.Status), MatchID: res.MatchID})
}

func (a *API) cancel(c *gin.Context) {
	if err := a.mm.Cancel(c.Request.Context(), userID(c)); err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) queueStatus(c *gin.Context) {
	st, err := a.mm.Status(c.Request.Context(), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) getMatch(c *gin.Context) {
	m, err := a.matches.GetMatch(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, m)
}

func (a *API) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidBody(err))
		return
	}

	sub, err := a.matches.Submit(c.Request.Context(), match.SubmitRequest{
		MatchID:    c.Param("id"),
		UserID:     userID(c),
		QuestionID: req.QuestionID,
		Code:       req.Code,
		Language:   req.Language,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, sub)
}

func (a *API) listSubmissions(c *gin.Context) {
	subs, err := a.matches.ListSubmissions(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	if subs == nil {
		subs = []domain.Submission{}
	}
	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

func (a *API) finish(c *gin.Context) {
	res, err := a.matches.Finish(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	// Someone else is already settling the match.
	if !res.Settled {
		c.JSON(http.StatusAccepted, gin.H{"settled": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settled": true, "match": res.Match})
}

func (a *API) getResult(c *gin.Context) {
	fm, err := a.matches.GetResult(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, fm)
}

func (a *API) submitPractice(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidBody(err))
		return
	}

	sub, err := a.matches.SubmitPractice(c.Request.Context(), match.SubmitPracticeRequest{
		UserID:     userID(c),
		QuestionID: req.QuestionID,
		Code:       req.Code,
		Language:   req.Language,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, sub)
}

func (a *API) getPracticeSubmission(c *gin.Context) {
	sub, err := a.matches.GetPracticeSubmission(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit := defaultLeaderboardSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("limit must be a number"), errors.WithCause(err)))
			return
		}
		limit = n
	}

	l, err := a.lb.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{Limit: limit})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

func (a *API) recomputeLeaderboard(c *gin.Context) {
	n, err := a.lb.Recompute(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, RecomputeLeaderboardResponse{Entries: n})
}

func (a *API) createQuestion(c *gin.Context) {
	var req CreateQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidBody(err))
		return
	}

	q, err := a.question.CreateQuestion(c.Request.Context(), question.CreateQuestionRequest{
		QuestionID: req.QuestionID,
		Title:      req.Title,
		TestCases:  req.TestCases,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, q)
}

func invalidBody(err error) error {
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err))
}
