package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/quiz"
	"github.com/victornm/trivia/internal/stats"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Quiz         *quiz.Service
	Stats        *stats.Service
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type API struct {
	quiz  *quiz.Service
	stats *stats.Service
	ls    *leaderboard.Service

	redis    Redis
	prefix   string
	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		quiz:   c.Quiz,
		stats:  c.Stats,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// HTTP APIs
	v1 := c.Router.Group("/v1")
	v1.GET("/categories", a.ListCategories)
	v1.GET("/leaderboard", a.GetLeaderboard)

	users := v1.Group("/users/:user_id")
	users.GET("/stats", a.GetUserStats)
	users.GET("/games", a.ListGames)
	users.GET("/ws", a.ServeWS)

	game := users.Group("/game")
	game.POST("", a.handleEvent(eventStart))
	game.GET("", a.handleEvent(eventCurrent))
	game.DELETE("", a.handleEvent(eventAbandon))
	game.POST("/category", a.handleEvent(eventChooseCategory))
	game.POST("/count", a.handleEvent(eventChooseCount))
	game.POST("/difficulty", a.handleEvent(eventChooseDifficulty))
	game.POST("/answers", a.handleEvent(eventAnswer))
	game.POST("/finalize", a.handleEvent(eventFinalize))

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameStatsUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishStatsUpdated(ctx, e.(domain.EventStatsUpdated))
	})

	return a
}

func (a *API) ListCategories(c *gin.Context) {
	cs, err := a.quiz.Categories(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": newCategories(cs)})
}

// handleEvent serves a game event of the user in the path, with the request body as payload.
func (a *API) handleEvent(typ string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			writeError(c, errors.Validation("read body: %v", err), nil)
			return
		}

		out, err := a.dispatch(c.Request.Context(), c.Param("user_id"), typ, payload)
		if err != nil {
			writeError(c, err, out)
			return
		}

		switch {
		case out == nil:
			c.Status(http.StatusNoContent)
		case typ == eventStart:
			c.JSON(http.StatusCreated, newOutput(out))
		default:
			c.JSON(http.StatusOK, newOutput(out))
		}
	}
}

func (a *API) GetUserStats(c *gin.Context) {
	st, err := a.stats.GetUserStats(c.Request.Context(), stats.GetUserStatsRequest{
		UserID: c.Param("user_id"),
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, newUserStats(*st))
}

func (a *API) ListGames(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err, nil)
		return
	}

	gs, err := a.stats.ListGames(c.Request.Context(), stats.ListGamesRequest{
		UserID: c.Param("user_id"),
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"games": newGames(gs)})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err, nil)
		return
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Limit:  limit,
		SortBy: domain.SortBy(c.Query("sort")),
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, newLeaderboard(*l))
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Validation("%s must be a number: %q", key, v)
	}

	return n, nil
}

func writeError(c *gin.Context, err error, out *quiz.Output) {
	resp := errorResponse(c.Request.Context(), err, out)
	c.AbortWithStatusJSON(resp.HTTPStatusCode(), resp)
}

func errorResponse(ctx context.Context, err error, out *quiz.Output) ErrorResponse {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "api: request failed", "error", err)
	}

	return ErrorResponse{
		Error:  e,
		Output: newOutput(out),
	}
}
