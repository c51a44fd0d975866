package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/quiz"
	"github.com/victornm/trivia/internal/score"
	"github.com/victornm/trivia/internal/session"
	"github.com/victornm/trivia/internal/stats"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestAPI_PlayGame(t *testing.T) {
	env := makeAPI(t)

	var out api.Output
	code := env.do(t, http.MethodPost, "/v1/users/u1/game", nil, &out)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, domain.PhaseSelectingCategory, out.Phase)
	require.Equal(t, []api.Category{
		{ID: 9, Name: "General Knowledge", DisplayName: "General Knowledge"},
		{ID: 11, Name: "Entertainment: Film", DisplayName: "Film"},
		{ID: 17, Name: "Science: Nature", DisplayName: "Nature"},
	}, out.Prompt.Categories)

	code = env.do(t, http.MethodPost, "/v1/users/u1/game/category", map[string]any{"category_id": 9}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.PhaseSelectingCount, out.Phase)
	require.Equal(t, 50, out.Prompt.MaxCount)

	code = env.do(t, http.MethodPost, "/v1/users/u1/game/count", map[string]any{"count": "2"}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.PhaseSelectingDifficulty, out.Phase)

	code = env.do(t, http.MethodPost, "/v1/users/u1/game/difficulty", map[string]any{"difficulty": "easy"}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.PhaseAwaitingAnswer, out.Phase)
	require.Equal(t, 0, out.Challenge.QuestionIndex)
	require.Equal(t, 2, out.Challenge.TotalQuestions)
	require.Contains(t, out.Challenge.Options, "R0")

	code = env.do(t, http.MethodGet, "/v1/users/u1/game", nil, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Q0", out.Challenge.QuestionText, "current should render the same challenge")

	code = env.do(t, http.MethodPost, "/v1/users/u1/game/answers", map[string]any{"question_index": 0, "answer": "R0"}, &out)
	require.Equal(t, http.StatusOK, code)
	require.True(t, out.Feedback.Correct)
	require.Equal(t, 1, out.Challenge.QuestionIndex)

	code = env.do(t, http.MethodPost, "/v1/users/u1/game/answers", map[string]any{"question_index": 1, "answer": "W1a"}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.PhaseCompleted, out.Phase)
	require.False(t, out.Feedback.Correct)
	require.Equal(t, "R1", out.Feedback.CorrectAnswer)
	require.Equal(t, 1, out.Result.Score)
	require.Equal(t, "50", out.Result.Percent.String())
	require.Equal(t, 1, out.Result.Stats.GamesPlayed)

	var st api.UserStats
	code = env.do(t, http.MethodGet, "/v1/users/u1/stats", nil, &st)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "50", st.HighestScorePercent.String())
	require.Equal(t, 2, st.TotalQuestions)

	var games struct {
		Games []api.Game `json:"games"`
	}
	code = env.do(t, http.MethodGet, "/v1/users/u1/games?limit=5", nil, &games)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, games.Games, 1)
	require.Equal(t, out.SessionID, games.Games[0].SessionID)
	require.Equal(t, 9, games.Games[0].Category)
	require.Equal(t, domain.DifficultyEasy, games.Games[0].Difficulty)

	var l api.Leaderboard
	code = env.do(t, http.MethodGet, "/v1/leaderboard?limit=3&sort=average", nil, &l)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.SortByAverage, l.SortBy)
	require.Len(t, l.Entries, 1)
	require.Equal(t, "u1", l.Entries[0].UserID)
	require.Equal(t, 1, l.Entries[0].Rank)

	code = env.do(t, http.MethodGet, "/v1/users/u1/game", nil, nil)
	require.Equal(t, http.StatusNotFound, code, "recorded game should be gone")
}

func TestAPI_Errors(t *testing.T) {
	type (
		inputs struct {
			setup  []request
			req    request
			status int
		}

		outputs struct {
			status int
			body   errorBody
		}
	)

	start := request{method: http.MethodPost, path: "/v1/users/u1/game"}
	toCount := []request{
		start,
		{method: http.MethodPost, path: "/v1/users/u1/game/category", body: map[string]any{"category_id": 9}},
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"count out of range should be a bad request": {
			arrange: func() inputs {
				return inputs{
					setup: toCount,
					req:   request{method: http.MethodPost, path: "/v1/users/u1/game/count", body: map[string]any{"count": 51}},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
				require.Equal(t, "VALIDATION", out.body.Reason)
			},
		},

		"malformed payload should be a bad request": {
			arrange: func() inputs {
				return inputs{
					setup: toCount,
					req:   request{method: http.MethodPost, path: "/v1/users/u1/game/count", raw: `{"count":`},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
				require.Equal(t, "VALIDATION", out.body.Reason)
			},
		},

		"answer without question index should be a bad request": {
			arrange: func() inputs {
				return inputs{
					setup: []request{start},
					req:   request{method: http.MethodPost, path: "/v1/users/u1/game/answers", body: map[string]any{"answer": "R0"}},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
			},
		},

		"game event without a game should be not found": {
			arrange: func() inputs {
				return inputs{
					req: request{method: http.MethodGet, path: "/v1/users/u1/game"},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusNotFound, out.status)
				require.Equal(t, "SESSION_NOT_FOUND", out.body.Reason)
			},
		},

		"stats of a new user should be not found": {
			arrange: func() inputs {
				return inputs{
					req: request{method: http.MethodGet, path: "/v1/users/u1/stats"},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusNotFound, out.status)
				require.Equal(t, "USER_STATS_NOT_FOUND", out.body.Reason)
			},
		},

		"unknown leaderboard order should be a bad request": {
			arrange: func() inputs {
				return inputs{
					req: request{method: http.MethodGet, path: "/v1/leaderboard?sort=fastest"},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
			},
		},

		"non numeric limit should be a bad request": {
			arrange: func() inputs {
				return inputs{
					req: request{method: http.MethodGet, path: "/v1/users/u1/games?limit=ten"},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
			},
		},

		"duplicate answer should be a conflict": {
			arrange: func() inputs {
				answer := request{method: http.MethodPost, path: "/v1/users/u1/game/answers", body: map[string]any{"question_index": 0, "answer": "R0"}}

				return inputs{
					setup: append(toCount,
						request{method: http.MethodPost, path: "/v1/users/u1/game/count", body: map[string]any{"count": 3}},
						request{method: http.MethodPost, path: "/v1/users/u1/game/difficulty", body: map[string]any{"difficulty": "hard"}},
						answer,
					),
					req: answer,
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusConflict, out.status)
				require.Equal(t, "STALE_ANSWER", out.body.Reason)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}
			env := makeAPI(t)

			for _, r := range in.setup {
				code := env.doRequest(t, r, nil)
				require.Less(t, code, 300, "setup request %s %s should succeed", r.method, r.path)
			}

			out.status = env.doRequest(t, in.req, &out.body)

			tt.assert(t, out)
		})
	}
}

func TestAPI_Abandon(t *testing.T) {
	env := makeAPI(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/users/u1/game", nil, nil))
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/users/u1/game", nil, nil))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/users/u1/game", nil, nil))
}

func TestAPI_PublishStatsUpdated(t *testing.T) {
	env := makeAPI(t)
	ctx := context.Background()

	sub := env.redis.Subscribe(ctx, "test:user:u1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	env.eb.Publish(ctx, domain.EventStatsUpdated{
		Stats: domain.UserStats{UserID: "u1", GamesPlayed: 1, TotalCorrectAnswers: 1, TotalQuestions: 4, HighestScorePercent: 25},
	})

	select {
	case msg := <-sub.Channel():
		var n struct {
			Event string        `json:"event"`
			Data  api.UserStats `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		require.Equal(t, domain.EventNameStatsUpdated, n.Event)
		require.Equal(t, "u1", n.Data.UserID)
		require.Equal(t, "25", n.Data.AverageScorePercent.String())
	case <-time.After(5 * time.Second):
		t.Fatal("should receive stats.updated notification")
	}
}

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	env := makeAPI(t)
	ctx := context.Background()

	sub := env.redis.Subscribe(ctx, "test:user:u1", "test:user:u2")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = env.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{
			SortBy: domain.SortByHighest,
			Entries: []domain.LeaderboardEntry{
				{Rank: 1, UserID: "u2", HighestScorePercent: 100, AverageScorePercent: 100, GamesPlayed: 1, TotalQuestions: 2},
				{Rank: 2, UserID: "u1", HighestScorePercent: 50, AverageScorePercent: 50, GamesPlayed: 1, TotalQuestions: 2},
			},
		},
	})
	require.NoError(t, err)

	channels := map[string]bool{}
	for len(channels) < 2 {
		select {
		case msg := <-sub.Channel():
			require.Contains(t, msg.Payload, domain.EventNameLeaderboardUpdated)
			channels[msg.Channel] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("should notify every listed user, got %v", channels)
		}
	}
}

func TestAPI_WebSocket(t *testing.T) {
	env := makeAPI(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/users/u1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	type message struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	read := func() message {
		t.Helper()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var m message
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "start"}))
	m := read()
	require.Equal(t, "output", m.Type)

	var out api.Output
	require.NoError(t, json.Unmarshal(m.Payload, &out))
	require.Equal(t, domain.PhaseSelectingCategory, out.Phase)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "choose_category", "payload": map[string]any{"category_id": 404}}))
	m = read()
	require.Equal(t, "error", m.Type)
	require.Contains(t, string(m.Payload), "VALIDATION")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "choose_category", "payload": map[string]any{"category_id": 11}}))
	m = read()
	require.Equal(t, "output", m.Type)
	require.NoError(t, json.Unmarshal(m.Payload, &out))
	require.Equal(t, domain.PhaseSelectingCount, out.Phase)

	require.NoError(t, env.redis.Publish(context.Background(), "test:user:u1", `{"event":"leaderboard.updated"}`).Err())
	m = read()
	require.Equal(t, "notification", m.Type)
	require.JSONEq(t, `{"event":"leaderboard.updated"}`, string(m.Payload))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "abandon"}))
	m = read()
	require.Equal(t, "abandoned", m.Type)
}

type request struct {
	method string
	path   string
	body   any
	// raw is sent as is when set.
	raw string
}

type errorBody struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type testEnv struct {
	*api.API

	router *gin.Engine
	eb     *event.Bus
	redis  redis.UniversalClient
}

func (env *testEnv) do(t *testing.T, method, path string, body, out any) int {
	return env.doRequest(t, request{method: method, path: path, body: body}, out)
}

func (env *testEnv) doRequest(t *testing.T, r request, out any) int {
	t.Helper()

	var body bytes.Buffer
	switch {
	case r.raw != "":
		body.WriteString(r.raw)
	case r.body != nil:
		require.NoError(t, json.NewEncoder(&body).Encode(r.body))
	}

	req := httptest.NewRequest(r.method, r.path, &body)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "response should be JSON: %s", w.Body.String())
	}

	return w.Code
}

func makeAPI(t *testing.T) *testEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")
	t.Cleanup(func() { rc.Close() })

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	ss := stats.NewService(stats.Config{
		EventBus: eb,
		Store:    stats.NewRedisStore(rc, "test"),
	})

	q := quiz.NewService(quiz.Config{
		EventBus: eb,
		Sessions: session.NewStore(session.Config{}),
		Provider: staticProvider{},
		Score:    score.NewService(score.Config{}),
		Stats:    ss,
	})

	ls := leaderboard.NewService(leaderboard.Config{
		EventBus: eb,
		Stats:    ss,
		Redis:    rc,
		Prefix:   "test",
	})

	router := gin.New()
	a := api.New(api.Config{
		Router:       router,
		EventBus:     eb,
		Quiz:         q,
		Stats:        ss,
		Leaderboard:  ls,
		Redis:        rc,
		PubsubPrefix: "test",
	})

	return &testEnv{
		API:    a,
		router: router,
		eb:     eb,
		redis:  rc,
	}
}

type staticProvider struct{}

func (staticProvider) ListCategories(context.Context) ([]domain.Category, error) {
	return []domain.Category{
		{ID: 9, Name: "General Knowledge"},
		{ID: 11, Name: "Entertainment: Film"},
		{ID: 17, Name: "Science: Nature"},
	}, nil
}

func (staticProvider) FetchQuestions(_ context.Context, amount, _ int, difficulty domain.Difficulty) ([]domain.Question, error) {
	qs := make([]domain.Question, 0, amount)
	for i := 0; i < amount; i++ {
		qs = append(qs, domain.Question{
			Text:             fmt.Sprintf("Q%d", i),
			CorrectAnswer:    fmt.Sprintf("R%d", i),
			IncorrectAnswers: []string{fmt.Sprintf("W%da", i), fmt.Sprintf("W%db", i), fmt.Sprintf("W%dc", i)},
			Difficulty:       difficulty,
		})
	}

	return qs, nil
}
