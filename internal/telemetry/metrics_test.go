package telemetry_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/telemetry"
)

func TestRegisterMetrics(t *testing.T) {
	t.Parallel()

	var (
		ctx = context.Background()
		eb  = event.NewBus()
		reg = prometheus.NewPedanticRegistry()
	)

	telemetry.RegisterMetrics(telemetry.MetricsConfig{
		EventBus:       eb,
		Registerer:     reg,
		ActiveSessions: func() int { return 3 },
	})

	eb.Publish(ctx, domain.EventSessionStarted{SessionID: "s1", UserID: "u1"})
	eb.Publish(ctx, domain.EventSessionStarted{SessionID: "s2", UserID: "u2"})
	eb.Publish(ctx, domain.EventSessionCompleted{Session: domain.Session{
		SessionID:     "s1",
		UserID:        "u1",
		Phase:         domain.PhaseCompleted,
		Questions:     make([]domain.Question, 4),
		CurrentIndex:  4,
		Score:         3,
		StatsRecorded: true,
	}})
	eb.Publish(ctx, domain.EventSessionCompleted{Session: domain.Session{
		SessionID: "s2",
		UserID:    "u2",
		Phase:     domain.PhaseCompleted,
	}})
	eb.Publish(ctx, domain.EventLeaderboardUpdated{})
	eb.Stop()

	expected := `
# HELP trivia_active_sessions Number of quiz sessions held in memory.
# TYPE trivia_active_sessions gauge
trivia_active_sessions 3
# HELP trivia_leaderboard_published_total Number of leaderboard updates published.
# TYPE trivia_leaderboard_published_total counter
trivia_leaderboard_published_total 1
# HELP trivia_sessions_completed_total Number of quiz sessions completed, by whether their stats were recorded.
# TYPE trivia_sessions_completed_total counter
trivia_sessions_completed_total{recorded="false"} 1
trivia_sessions_completed_total{recorded="true"} 1
# HELP trivia_sessions_started_total Number of quiz sessions started.
# TYPE trivia_sessions_started_total counter
trivia_sessions_started_total 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"trivia_active_sessions",
		"trivia_leaderboard_published_total",
		"trivia_sessions_completed_total",
		"trivia_sessions_started_total",
	)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "trivia_session_score_percent")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterMetricsWithoutActiveSessions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	telemetry.RegisterMetrics(telemetry.MetricsConfig{
		EventBus:   event.NewBus(),
		Registerer: reg,
	})

	n, err := testutil.GatherAndCount(reg, "trivia_active_sessions")
	require.NoError(t, err)
	assert.Zero(t, n)
}
