package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/score"
)

const namespace = "trivia"

type MetricsConfig struct {
	EventBus   *event.Bus
	Registerer prometheus.Registerer
	// ActiveSessions reports the number of sessions in memory. The gauge is skipped when nil.
	ActiveSessions func() int
}

// Metrics counts quiz activity from the events published on the bus.
type Metrics struct {
	sessionsStarted      prometheus.Counter
	sessionsCompleted    *prometheus.CounterVec
	scorePercent         prometheus.Histogram
	leaderboardPublished prometheus.Counter
}

func RegisterMetrics(c MetricsConfig) *Metrics {
	f := promauto.With(c.Registerer)

	m := &Metrics{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Number of quiz sessions started.",
		}),
		sessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Number of quiz sessions completed, by whether their stats were recorded.",
		}, []string{"recorded"}),
		scorePercent: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_score_percent",
			Help:      "Final percentage of completed quiz sessions.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		leaderboardPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_published_total",
			Help:      "Number of leaderboard updates published.",
		}),
	}

	if c.ActiveSessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of quiz sessions held in memory.",
		}, func() float64 {
			return float64(c.ActiveSessions())
		})
	}

	c.EventBus.Subscribe(domain.EventNameSessionStarted, func(context.Context, event.Event) error {
		m.sessionsStarted.Inc()
		return nil
	})
	c.EventBus.Subscribe(domain.EventNameSessionCompleted, func(_ context.Context, e event.Event) error {
		m.observeCompleted(e.(domain.EventSessionCompleted))
		return nil
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(context.Context, event.Event) error {
		m.leaderboardPublished.Inc()
		return nil
	})

	return m
}

func (m *Metrics) observeCompleted(e domain.EventSessionCompleted) {
	ss := e.Session
	m.sessionsCompleted.WithLabelValues(strconv.FormatBool(ss.StatsRecorded)).Inc()
	m.scorePercent.Observe(score.FinalPercentage(ss.Score, ss.TotalQuestions()))
}
