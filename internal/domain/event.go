package domain

const (
	EventNameSessionStarted     = "session.started"
	EventNameSessionCompleted   = "session.completed"
	EventNameStatsUpdated       = "stats.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionStarted struct {
	SessionID string
	UserID    string
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

// EventSessionCompleted is published once per session reaching the Completed phase,
// whether or not its stats were recorded.
type EventSessionCompleted struct {
	Session Session
}

func (EventSessionCompleted) Name() string { return EventNameSessionCompleted }

type EventStatsUpdated struct {
	Stats UserStats
	Game  GameRecord
}

func (EventStatsUpdated) Name() string { return EventNameStatsUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
