package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserStats is the lifetime record of a user.
// HighestScorePercent is a running maximum and never decreases.
type UserStats struct {
	UserID              string
	GamesPlayed         int
	TotalCorrectAnswers int
	TotalQuestions      int
	HighestScorePercent float64
	FirstPlayedAt       time.Time
	LastPlayedAt        time.Time
}

// AverageScorePercent is the share of correct answers over all questions ever answered.
func (s UserStats) AverageScorePercent() float64 {
	if s.TotalQuestions == 0 {
		return 0
	}

	return 100 * float64(s.TotalCorrectAnswers) / float64(s.TotalQuestions)
}

// GameRecord is one completed session in a user's history.
type GameRecord struct {
	SessionID      string
	UserID         string
	Category       int
	Difficulty     Difficulty
	Score          int
	TotalQuestions int
	Percent        decimal.Decimal
	PlayTime       time.Time
}

// SortBy selects the leaderboard order.
type SortBy string

const (
	SortByHighest   SortBy = "highest"
	SortByAverage   SortBy = "average"
	SortByQuestions SortBy = "questions"
)

func (s SortBy) Valid() bool {
	switch s {
	case SortByHighest, SortByAverage, SortByQuestions:
		return true
	default:
		return false
	}
}

// Leaderboard is a ranked view over users' lifetime stats.
type Leaderboard struct {
	SortBy  SortBy
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Rank                int
	UserID              string
	HighestScorePercent float64
	AverageScorePercent float64
	GamesPlayed         int
	TotalQuestions      int
}
