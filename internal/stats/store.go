package stats

import (
	"cmp"
	"context"
	"slices"

	"github.com/victornm/trivia/internal/domain"
)

// Store is the persistence boundary of user stats and game history.
type Store interface {
	// LoadUserStats returns errors.ErrUserStatsNotFound when the user has not completed a game.
	LoadUserStats(ctx context.Context, user string) (domain.UserStats, error)

	// SaveUserStats writes the stats and appends the games to the user's history atomically.
	// It fails with errors.ErrAlreadyExists, changing nothing, when one of the games was already
	// recorded.
	SaveUserStats(ctx context.Context, s domain.UserStats, games ...domain.GameRecord) error

	// ListTopUserStats returns at most req.Limit stats, best first in the order of req.SortBy.
	ListTopUserStats(ctx context.Context, req ListTopRequest) ([]domain.UserStats, error)

	// ListGames returns the most recent games of the user, newest first.
	ListGames(ctx context.Context, user string, limit int) ([]domain.GameRecord, error)
}

type ListTopRequest struct {
	Limit  int
	SortBy domain.SortBy
}

// compareFunc returns the leaderboard order of sortBy as a comparison where the better entry is
// smaller. The primary key is the sort field, then games played, then user ID ascending, which
// makes the order total.
func compareFunc(sortBy domain.SortBy) func(a, b domain.UserStats) int {
	var primary func(a, b domain.UserStats) int

	switch sortBy {
	case domain.SortByAverage:
		primary = func(a, b domain.UserStats) int {
			return cmp.Compare(b.AverageScorePercent(), a.AverageScorePercent())
		}
	case domain.SortByQuestions:
		primary = func(a, b domain.UserStats) int {
			return cmp.Compare(b.TotalQuestions, a.TotalQuestions)
		}
	default:
		primary = func(a, b domain.UserStats) int {
			return cmp.Compare(b.HighestScorePercent, a.HighestScorePercent)
		}
	}

	return func(a, b domain.UserStats) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		if c := cmp.Compare(b.GamesPlayed, a.GamesPlayed); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	}
}

func sortStats(ss []domain.UserStats, sortBy domain.SortBy) {
	slices.SortFunc(ss, compareFunc(sortBy))
}
