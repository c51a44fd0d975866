package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/quiz"
)

type (
	Category struct {
		ID          int    `json:"id"`
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}

	Output struct {
		SessionID string          `json:"session_id"`
		Phase     domain.Phase    `json:"phase"`
		Feedback  *quiz.Feedback  `json:"feedback,omitempty"`
		Prompt    *Prompt         `json:"prompt,omitempty"`
		Challenge *quiz.Challenge `json:"challenge,omitempty"`
		Result    *Result         `json:"result,omitempty"`
	}

	Prompt struct {
		Categories   []Category          `json:"categories,omitempty"`
		Difficulties []domain.Difficulty `json:"difficulties,omitempty"`
		MinCount     int                 `json:"min_count,omitempty"`
		MaxCount     int                 `json:"max_count,omitempty"`
	}

	Result struct {
		Score          int             `json:"score"`
		TotalQuestions int             `json:"total_questions"`
		Percent        decimal.Decimal `json:"percent"`
		Stats          *UserStats      `json:"stats,omitempty"`
	}

	UserStats struct {
		UserID              string          `json:"user_id"`
		GamesPlayed         int             `json:"games_played"`
		TotalCorrectAnswers int             `json:"total_correct_answers"`
		TotalQuestions      int             `json:"total_questions"`
		HighestScorePercent decimal.Decimal `json:"highest_score_percent"`
		AverageScorePercent decimal.Decimal `json:"average_score_percent"`
		FirstPlayedAt       time.Time       `json:"first_played_at"`
		LastPlayedAt        time.Time       `json:"last_played_at"`
	}

	Game struct {
		SessionID      string            `json:"session_id"`
		Category       int               `json:"category"`
		Difficulty     domain.Difficulty `json:"difficulty"`
		Score          int               `json:"score"`
		TotalQuestions int               `json:"total_questions"`
		Percent        decimal.Decimal   `json:"percent"`
		PlayTime       time.Time         `json:"play_time"`
	}

	Leaderboard struct {
		SortBy  domain.SortBy      `json:"sort_by"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank                int             `json:"rank"`
		UserID              string          `json:"user_id"`
		HighestScorePercent decimal.Decimal `json:"highest_score_percent"`
		AverageScorePercent decimal.Decimal `json:"average_score_percent"`
		GamesPlayed         int             `json:"games_played"`
		TotalQuestions      int             `json:"total_questions"`
	}

	// ErrorResponse carries the output of an event that failed after the game reached a result,
	// such as a game whose stats could not be saved.
	ErrorResponse struct {
		*errors.Error
		Output *Output `json:"output,omitempty"`
	}
)

// categoryGroups are the group labels the catalog prepends to category names.
var categoryGroups = []string{"Entertainment: ", "Science: "}

func displayName(name string) string {
	for _, g := range categoryGroups {
		if n, ok := strings.CutPrefix(name, g); ok {
			return n
		}
	}

	return name
}

func newCategories(cs []domain.Category) []Category {
	res := make([]Category, 0, len(cs))
	for _, c := range cs {
		res = append(res, Category{
			ID:          c.ID,
			Name:        c.Name,
			DisplayName: displayName(c.Name),
		})
	}

	return res
}

func percent(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

func newOutput(out *quiz.Output) *Output {
	if out == nil {
		return nil
	}

	res := &Output{
		SessionID: out.SessionID,
		Phase:     out.Phase,
		Feedback:  out.Feedback,
		Challenge: out.Challenge,
	}

	if p := out.Prompt; p != nil {
		res.Prompt = &Prompt{
			Difficulties: p.Difficulties,
			MinCount:     p.MinCount,
			MaxCount:     p.MaxCount,
		}
		if len(p.Categories) > 0 {
			res.Prompt.Categories = newCategories(p.Categories)
		}
	}

	if r := out.Result; r != nil {
		res.Result = &Result{
			Score:          r.Score,
			TotalQuestions: r.TotalQuestions,
			Percent:        percent(r.Percent),
		}
		if r.Stats != nil {
			res.Result.Stats = newUserStats(*r.Stats)
		}
	}

	return res
}

func newUserStats(st domain.UserStats) *UserStats {
	return &UserStats{
		UserID:              st.UserID,
		GamesPlayed:         st.GamesPlayed,
		TotalCorrectAnswers: st.TotalCorrectAnswers,
		TotalQuestions:      st.TotalQuestions,
		HighestScorePercent: percent(st.HighestScorePercent),
		AverageScorePercent: percent(st.AverageScorePercent()),
		FirstPlayedAt:       st.FirstPlayedAt,
		LastPlayedAt:        st.LastPlayedAt,
	}
}

func newGames(gs []domain.GameRecord) []Game {
	res := make([]Game, 0, len(gs))
	for _, g := range gs {
		res = append(res, Game{
			SessionID:      g.SessionID,
			Category:       g.Category,
			Difficulty:     g.Difficulty,
			Score:          g.Score,
			TotalQuestions: g.TotalQuestions,
			Percent:        g.Percent,
			PlayTime:       g.PlayTime,
		})
	}

	return res
}

func newLeaderboard(l domain.Leaderboard) Leaderboard {
	res := Leaderboard{
		SortBy:  l.SortBy,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, e := range l.Entries {
		res.Entries = append(res.Entries, LeaderboardEntry{
			Rank:                e.Rank,
			UserID:              e.UserID,
			HighestScorePercent: percent(e.HighestScorePercent),
			AverageScorePercent: percent(e.AverageScorePercent),
			GamesPlayed:         e.GamesPlayed,
			TotalQuestions:      e.TotalQuestions,
		})
	}

	return res
}
