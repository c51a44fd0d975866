package stats

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

const codeUniqueViolation = "23505"

// PostgresStore keeps stats in the user_stats and game_history tables created by the migrations
// package.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgUserStatsColumns = `user_id, games_played, total_correct_answers, total_questions, highest_score_percent, first_played_at, last_played_at`

func (s *PostgresStore) LoadUserStats(ctx context.Context, user string) (domain.UserStats, error) {
	const stmt = `SELECT ` + pgUserStatsColumns + ` FROM user_stats WHERE user_id = $1;`

	rows, err := s.db.Query(ctx, stmt, user)
	if err != nil {
		return domain.UserStats{}, err
	}

	st, err := pgx.CollectExactlyOneRow(rows, scanPgUserStats)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.UserStats{}, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonUserStatsNotFound),
			errors.WithMessagef("user stats not found: user=%s", user),
		)
	}
	if err != nil {
		return domain.UserStats{}, err
	}

	return st, nil
}

func (s *PostgresStore) SaveUserStats(ctx context.Context, st domain.UserStats, games ...domain.GameRecord) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insGameStmt = `
INSERT INTO game_history (session_id, user_id, category, difficulty, score, total_questions, percent, play_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

		upsertStatsStmt = `
INSERT INTO user_stats (` + pgUserStatsColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
	games_played = EXCLUDED.games_played,
	total_correct_answers = EXCLUDED.total_correct_answers,
	total_questions = EXCLUDED.total_questions,
	highest_score_percent = EXCLUDED.highest_score_percent,
	last_played_at = EXCLUDED.last_played_at;`
	)

	for _, g := range games {
		_, err = tx.Exec(ctx, insGameStmt, g.SessionID, g.UserID, g.Category, string(g.Difficulty), g.Score, g.TotalQuestions, g.Percent, g.PlayTime)

		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("game already recorded: session=%s", g.SessionID),
				errors.WithCause(err),
			)
		}
		if err != nil {
			return fmt.Errorf("insert game: %w", err)
		}
	}

	_, err = tx.Exec(ctx, upsertStatsStmt, st.UserID, st.GamesPlayed, st.TotalCorrectAnswers, st.TotalQuestions, st.HighestScorePercent, st.FirstPlayedAt, st.LastPlayedAt)
	if err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTopUserStats(ctx context.Context, req ListTopRequest) ([]domain.UserStats, error) {
	var orderBy string
	switch req.SortBy {
	case domain.SortByAverage:
		orderBy = `CASE WHEN total_questions = 0 THEN 0 ELSE 100.0 * total_correct_answers / total_questions END DESC`
	case domain.SortByQuestions:
		orderBy = `total_questions DESC`
	default:
		orderBy = `highest_score_percent DESC`
	}

	stmt := `
SELECT ` + pgUserStatsColumns + `
FROM user_stats
ORDER BY ` + orderBy + `, games_played DESC, user_id ASC
LIMIT $1;`

	rows, err := s.db.Query(ctx, stmt, req.Limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, scanPgUserStats)
}

func (s *PostgresStore) ListGames(ctx context.Context, user string, limit int) ([]domain.GameRecord, error) {
	const stmt = `
SELECT session_id, user_id, category, difficulty, score, total_questions, percent, play_time
FROM game_history
WHERE user_id = $1
ORDER BY play_time DESC, session_id DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, user, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.GameRecord, error) {
		var (
			g          domain.GameRecord
			difficulty string
		)
		if err := r.Scan(&g.SessionID, &g.UserID, &g.Category, &difficulty, &g.Score, &g.TotalQuestions, &g.Percent, &g.PlayTime); err != nil {
			return domain.GameRecord{}, err
		}
		g.Difficulty = domain.Difficulty(difficulty)
		return g, nil
	})
}

func scanPgUserStats(r pgx.CollectableRow) (domain.UserStats, error) {
	var st domain.UserStats
	err := r.Scan(&st.UserID, &st.GamesPlayed, &st.TotalCorrectAnswers, &st.TotalQuestions, &st.HighestScorePercent, &st.FirstPlayedAt, &st.LastPlayedAt)
	return st, err
}
