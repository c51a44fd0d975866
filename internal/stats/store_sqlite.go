package stats

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_stats (
	user_id               TEXT PRIMARY KEY,
	games_played          INTEGER NOT NULL DEFAULT 0,
	total_correct_answers INTEGER NOT NULL DEFAULT 0,
	total_questions       INTEGER NOT NULL DEFAULT 0,
	highest_score_percent REAL NOT NULL DEFAULT 0,
	first_played_at       INTEGER NOT NULL,
	last_played_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS user_stats_highest_idx
	ON user_stats (highest_score_percent DESC, games_played DESC, user_id ASC);
CREATE TABLE IF NOT EXISTS game_history (
	session_id      TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	category        INTEGER NOT NULL,
	difficulty      TEXT NOT NULL,
	score           INTEGER NOT NULL,
	total_questions INTEGER NOT NULL,
	percent         TEXT NOT NULL,
	play_time       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS game_history_user_idx ON game_history (user_id, play_time DESC);`

// SQLiteStore keeps stats in a single SQLite file. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database at dsn, applies pragmas and creates the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps writers serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUserStatsColumns = `user_id, games_played, total_correct_answers, total_questions, highest_score_percent, first_played_at, last_played_at`

func (s *SQLiteStore) LoadUserStats(ctx context.Context, user string) (domain.UserStats, error) {
	const stmt = `SELECT ` + sqliteUserStatsColumns + ` FROM user_stats WHERE user_id = ?;`

	st, err := scanSQLiteUserStats(s.db.QueryRowContext(ctx, stmt, user))
	if stderrors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) SaveUserStats(ctx context.Context, st domain.UserStats, games ...domain.GameRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback())
		}
	}()

	const (
		insGameStmt = `
INSERT INTO game_history (session_id, user_id, category, difficulty, score, total_questions, percent, play_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO NOTHING;`

		upsertStatsStmt = `
INSERT INTO user_stats (` + sqliteUserStatsColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	games_played = excluded.games_played,
	total_correct_answers = excluded.total_correct_answers,
	total_questions = excluded.total_questions,
	highest_score_percent = excluded.highest_score_percent,
	last_played_at = excluded.last_played_at;`
	)

	for _, g := range games {
		res, err := tx.ExecContext(ctx, insGameStmt, g.SessionID, g.UserID, g.Category, string(g.Difficulty), g.Score, g.TotalQuestions, g.Percent.StringFixed(2), g.PlayTime.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert game: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert game: %w", err)
		}
		if n == 0 {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("game already recorded: session=%s", g.SessionID),
			)
		}
	}

	_, err = tx.ExecContext(ctx, upsertStatsStmt, st.UserID, st.GamesPlayed, st.TotalCorrectAnswers, st.TotalQuestions, st.HighestScorePercent, st.FirstPlayedAt.UnixMilli(), st.LastPlayedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListTopUserStats(ctx context.Context, req ListTopRequest) ([]domain.UserStats, error) {
	var orderBy string
	switch req.SortBy {
	case domain.SortByAverage:
		orderBy = `CASE WHEN total_questions = 0 THEN 0 ELSE 100.0 * total_correct_answers / total_questions END DESC`
	case domain.SortByQuestions:
		orderBy = `total_questions DESC`
	default:
		orderBy = `highest_score_percent DESC`
	}

	stmt := `SELECT ` + sqliteUserStatsColumns + ` FROM user_stats ORDER BY ` + orderBy + `, games_played DESC, user_id ASC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, stmt, req.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ss []domain.UserStats
	for rows.Next() {
		st, err := scanSQLiteUserStats(rows)
		if err != nil {
			return nil, err
		}
		ss = append(ss, st)
	}

	return ss, rows.Err()
}

func (s *SQLiteStore) ListGames(ctx context.Context, user string, limit int) ([]domain.GameRecord, error) {
	const stmt = `
SELECT session_id, user_id, category, difficulty, score, total_questions, percent, play_time
FROM game_history
WHERE user_id = ?
ORDER BY play_time DESC, session_id DESC
LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, stmt, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []domain.GameRecord
	for rows.Next() {
		var (
			g          domain.GameRecord
			difficulty string
			playTime   int64
		)
		if err := rows.Scan(&g.SessionID, &g.UserID, &g.Category, &difficulty, &g.Score, &g.TotalQuestions, &g.Percent, &playTime); err != nil {
			return nil, err
		}
		g.Difficulty = domain.Difficulty(difficulty)
		g.PlayTime = time.UnixMilli(playTime).UTC()
		games = append(games, g)
	}

	return games, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUserStats(r rowScanner) (domain.UserStats, error) {
	var (
		st                  domain.UserStats
		firstPlayed, played int64
	)
	if err := r.Scan(&st.UserID, &st.GamesPlayed, &st.TotalCorrectAnswers, &st.TotalQuestions, &st.HighestScorePercent, &firstPlayed, &played); err != nil {
		return domain.UserStats{}, err
	}

	st.FirstPlayedAt = time.UnixMilli(firstPlayed).UTC()
	st.LastPlayedAt = time.UnixMilli(played).UTC()
	return st, nil
}
