package stats

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

const (
	redisMaxHistory = 100
	redisTxRetries  = 3
)

// RedisStore keeps stats in redis:
//
//	<prefix>:stats:<user>      hash of the user's stats
//	<prefix>:rank:<sort>       sorted set of users by the sort field
//	<prefix>:games:<user>      list of the latest games, newest first
//	<prefix>:recorded:<user>   set of session IDs already recorded
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(r redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{redis: r, prefix: prefix}
}

const (
	fieldGamesPlayed    = "games_played"
	fieldTotalCorrect   = "total_correct_answers"
	fieldTotalQuestions = "total_questions"
	fieldHighest        = "highest_score_percent"
	fieldFirstPlayedAt  = "first_played_at"
	fieldLastPlayedAt   = "last_played_at"
)

func (s *RedisStore) LoadUserStats(ctx context.Context, user string) (domain.UserStats, error) {
	m, err := s.redis.HGetAll(ctx, s.statsKey(user)).Result()
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("hgetall: %w", err)
	}

	if len(m) == 0 {
		return domain.UserStats{}, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonUserStatsNotFound),
			errors.WithMessagef("user stats not found: user=%s", user),
		)
	}

	return parseUserStats(user, m)
}

// SaveUserStats runs as an optimistic transaction on the user's recorded set, so a concurrent
// writer recording the same game makes this one retry and observe the duplicate.
func (s *RedisStore) SaveUserStats(ctx context.Context, st domain.UserStats, games ...domain.GameRecord) error {
	recordedKey := s.recordedKey(st.UserID)

	txf := func(tx *redis.Tx) error {
		for _, g := range games {
			ok, err := tx.SIsMember(ctx, recordedKey, g.SessionID).Result()
			if err != nil {
				return fmt.Errorf("sismember: %w", err)
			}
			if ok {
				return errors.New(errors.CodeAlreadyExists,
					errors.WithMessagef("game already recorded: session=%s", g.SessionID),
				)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.statsKey(st.UserID),
				fieldGamesPlayed, st.GamesPlayed,
				fieldTotalCorrect, st.TotalCorrectAnswers,
				fieldTotalQuestions, st.TotalQuestions,
				fieldHighest, st.HighestScorePercent,
				fieldFirstPlayedAt, st.FirstPlayedAt.UnixMilli(),
				fieldLastPlayedAt, st.LastPlayedAt.UnixMilli(),
			)

			pipe.ZAdd(ctx, s.rankKey(domain.SortByHighest), redis.Z{Score: st.HighestScorePercent, Member: st.UserID})
			pipe.ZAdd(ctx, s.rankKey(domain.SortByAverage), redis.Z{Score: st.AverageScorePercent(), Member: st.UserID})
			pipe.ZAdd(ctx, s.rankKey(domain.SortByQuestions), redis.Z{Score: float64(st.TotalQuestions), Member: st.UserID})

			for _, g := range games {
				b, err := json.Marshal(newRedisGame(g))
				if err != nil {
					return fmt.Errorf("marshal game: %w", err)
				}
				pipe.LPush(ctx, s.gamesKey(st.UserID), b)
				pipe.SAdd(ctx, recordedKey, g.SessionID)
			}
			pipe.LTrim(ctx, s.gamesKey(st.UserID), 0, redisMaxHistory-1)

			return nil
		})

		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, recordedKey)
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("save user stats: %w", redis.TxFailedErr)
}

// ListTopUserStats reads the top of the sorted set, widened to every user tied with the last
// one, and orders them with the full tie-break.
func (s *RedisStore) ListTopUserStats(ctx context.Context, req ListTopRequest) ([]domain.UserStats, error) {
	key := s.rankKey(req.SortBy)

	top, err := s.redis.ZRevRangeWithScores(ctx, key, 0, int64(req.Limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	if len(top) == 0 {
		return nil, nil
	}

	users := make([]string, 0, len(top))
	for _, z := range top {
		users = append(users, z.Member.(string))
	}

	if len(top) == req.Limit {
		boundary := strconv.FormatFloat(top[len(top)-1].Score, 'f', -1, 64)
		users, err = s.redis.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: boundary, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("zrevrangebyscore: %w", err)
		}
	}

	cmds, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			pipe.HGetAll(ctx, s.statsKey(u))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}

	ss := make([]domain.UserStats, 0, len(users))
	for i, cmd := range cmds {
		m := cmd.(*redis.MapStringStringCmd).Val()
		if len(m) == 0 {
			continue
		}

		st, err := parseUserStats(users[i], m)
		if err != nil {
			return nil, err
		}
		ss = append(ss, st)
	}

	sortStats(ss, req.SortBy)
	if len(ss) > req.Limit {
		ss = ss[:req.Limit]
	}

	return ss, nil
}

func (s *RedisStore) ListGames(ctx context.Context, user string, limit int) ([]domain.GameRecord, error) {
	items, err := s.redis.LRange(ctx, s.gamesKey(user), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	games := make([]domain.GameRecord, 0, len(items))
	for _, item := range items {
		var g redisGame
		if err := json.Unmarshal([]byte(item), &g); err != nil {
			return nil, fmt.Errorf("unmarshal game: %w", err)
		}
		games = append(games, g.record(user))
	}

	return games, nil
}

func (s *RedisStore) statsKey(user string) string {
	return fmt.Sprintf("%s:stats:%s", s.prefix, user)
}

func (s *RedisStore) rankKey(sortBy domain.SortBy) string {
	if !sortBy.Valid() {
		sortBy = domain.SortByHighest
	}
	return fmt.Sprintf("%s:rank:%s", s.prefix, sortBy)
}

func (s *RedisStore) gamesKey(user string) string {
	return fmt.Sprintf("%s:games:%s", s.prefix, user)
}

func (s *RedisStore) recordedKey(user string) string {
	return fmt.Sprintf("%s:recorded:%s", s.prefix, user)
}

type redisGame struct {
	SessionID      string          `json:"session_id"`
	Category       int             `json:"category"`
	Difficulty     string          `json:"difficulty"`
	Score          int             `json:"score"`
	TotalQuestions int             `json:"total_questions"`
	Percent        decimal.Decimal `json:"percent"`
	PlayTime       int64           `json:"play_time"`
}

func newRedisGame(g domain.GameRecord) redisGame {
	return redisGame{
		SessionID:      g.SessionID,
		Category:       g.Category,
		Difficulty:     string(g.Difficulty),
		Score:          g.Score,
		TotalQuestions: g.TotalQuestions,
		Percent:        g.Percent,
		PlayTime:       g.PlayTime.UnixMilli(),
	}
}

func (g redisGame) record(user string) domain.GameRecord {
	return domain.GameRecord{
		SessionID:      g.SessionID,
		UserID:         user,
		Category:       g.Category,
		Difficulty:     domain.Difficulty(g.Difficulty),
		Score:          g.Score,
		TotalQuestions: g.TotalQuestions,
		Percent:        g.Percent,
		PlayTime:       time.UnixMilli(g.PlayTime).UTC(),
	}
}

func parseUserStats(user string, m map[string]string) (domain.UserStats, error) {
	st := domain.UserStats{UserID: user}

	ints := map[string]*int{
		fieldGamesPlayed:    &st.GamesPlayed,
		fieldTotalCorrect:   &st.TotalCorrectAnswers,
		fieldTotalQuestions: &st.TotalQuestions,
	}
	for f, dst := range ints {
		v, err := strconv.Atoi(m[f])
		if err != nil {
			return domain.UserStats{}, fmt.Errorf("parse %s of user %s: %w", f, user, err)
		}
		*dst = v
	}

	highest, err := strconv.ParseFloat(m[fieldHighest], 64)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("parse %s of user %s: %w", fieldHighest, user, err)
	}
	st.HighestScorePercent = highest

	times := map[string]*time.Time{
		fieldFirstPlayedAt: &st.FirstPlayedAt,
		fieldLastPlayedAt:  &st.LastPlayedAt,
	}
	for f, dst := range times {
		ms, err := strconv.ParseInt(m[f], 10, 64)
		if err != nil {
			return domain.UserStats{}, fmt.Errorf("parse %s of user %s: %w", f, user, err)
		}
		*dst = time.UnixMilli(ms).UTC()
	}

	return st, nil
}
