package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/stats"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Stats    *stats.Service
	Redis    redis.UniversalClient
	Prefix   string
	// Size is the number of entries of a published leaderboard.
	Size int
}

type Service struct {
	eb     *event.Bus
	stats  *stats.Service
	redis  redis.UniversalClient
	prefix string
	size   int
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		stats:  c.Stats,
		redis:  c.Redis,
		prefix: c.Prefix,
		size:   c.Size,
	}

	if s.size <= 0 {
		s.size = stats.DefaultLeaderboardSize
	}

	s.eb.Subscribe(domain.EventNameStatsUpdated, func(ctx context.Context, e event.Event) error {
		return s.schedulePublishLeaderboard(ctx, e.(domain.EventStatsUpdated))
	})

	return s
}

type GetLeaderboardRequest struct {
	Limit  int
	SortBy domain.SortBy
}

// GetLeaderboard returns the top users in the requested order.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	return s.stats.Rank(ctx, stats.RankRequest{
		Limit:  req.Limit,
		SortBy: req.SortBy,
	})
}

// schedulePublishLeaderboard publishes the leaderboard at most once per publish interval.
// Many users finish games in a short time, publishing on every update would flood subscribers.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventStatsUpdated) error {
	// The key is shared by every instance, so only one of them publishes per interval.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(), e.Game.PlayTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, e)
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventStatsUpdated) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		Limit:  s.size,
		SortBy: domain.SortByHighest,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: user=%s: %w", e.Stats.UserID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.getLeaderboardTimeKey(), e.Game.PlayTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) getLeaderboardTimeKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}
