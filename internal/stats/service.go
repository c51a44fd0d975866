package stats

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/score"
)

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
	defaultHistorySize     = 20
	maxHistorySize         = 100
)

type Config struct {
	EventBus *event.Bus
	Store    Store
	Now      func() time.Time
}

// Service folds completed sessions into lifetime stats and ranks users.
type Service struct {
	eb    *event.Bus
	store Store
	now   func() time.Time
	locks keyedMutex
}

func NewService(c Config) *Service {
	s := &Service{
		eb:    c.EventBus,
		store: c.Store,
		now:   c.Now,
		locks: keyedMutex{locks: make(map[string]*refMutex)},
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type RecordCompletedSessionRequest struct {
	SessionID      string
	UserID         string
	Category       int
	Difficulty     domain.Difficulty
	Score          int
	TotalQuestions int
}

// RecordCompletedSession folds a completed session into the user's stats. The caller invokes it
// once per session; a session already recorded by the store is not counted twice, and the current
// stats are returned instead.
func (s *Service) RecordCompletedSession(ctx context.Context, req RecordCompletedSessionRequest) (*domain.UserStats, error) {
	unlock := s.locks.lock(req.UserID)
	defer unlock()

	now := s.now()

	st, err := s.store.LoadUserStats(ctx, req.UserID)
	if stderrors.Is(err, errors.ErrUserStatsNotFound) {
		st, err = domain.UserStats{UserID: req.UserID, FirstPlayedAt: now}, nil
	}
	if err != nil {
		return nil, errors.PersistFailed(fmt.Errorf("load user stats: %w", err))
	}

	pct := score.FinalPercentage(req.Score, req.TotalQuestions)

	st.GamesPlayed++
	st.TotalCorrectAnswers += req.Score
	st.TotalQuestions += req.TotalQuestions
	st.HighestScorePercent = max(st.HighestScorePercent, pct)
	st.LastPlayedAt = now

	game := domain.GameRecord{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Category:       req.Category,
		Difficulty:     req.Difficulty,
		Score:          req.Score,
		TotalQuestions: req.TotalQuestions,
		Percent:        decimal.NewFromFloat(pct).Round(2),
		PlayTime:       now,
	}

	err = s.store.SaveUserStats(ctx, st, game)
	if stderrors.Is(err, errors.ErrAlreadyExists) {
		current, err := s.store.LoadUserStats(ctx, req.UserID)
		if err != nil {
			return nil, errors.PersistFailed(fmt.Errorf("reload user stats: %w", err))
		}
		return &current, nil
	}
	if err != nil {
		return nil, errors.PersistFailed(fmt.Errorf("save user stats: %w", err))
	}

	s.eb.Publish(ctx, domain.EventStatsUpdated{
		Stats: st,
		Game:  game,
	})

	return &st, nil
}

type RankRequest struct {
	Limit  int
	SortBy domain.SortBy
}

// Rank returns the leaderboard. Ties on the sort field are broken by games played, then by
// user ID, so the order is the same across calls.
func (s *Service) Rank(ctx context.Context, req RankRequest) (*domain.Leaderboard, error) {
	if req.SortBy == "" {
		req.SortBy = domain.SortByHighest
	}
	if !req.SortBy.Valid() {
		return nil, errors.Validation("unknown leaderboard order: %q", req.SortBy)
	}

	switch {
	case req.Limit <= 0:
		req.Limit = DefaultLeaderboardSize
	case req.Limit > MaxLeaderboardSize:
		req.Limit = MaxLeaderboardSize
	}

	ss, err := s.store.ListTopUserStats(ctx, ListTopRequest{
		Limit:  req.Limit,
		SortBy: req.SortBy,
	})
	if err != nil {
		return nil, fmt.Errorf("list top user stats: %w", err)
	}

	sortStats(ss, req.SortBy)
	if len(ss) > req.Limit {
		ss = ss[:req.Limit]
	}

	entries := make([]domain.LeaderboardEntry, 0, len(ss))
	for i, st := range ss {
		entries = append(entries, domain.LeaderboardEntry{
			Rank:                i + 1,
			UserID:              st.UserID,
			HighestScorePercent: st.HighestScorePercent,
			AverageScorePercent: st.AverageScorePercent(),
			GamesPlayed:         st.GamesPlayed,
			TotalQuestions:      st.TotalQuestions,
		})
	}

	return &domain.Leaderboard{
		SortBy:  req.SortBy,
		Entries: entries,
	}, nil
}

type GetUserStatsRequest struct {
	UserID string
}

func (s *Service) GetUserStats(ctx context.Context, req GetUserStatsRequest) (*domain.UserStats, error) {
	st, err := s.store.LoadUserStats(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	return &st, nil
}

type ListGamesRequest struct {
	UserID string
	Limit  int
}

func (s *Service) ListGames(ctx context.Context, req ListGamesRequest) ([]domain.GameRecord, error) {
	switch {
	case req.Limit <= 0:
		req.Limit = defaultHistorySize
	case req.Limit > maxHistorySize:
		req.Limit = maxHistorySize
	}

	return s.store.ListGames(ctx, req.UserID, req.Limit)
}

// keyedMutex serializes stats updates per user.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
