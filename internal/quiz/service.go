// Package quiz drives a user's game through its phases: category, count, difficulty, answers and
// the final result. Every event on a session runs under the session's lease, so events of the same
// user never interleave and a failed event leaves the session as it was.
package quiz

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/score"
	"github.com/victornm/trivia/internal/session"
	"github.com/victornm/trivia/internal/stats"
)

// QuestionProvider is the catalog the questions come from.
type QuestionProvider interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	// FetchQuestions may return fewer questions than amount, or none.
	FetchQuestions(ctx context.Context, amount, category int, difficulty domain.Difficulty) ([]domain.Question, error)
}

type Config struct {
	EventBus *event.Bus
	Sessions *session.Store
	Provider QuestionProvider
	Score    *score.Service
	Stats    *stats.Service
	Now      func() time.Time
}

type Service struct {
	eb       *event.Bus
	sessions *session.Store
	provider QuestionProvider
	score    *score.Service
	stats    *stats.Service
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		sessions: c.Sessions,
		provider: c.Provider,
		score:    c.Score,
		stats:    c.Stats,
		now:      c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Output is what a user sees after an event. Exactly one of Prompt, Challenge and Result is set.
// Feedback is added to the output of a graded answer.
type Output struct {
	SessionID string
	Phase     domain.Phase
	Feedback  *Feedback
	Prompt    *Prompt
	Challenge *Challenge
	Result    *Result
}

// Prompt asks for the input of a selection phase.
type Prompt struct {
	Categories   []domain.Category
	Difficulties []domain.Difficulty
	MinCount     int
	MaxCount     int
}

type Challenge struct {
	QuestionText   string            `json:"question_text"`
	Options        []string          `json:"options"`
	QuestionIndex  int               `json:"question_index"`
	TotalQuestions int               `json:"total_questions"`
	Category       string            `json:"category,omitempty"`
	Difficulty     domain.Difficulty `json:"difficulty,omitempty"`
}

type Result struct {
	Score          int
	TotalQuestions int
	Percent        float64
	// Stats is nil until the game has been recorded.
	Stats *domain.UserStats
}

type Feedback struct {
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correct_answer"`
}

func (s *Service) Categories(ctx context.Context) ([]domain.Category, error) {
	cs, err := s.provider.ListCategories(ctx)
	if err != nil {
		return nil, catalogError(err)
	}

	return cs, nil
}

type StartRequest struct {
	UserID string
}

// Start begins a new game for the user, replacing any game in progress.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Output, error) {
	if req.UserID == "" {
		return nil, errors.Validation("user ID is required")
	}

	cs, err := s.Categories(ctx)
	if err != nil {
		return nil, err
	}

	ss, err := s.sessions.CreateOrReplace(req.UserID)
	if err != nil {
		return nil, errors.Internal(err)
	}

	s.eb.Publish(ctx, domain.EventSessionStarted{
		SessionID: ss.SessionID,
		UserID:    ss.UserID,
	})

	return &Output{
		SessionID: ss.SessionID,
		Phase:     ss.Phase,
		Prompt:    &Prompt{Categories: cs},
	}, nil
}

type ChooseCategoryRequest struct {
	UserID     string
	CategoryID int
}

func (s *Service) ChooseCategory(ctx context.Context, req ChooseCategoryRequest) (*Output, error) {
	return s.transition(ctx, req.UserID, domain.PhaseSelectingCategory, func(ss *domain.Session) (*Output, error) {
		cs, err := s.Categories(ctx)
		if err != nil {
			return nil, err
		}

		if !slices.ContainsFunc(cs, func(c domain.Category) bool { return c.ID == req.CategoryID }) {
			return nil, errors.Validation("unknown category: %d", req.CategoryID)
		}

		ss.Category = req.CategoryID
		ss.Phase = domain.PhaseSelectingCount

		return render(*ss, nil), nil
	})
}

type ChooseCountRequest struct {
	UserID string
	// Count is the raw user input.
	Count string
}

func (s *Service) ChooseCount(ctx context.Context, req ChooseCountRequest) (*Output, error) {
	return s.transition(ctx, req.UserID, domain.PhaseSelectingCount, func(ss *domain.Session) (*Output, error) {
		n, err := strconv.Atoi(strings.TrimSpace(req.Count))
		if err != nil {
			return nil, errors.Validation("number of questions is not a number: %q", req.Count)
		}

		if n < domain.MinQuestions || n > domain.MaxQuestions {
			return nil, errors.Validation("number of questions must be between %d and %d: got %d", domain.MinQuestions, domain.MaxQuestions, n)
		}

		ss.NumQuestions = n
		ss.Phase = domain.PhaseSelectingDifficulty

		return render(*ss, nil), nil
	})
}

type ChooseDifficultyRequest struct {
	UserID     string
	Difficulty domain.Difficulty
}

// ChooseDifficulty fetches the questions of the game. When the catalog fails the session stays in
// SelectingDifficulty and the event can be retried. A game without any question is completed
// right away.
func (s *Service) ChooseDifficulty(ctx context.Context, req ChooseDifficultyRequest) (*Output, error) {
	difficulty := domain.Difficulty(strings.ToLower(strings.TrimSpace(string(req.Difficulty))))

	lease, err := s.acquire(req.UserID, domain.PhaseSelectingDifficulty)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	ss := lease.Session()

	if !difficulty.Valid() {
		return nil, errors.Validation("unknown difficulty: %q", req.Difficulty)
	}

	qs, err := s.provider.FetchQuestions(ctx, ss.NumQuestions, ss.Category, difficulty)
	if err != nil {
		return nil, catalogError(err)
	}

	questions := make([]domain.Question, 0, len(qs))
	for _, q := range qs {
		questions = append(questions, s.score.ShuffleOptions(q))
	}

	ss.Difficulty = difficulty
	ss.Questions = questions
	ss.CurrentIndex = 0
	ss.Score = 0
	ss.AnsweredCurrent = false
	ss.Phase = domain.PhaseAwaitingAnswer

	if len(questions) == 0 {
		return s.complete(ctx, lease, ss, nil)
	}

	lease.Commit(ss)

	return render(ss, nil), nil
}

type SubmitAnswerRequest struct {
	UserID string
	// QuestionIndex is the index of the question being answered, as sent in its challenge.
	QuestionIndex int
	Answer        string
}

// SubmitAnswer grades the answer of the current question. An answer for any other question is
// rejected with StaleAnswer and is not graded.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*Output, error) {
	lease, err := s.sessions.Acquire(req.UserID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	ss := lease.Session()

	switch {
	case ss.Phase == domain.PhaseCompleted && req.QuestionIndex < len(ss.Questions):
		return nil, errors.StaleAnswer("game is completed: question=%d", req.QuestionIndex)
	case ss.Phase != domain.PhaseAwaitingAnswer:
		return nil, phaseError(ss, domain.PhaseAwaitingAnswer)
	case req.QuestionIndex != ss.CurrentIndex || ss.AnsweredCurrent:
		return nil, errors.StaleAnswer("question %d is not the current one: current=%d", req.QuestionIndex, ss.CurrentIndex)
	}

	q := ss.Questions[ss.CurrentIndex]
	correct := s.score.Grade(q, req.Answer)

	if correct {
		ss.Score++
	}
	ss.CurrentIndex++

	feedback := &Feedback{
		Correct:       correct,
		CorrectAnswer: q.CorrectAnswer,
	}

	if ss.CurrentIndex == len(ss.Questions) {
		return s.complete(ctx, lease, ss, feedback)
	}

	lease.Commit(ss)

	return render(ss, feedback), nil
}

type AbandonRequest struct {
	UserID string
}

// Abandon removes the user's game, whatever its phase. A game busy with another event is not
// removed and SessionBusy is returned.
func (s *Service) Abandon(_ context.Context, req AbandonRequest) error {
	lease, err := s.sessions.Acquire(req.UserID)
	if err != nil {
		return err
	}
	defer lease.Release()

	if !s.sessions.RemoveSession(req.UserID, lease.Session().SessionID) {
		return errors.SessionNotFound(req.UserID)
	}

	return nil
}

type CurrentRequest struct {
	UserID string
}

// Current renders the last committed state of the user's game again.
func (s *Service) Current(ctx context.Context, req CurrentRequest) (*Output, error) {
	ss, err := s.sessions.Get(req.UserID)
	if err != nil {
		return nil, err
	}

	if ss.Phase == domain.PhaseSelectingCategory {
		cs, err := s.Categories(ctx)
		if err != nil {
			return nil, err
		}

		return &Output{
			SessionID: ss.SessionID,
			Phase:     ss.Phase,
			Prompt:    &Prompt{Categories: cs},
		}, nil
	}

	return render(ss, nil), nil
}

type FinalizeRequest struct {
	UserID string
}

// Finalize retries recording a completed game whose stats could not be saved. Only the
// persistence step is retried; the answers are never graded again.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (*Output, error) {
	lease, err := s.acquire(req.UserID, domain.PhaseCompleted)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return s.record(ctx, lease.Session(), nil)
}

// complete commits ss as Completed, then records it.
func (s *Service) complete(ctx context.Context, lease *session.Lease, ss domain.Session, feedback *Feedback) (*Output, error) {
	ss.Phase = domain.PhaseCompleted
	ss.CompleteTime = s.now()
	lease.Commit(ss)

	out, err := s.record(ctx, ss, feedback)

	completed := ss
	completed.StatsRecorded = err == nil
	s.eb.Publish(ctx, domain.EventSessionCompleted{
		Session: completed,
	})

	return out, err
}

// record saves the result of a completed session and removes the session once it is recorded.
// On failure the session stays Completed, and the result is returned along with the error.
func (s *Service) record(ctx context.Context, ss domain.Session, feedback *Feedback) (*Output, error) {
	out := render(ss, feedback)

	st, err := s.stats.RecordCompletedSession(ctx, stats.RecordCompletedSessionRequest{
		SessionID:      ss.SessionID,
		UserID:         ss.UserID,
		Category:       ss.Category,
		Difficulty:     ss.Difficulty,
		Score:          ss.Score,
		TotalQuestions: ss.TotalQuestions(),
	})
	if err != nil {
		return out, err
	}

	s.sessions.RemoveSession(ss.UserID, ss.SessionID)
	out.Result.Stats = st

	return out, nil
}

// transition runs fn on a working copy of the user's session in phase, and commits the copy only
// when fn succeeds.
func (s *Service) transition(ctx context.Context, user string, phase domain.Phase, fn func(ss *domain.Session) (*Output, error)) (*Output, error) {
	lease, err := s.acquire(user, phase)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	ss := lease.Session()

	out, err := fn(&ss)
	if err != nil {
		return nil, err
	}

	lease.Commit(ss)

	return out, nil
}

func (s *Service) acquire(user string, phase domain.Phase) (*session.Lease, error) {
	lease, err := s.sessions.Acquire(user)
	if err != nil {
		return nil, err
	}

	if ss := lease.Session(); ss.Phase != phase {
		lease.Release()
		return nil, phaseError(ss, phase)
	}

	return lease, nil
}

func render(ss domain.Session, feedback *Feedback) *Output {
	out := &Output{
		SessionID: ss.SessionID,
		Phase:     ss.Phase,
		Feedback:  feedback,
	}

	switch ss.Phase {
	case domain.PhaseSelectingCategory:
		out.Prompt = &Prompt{}
	case domain.PhaseSelectingCount:
		out.Prompt = &Prompt{MinCount: domain.MinQuestions, MaxCount: domain.MaxQuestions}
	case domain.PhaseSelectingDifficulty:
		out.Prompt = &Prompt{Difficulties: slices.Clone(domain.Difficulties)}
	case domain.PhaseAwaitingAnswer:
		q := ss.Questions[ss.CurrentIndex]
		out.Challenge = &Challenge{
			QuestionText:   q.Text,
			Options:        slices.Clone(q.Options),
			QuestionIndex:  ss.CurrentIndex,
			TotalQuestions: ss.TotalQuestions(),
			Category:       q.Category,
			Difficulty:     q.Difficulty,
		}
	case domain.PhaseCompleted:
		out.Result = &Result{
			Score:          ss.Score,
			TotalQuestions: ss.TotalQuestions(),
			Percent:        score.FinalPercentage(ss.Score, ss.TotalQuestions()),
		}
	}

	return out
}

func phaseError(ss domain.Session, want domain.Phase) error {
	return errors.Validation("game is in phase %s, not %s", ss.Phase, want)
}

// catalogError keeps typed provider errors and reports any other failure as CatalogUnavailable.
func catalogError(err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}

	return errors.CatalogUnavailable(fmt.Errorf("question provider: %w", err))
}
