package domain

import (
	"time"
)

// Phase is the step a quiz session is at.
type Phase string

const (
	PhaseSelectingCategory   Phase = "selecting_category"
	PhaseSelectingCount      Phase = "selecting_count"
	PhaseSelectingDifficulty Phase = "selecting_difficulty"
	PhaseAwaitingAnswer      Phase = "awaiting_answer"
	PhaseCompleted           Phase = "completed"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	default:
		return false
	}
}

const (
	MinQuestions = 1
	MaxQuestions = 50
)

// Session represents one user's game, from category selection to completion.
//
// Category, NumQuestions and Difficulty are set once each. Questions never change after they are
// fetched. CurrentIndex and Score only grow, and Score <= CurrentIndex <= len(Questions) holds
// after every transition.
type Session struct {
	SessionID       string
	UserID          string
	Phase           Phase
	Category        int
	NumQuestions    int
	Difficulty      Difficulty
	Questions       []Question
	CurrentIndex    int
	Score           int
	AnsweredCurrent bool
	StatsRecorded   bool
	CreateTime      time.Time
	CompleteTime    time.Time
}

// TotalQuestions is the number of questions actually fetched, which may be less than requested.
func (s Session) TotalQuestions() int {
	return len(s.Questions)
}

// CurrentQuestion returns the question waiting for an answer.
func (s Session) CurrentQuestion() (Question, bool) {
	if s.Phase != PhaseAwaitingAnswer || s.CurrentIndex >= len(s.Questions) {
		return Question{}, false
	}

	return s.Questions[s.CurrentIndex], true
}

// Question is a trivia item. All text is already HTML-entity decoded.
type Question struct {
	Text             string
	CorrectAnswer    string
	IncorrectAnswers []string
	// Options is the presentation order of all answers, shuffled per session.
	Options    []string
	Category   string
	Difficulty Difficulty
}

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}
