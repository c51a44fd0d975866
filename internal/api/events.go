package api

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/quiz"
)

// Game events, shared by the HTTP routes and the websocket channel.
const (
	eventStart            = "start"
	eventCurrent          = "current"
	eventAbandon          = "abandon"
	eventChooseCategory   = "choose_category"
	eventChooseCount      = "choose_count"
	eventChooseDifficulty = "choose_difficulty"
	eventAnswer           = "answer"
	eventFinalize         = "finalize"
)

type (
	chooseCategoryPayload struct {
		CategoryID int `json:"category_id"`
	}

	// chooseCountPayload takes the count as typed by the user, either a JSON number or a string.
	chooseCountPayload struct {
		Count json.RawMessage `json:"count"`
	}

	chooseDifficultyPayload struct {
		Difficulty domain.Difficulty `json:"difficulty"`
	}

	answerPayload struct {
		QuestionIndex *int   `json:"question_index"`
		Answer        string `json:"answer"`
	}
)

func (p chooseCountPayload) input() string {
	var s string
	if err := json.Unmarshal(p.Count, &s); err == nil {
		return s
	}

	return string(p.Count)
}

// dispatch runs one game event of user. Abandon has no output.
func (a *API) dispatch(ctx context.Context, user, typ string, payload json.RawMessage) (*quiz.Output, error) {
	switch typ {
	case eventStart:
		return a.quiz.Start(ctx, quiz.StartRequest{UserID: user})

	case eventCurrent:
		return a.quiz.Current(ctx, quiz.CurrentRequest{UserID: user})

	case eventAbandon:
		return nil, a.quiz.Abandon(ctx, quiz.AbandonRequest{UserID: user})

	case eventChooseCategory:
		var p chooseCategoryPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		return a.quiz.ChooseCategory(ctx, quiz.ChooseCategoryRequest{UserID: user, CategoryID: p.CategoryID})

	case eventChooseCount:
		var p chooseCountPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		return a.quiz.ChooseCount(ctx, quiz.ChooseCountRequest{UserID: user, Count: p.input()})

	case eventChooseDifficulty:
		var p chooseDifficultyPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		return a.quiz.ChooseDifficulty(ctx, quiz.ChooseDifficultyRequest{UserID: user, Difficulty: p.Difficulty})

	case eventAnswer:
		var p answerPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.QuestionIndex == nil {
			return nil, errors.Validation("question_index is required")
		}
		return a.quiz.SubmitAnswer(ctx, quiz.SubmitAnswerRequest{UserID: user, QuestionIndex: *p.QuestionIndex, Answer: p.Answer})

	case eventFinalize:
		return a.quiz.Finalize(ctx, quiz.FinalizeRequest{UserID: user})

	default:
		return nil, errors.Validation("unsupported event: %q", typ)
	}
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithReason(errors.ReasonValidation),
			errors.WithMessagef("invalid payload: %v", err),
			errors.WithCause(err),
		)
	}

	return nil
}
