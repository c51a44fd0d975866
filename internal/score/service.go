// Package score grades answers and turns session scores into percentages.
// Everything here is pure computation; callers own the session state.
package score

import (
	"html"
	"math/rand/v2"

	"github.com/victornm/trivia/internal/domain"
)

// Shuffler permutes n elements through swap, with the contract of rand.Shuffle.
type Shuffler func(n int, swap func(i, j int))

type Config struct {
	// Shuffler defaults to the auto-seeded math/rand/v2 generator.
	Shuffler Shuffler
}

type Service struct {
	shuffle Shuffler
}

func NewService(c Config) *Service {
	s := &Service{
		shuffle: c.Shuffler,
	}

	if s.shuffle == nil {
		s.shuffle = rand.Shuffle
	}

	return s
}

// Grade reports whether submitted is the correct answer of q. The comparison is exact and
// case-sensitive after HTML-entity decoding both sides, and does not depend on option order.
func (*Service) Grade(q domain.Question, submitted string) bool {
	return html.UnescapeString(submitted) == html.UnescapeString(q.CorrectAnswer)
}

// FinalPercentage returns 100*score/total, or 0 when nothing was answered. No rounding.
func FinalPercentage(score, total int) float64 {
	if total == 0 {
		return 0
	}

	return 100 * float64(score) / float64(total)
}

// ShuffleOptions sets the presentation order of q's answers: the incorrect answers plus the
// correct one, in a fresh random order.
func (s *Service) ShuffleOptions(q domain.Question) domain.Question {
	options := make([]string, 0, len(q.IncorrectAnswers)+1)
	options = append(options, q.IncorrectAnswers...)
	options = append(options, q.CorrectAnswer)

	s.shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	q.Options = options
	return q
}
