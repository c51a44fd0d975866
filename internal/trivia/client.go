// Package trivia is a client of the Open Trivia Database (https://opentdb.com).
package trivia

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

const (
	DefaultBaseURL     = "https://opentdb.com"
	defaultCategoryTTL = time.Hour
	defaultTimeout     = 10 * time.Second
)

// Response codes of api.php.
const (
	codeSuccess       = 0
	codeNoResults     = 1
	codeInvalidParam  = 2
	codeTokenNotFound = 3
	codeTokenEmpty    = 4
	codeRateLimit     = 5
)

const questionTypeChoices = "multiple"

type Config struct {
	BaseURL string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient  *http.Client
	CategoryTTL time.Duration
}

type Client struct {
	baseURL string
	hc      *http.Client
	ttl     time.Duration

	sf         singleflight.Group
	mu         sync.RWMutex
	categories []domain.Category
	expireAt   time.Time
}

func NewClient(c Config) *Client {
	cl := &Client{
		baseURL: c.BaseURL,
		hc:      c.HTTPClient,
		ttl:     c.CategoryTTL,
	}

	if cl.baseURL == "" {
		cl.baseURL = DefaultBaseURL
	}
	if cl.hc == nil {
		cl.hc = &http.Client{Timeout: defaultTimeout}
	}
	if cl.ttl <= 0 {
		cl.ttl = defaultCategoryTTL
	}

	return cl
}

type rawQuestion struct {
	Type             string   `json:"type"`
	Difficulty       string   `json:"difficulty"`
	Category         string   `json:"category"`
	Question         string   `json:"question"`
	CorrectAnswer    string   `json:"correct_answer"`
	IncorrectAnswers []string `json:"incorrect_answers"`
}

type questionsResponse struct {
	ResponseCode int           `json:"response_code"`
	Results      []rawQuestion `json:"results"`
}

type categoriesResponse struct {
	TriviaCategories []domain.Category `json:"trivia_categories"`
}

type countResponse struct {
	CategoryID int `json:"category_id"`
	Counts     struct {
		Total  int `json:"total_question_count"`
		Easy   int `json:"total_easy_question_count"`
		Medium int `json:"total_medium_question_count"`
		Hard   int `json:"total_hard_question_count"`
	} `json:"category_question_count"`
}

// ListCategories returns the catalog categories. The list is cached for the configured TTL and
// concurrent loads are collapsed into one request, which outlives a caller that gives up waiting.
func (c *Client) ListCategories(ctx context.Context) ([]domain.Category, error) {
	if cats, ok := c.cachedCategories(); ok {
		return cats, nil
	}

	ch := c.sf.DoChan("categories", func() (any, error) {
		if cats, ok := c.cachedCategories(); ok {
			return cats, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()

		var resp categoriesResponse
		if err := c.get(ctx, "/api_category.php", nil, &resp); err != nil {
			return nil, errors.CatalogUnavailable(fmt.Errorf("list categories: %w", err))
		}

		cats := make([]domain.Category, 0, len(resp.TriviaCategories))
		for _, cat := range resp.TriviaCategories {
			cats = append(cats, domain.Category{ID: cat.ID, Name: html.UnescapeString(cat.Name)})
		}

		c.mu.Lock()
		c.categories = cats
		c.expireAt = time.Now().Add(c.ttlWithJitter())
		c.mu.Unlock()

		return cats, nil
	})

	select {
	case <-ctx.Done():
		return nil, errors.CatalogUnavailable(fmt.Errorf("list categories: %w", ctx.Err()))
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]domain.Category), nil
	}
}

func (c *Client) cachedCategories() ([]domain.Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.categories == nil || time.Now().After(c.expireAt) {
		return nil, false
	}

	return c.categories, true
}

// ttlWithJitter adds up to 10% to the TTL so that replicas do not refresh together.
func (c *Client) ttlWithJitter() time.Duration {
	return c.ttl + rand.N(c.ttl/10+1)
}

// FetchQuestions fetches up to amount multiple-choice questions. When the catalog holds fewer
// questions than requested for the category and difficulty, a smaller subset is returned.
//
// The count endpoint reports questions of every type, so a request capped at that count may still
// come back empty; the amount is then halved until a request succeeds or nothing is left.
func (c *Client) FetchQuestions(ctx context.Context, amount, category int, difficulty domain.Difficulty) ([]domain.Question, error) {
	qs, code, err := c.fetchQuestions(ctx, amount, category, difficulty)
	if err != nil {
		return nil, err
	}
	if code != codeNoResults {
		return qs, nil
	}

	available, err := c.countQuestions(ctx, category, difficulty)
	if err != nil {
		return nil, err
	}

	for n := min(amount, available); n > 0; n /= 2 {
		qs, code, err = c.fetchQuestions(ctx, n, category, difficulty)
		if err != nil {
			return nil, err
		}
		if code != codeNoResults {
			return qs, nil
		}
	}

	return []domain.Question{}, nil
}

func (c *Client) fetchQuestions(ctx context.Context, amount, category int, difficulty domain.Difficulty) ([]domain.Question, int, error) {
	q := url.Values{}
	q.Set("amount", strconv.Itoa(amount))
	q.Set("category", strconv.Itoa(category))
	q.Set("difficulty", string(difficulty))
	q.Set("type", questionTypeChoices)

	var resp questionsResponse
	if err := c.get(ctx, "/api.php", q, &resp); err != nil {
		return nil, 0, errors.CatalogUnavailable(fmt.Errorf("fetch questions: %w", err))
	}

	switch resp.ResponseCode {
	case codeSuccess:
	case codeNoResults:
		return nil, codeNoResults, nil
	case codeInvalidParam, codeTokenNotFound, codeTokenEmpty, codeRateLimit:
		return nil, 0, errors.CatalogUnavailable(fmt.Errorf("fetch questions: response_code=%d", resp.ResponseCode))
	default:
		return nil, 0, errors.CatalogUnavailable(fmt.Errorf("fetch questions: unknown response_code=%d", resp.ResponseCode))
	}

	qs := make([]domain.Question, 0, len(resp.Results))
	for _, raw := range resp.Results {
		// A question needs at least one wrong option to be a choice.
		if len(raw.IncorrectAnswers) == 0 {
			slog.WarnContext(ctx, "trivia: skipped question without incorrect answers", "question", raw.Question)
			continue
		}
		qs = append(qs, buildQuestion(raw))
	}

	return qs, codeSuccess, nil
}

func (c *Client) countQuestions(ctx context.Context, category int, difficulty domain.Difficulty) (int, error) {
	q := url.Values{}
	q.Set("category", strconv.Itoa(category))

	var resp countResponse
	if err := c.get(ctx, "/api_count.php", q, &resp); err != nil {
		return 0, errors.CatalogUnavailable(fmt.Errorf("count questions: %w", err))
	}

	switch difficulty {
	case domain.DifficultyEasy:
		return resp.Counts.Easy, nil
	case domain.DifficultyMedium:
		return resp.Counts.Medium, nil
	case domain.DifficultyHard:
		return resp.Counts.Hard, nil
	default:
		return resp.Counts.Total, nil
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}

func buildQuestion(raw rawQuestion) domain.Question {
	incorrect := make([]string, 0, len(raw.IncorrectAnswers))
	for _, a := range raw.IncorrectAnswers {
		incorrect = append(incorrect, html.UnescapeString(a))
	}

	return domain.Question{
		Text:             html.UnescapeString(raw.Question),
		CorrectAnswer:    html.UnescapeString(raw.CorrectAnswer),
		IncorrectAnswers: incorrect,
		Category:         html.UnescapeString(raw.Category),
		Difficulty:       domain.Difficulty(raw.Difficulty),
	}
}
