// Package opentdb fetches random multiple-choice questions from the Open Trivia Database.
package opentdb

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"circuit-trivia-bot/internal/domain"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://opentdb.com"

// Response codes of the api.php endpoint.
const (
	codeSuccess   = 0
	codeNoResults = 1
	codeRateLimit = 5
)

// Client is an Open Trivia Database client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
	backoff    func() retry.Backoff
}

func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
		},
	}
}

// WithBackoff replaces the retry policy.
func (c *Client) WithBackoff(b func() retry.Backoff) *Client {
	c.backoff = b
	return c
}

type apiResponse struct {
	ResponseCode int `json:"response_code"`
	Results      []struct {
		Category         string   `json:"category"`
		Difficulty       string   `json:"difficulty"`
		Question         string   `json:"question"`
		CorrectAnswer    string   `json:"correct_answer"`
		IncorrectAnswers []string `json:"incorrect_answers"`
	} `json:"results"`
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("opentdb: unexpected status %d", e.status)
}

// RandomQuestion returns one question. Entities in the text are decoded so the stored
// correct answer matches the option value users submit.
func (c *Client) RandomQuestion(ctx context.Context, difficulty string, categoryID int) (domain.TriviaQuestion, error) {
	query := url.Values{}
	query.Set("amount", "1")
	query.Set("type", "multiple")
	if difficulty != "" {
		query.Set("difficulty", difficulty)
	}
	if categoryID > 0 {
		query.Set("category", strconv.Itoa(categoryID))
	}
	endpoint := c.baseURL + "/api.php?" + query.Encode()

	var resp apiResponse
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		r, err := c.fetch(ctx, endpoint)
		if err != nil {
			if se, ok := err.(statusError); ok && se.status < 500 && se.status != http.StatusTooManyRequests {
				return err
			}
			return retry.RetryableError(err)
		}
		if r.ResponseCode == codeRateLimit {
			return retry.RetryableError(fmt.Errorf("opentdb: rate limited"))
		}
		resp = r
		return nil
	})
	if err != nil {
		return domain.TriviaQuestion{}, err
	}

	switch {
	case resp.ResponseCode == codeNoResults, resp.ResponseCode == codeSuccess && len(resp.Results) == 0:
		return domain.TriviaQuestion{}, domain.ErrNoQuestion
	case resp.ResponseCode != codeSuccess:
		return domain.TriviaQuestion{}, fmt.Errorf("opentdb: response code %d", resp.ResponseCode)
	}

	r := resp.Results[0]
	q := domain.TriviaQuestion{
		Category:      html.UnescapeString(r.Category),
		Difficulty:    r.Difficulty,
		Text:          html.UnescapeString(r.Question),
		CorrectAnswer: html.UnescapeString(r.CorrectAnswer),
	}
	for _, a := range r.IncorrectAnswers {
		q.IncorrectAnswers = append(q.IncorrectAnswers, html.UnescapeString(a))
	}
	c.logger.Debug("fetched question", zap.String("category", q.Category), zap.String("difficulty", q.Difficulty))
	return q, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) (apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return apiResponse{}, statusError{status: resp.StatusCode}
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
