// Package circuit is a client for the Circuit REST API endpoints the trivia bot uses.
package circuit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"circuit-trivia-bot/internal/domain"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Webhook event filters.
const (
	FilterAddItem        = "CONVERSATION.ADD_ITEM"
	FilterSubmitFormData = "USER.SUBMIT_FORM_DATA"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("circuit API error: status %d, body: %s", e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client talks to one Circuit domain, e.g. https://circuitsandbox.net.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
	backoff    func() retry.Backoff
}

func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		},
	}
}

// WithBackoff replaces the retry policy for idempotent reads.
func (c *Client) WithBackoff(b func() retry.Backoff) *Client {
	c.backoff = b
	return c
}

type messageBody struct {
	Content      string `json:"content,omitempty"`
	FormMetaData string `json:"formMetaData,omitempty"`
}

type itemResponse struct {
	ItemID string `json:"itemId"`
	ConvID string `json:"convId"`
	Text   struct {
		Content      string `json:"content"`
		FormMetaData string `json:"formMetaData"`
	} `json:"text"`
}

func (r itemResponse) item() domain.Item {
	return domain.Item{ItemID: r.ItemID, ConversationID: r.ConvID, FormMetaData: r.Text.FormMetaData}
}

// PostMessage posts msg to a conversation, as a reply to parentID when it is set.
func (c *Client) PostMessage(ctx context.Context, cred domain.Credential, convID, parentID string, msg domain.Message) (domain.Item, error) {
	endpoint := "/rest/conversations/" + url.PathEscape(convID) + "/messages"
	if parentID != "" {
		endpoint += "/" + url.PathEscape(parentID)
	}
	body, err := encodeMessage(msg)
	if err != nil {
		return domain.Item{}, err
	}
	raw, err := c.doRequest(ctx, cred.Token, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return domain.Item{}, err
	}
	var resp itemResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Item{}, fmt.Errorf("decode posted item: %w", err)
	}
	return resp.item(), nil
}

// UpdateMessage replaces the content and form of an existing item. Empty fields are left unchanged.
func (c *Client) UpdateMessage(ctx context.Context, cred domain.Credential, convID, itemID string, msg domain.Message) error {
	endpoint := "/rest/conversations/" + url.PathEscape(convID) + "/messages/" + url.PathEscape(itemID)
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, cred.Token, http.MethodPut, endpoint, nil, body)
	return err
}

// GetMessage reads an item with its form metadata.
func (c *Client) GetMessage(ctx context.Context, cred domain.Credential, itemID string) (domain.Item, error) {
	raw, err := c.get(ctx, cred.Token, "/rest/conversations/messages/"+url.PathEscape(itemID), nil)
	if err != nil {
		return domain.Item{}, err
	}
	var resp itemResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Item{}, fmt.Errorf("decode item: %w", err)
	}
	return resp.item(), nil
}

// ListUsers looks up users by id. The caller keeps the id list short; see app.ResolveNames.
func (c *Client) ListUsers(ctx context.Context, cred domain.Credential, userIDs []string) ([]domain.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("name", strings.Join(userIDs, ","))
	raw, err := c.get(ctx, cred.Token, "/rest/users/list", query)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// Profile is the authenticated user's profile.
type Profile struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Profile returns the user the token belongs to.
func (c *Client) Profile(ctx context.Context, token string) (Profile, error) {
	raw, err := c.get(ctx, token, "/rest/users/profile", nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// RegisterWebhook subscribes callbackURL to filter and returns the webhook id.
func (c *Client) RegisterWebhook(ctx context.Context, token, callbackURL, filter string) (string, error) {
	form := url.Values{}
	form.Set("url", callbackURL)
	form.Set("filter", filter)
	raw, err := c.doRequest(ctx, token, http.MethodPost, "/rest/webhooks", nil, &requestBody{
		contentType: "application/x-www-form-urlencoded",
		data:        []byte(form.Encode()),
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(string(raw)), `"`), nil
}

// DeleteWebhooks removes every webhook registered with token.
func (c *Client) DeleteWebhooks(ctx context.Context, token string) error {
	_, err := c.doRequest(ctx, token, http.MethodDelete, "/rest/webhooks", nil, nil)
	return err
}

type requestBody struct {
	contentType string
	data        []byte
}

func encodeMessage(msg domain.Message) (*requestBody, error) {
	body := messageBody{Content: msg.Content}
	if msg.Form != nil {
		form, err := json.Marshal(msg.Form)
		if err != nil {
			return nil, fmt.Errorf("encode form: %w", err)
		}
		body.FormMetaData = string(form)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return &requestBody{contentType: "application/json", data: data}, nil
}

// get retries transport failures and temporary API errors.
func (c *Client) get(ctx context.Context, token, endpoint string, query url.Values) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		raw, err := c.doRequest(ctx, token, http.MethodGet, endpoint, query, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return err
		}
		if err != nil {
			c.logger.Debug("retrying circuit request", zap.String("endpoint", endpoint), zap.Error(err))
			return retry.RetryableError(err)
		}
		out = raw
		return nil
	})
	return out, err
}

// doRequest performs an HTTP request to the Circuit API
func (c *Client) doRequest(ctx context.Context, token, method, endpoint string, query url.Values, body *requestBody) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body.data)
	}

	fullURL := c.baseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}

	c.logger.Debug("circuit request", zap.String("method", method), zap.String("endpoint", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("circuit API error", zap.Int("status", resp.StatusCode), zap.String("endpoint", endpoint))
		return respBody, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
