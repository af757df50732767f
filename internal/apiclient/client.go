// Package apiclient talks to the REST boundary on behalf of the client
// managers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetHistory(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out []domain.Message
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMessage is the durable write. Network failures wrap
// ErrTransportUnavailable; any rejection by the server wraps
// ErrPersistenceFailure.
func (c *Client) CreateMessage(ctx context.Context, req domain.NewMessage) (*domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, http.MethodPost, "/messages", req, &out)
	if err != nil {
		if apperrors.IsTransport(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailure, err)
	}
	return &out, nil
}

func (c *Client) SessionCredential(ctx context.Context, engagementID string) (*domain.SessionCredential, error) {
	var out domain.SessionCredential
	if err := c.do(ctx, http.MethodGet, "/session-credential/"+url.PathEscape(engagementID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", apperrors.ErrTransportUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := string(bodyBytes)
	var apiErr apperrors.APIError
	if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = apperrors.ErrBadRequest
	case http.StatusUnauthorized:
		kind = apperrors.ErrUnauthorized
	case http.StatusForbidden:
		kind = apperrors.ErrForbidden
	case http.StatusNotFound:
		kind = apperrors.ErrNotFound
	case http.StatusTooManyRequests:
		kind = apperrors.ErrRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = apperrors.ErrTransportUnavailable
	default:
		kind = apperrors.ErrInternalServer
	}
	return fmt.Errorf("%w: server returned status %d: %s", kind, resp.StatusCode, msg)
}
