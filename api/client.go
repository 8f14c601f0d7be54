// Package api is the HTTP client for the messaging endpoints of the platform.
package api

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmsync/models"
)

const (
	// DefaultRequestTimeout bounds every non-streaming request.
	DefaultRequestTimeout = 15 * time.Second

	maxErrorBodySize = 4 * 1024
)

var (
	// ErrUnauthorized indicates the server rejected the bearer token (401/403).
	ErrUnauthorized = errors.New("api: session expired")
	// ErrMissingToken indicates a request was attempted without a token.
	ErrMissingToken = errors.New("api: token is required")
)

// StatusError is returned for non-2xx responses other than 401/403.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: unexpected status %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	// HTTPClient must not set a Timeout; the stream request is long-lived.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client issues authenticated requests against the messaging API.
type Client struct {
	baseURL        *url.URL
	token          string
	http           *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

// New creates a Client for baseURL (everything before /message/...).
func New(baseURL, token string, options Options) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse base url %q: scheme and host are required", baseURL)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        parsed,
		token:          token,
		http:           httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}, nil
}

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}

type markReadRequest struct {
	SenderID string `json:"senderId"`
}

type conversationsResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
}

type historyResponse struct {
	Messages []models.Message `json:"messages"`
}

// SendMessage creates a message and returns the server's canonical record.
func (c *Client) SendMessage(ctx context.Context, receiverID, body string) (models.Message, error) {
	var message models.Message
	err := c.doJSON(ctx, http.MethodPost, "/message/send", sendRequest{ReceiverID: receiverID, Body: body}, &message)
	if err != nil {
		return models.Message{}, fmt.Errorf("send message to %q: %w", receiverID, err)
	}
	return message, nil
}

// Conversations returns the server-computed conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp conversationsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/message/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Conversations, nil
}

// History returns the full message history with otherUserID.
func (c *Client) History(ctx context.Context, otherUserID string) ([]models.Message, error) {
	var resp historyResponse
	path := "/message/history/" + url.PathEscape(otherUserID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get history with %q: %w", otherUserID, err)
	}
	return resp.Messages, nil
}

// MarkRead marks every message from senderID as read on the server.
func (c *Client) MarkRead(ctx context.Context, senderID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/message/mark-read", markReadRequest{SenderID: senderID}, nil); err != nil {
		return fmt.Errorf("mark read from %q: %w", senderID, err)
	}
	return nil
}

// DeleteConversation purges the conversation with otherUserID on the server.
func (c *Client) DeleteConversation(ctx context.Context, otherUserID string) error {
	path := "/message/conversation/" + url.PathEscape(otherUserID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete conversation with %q: %w", otherUserID, err)
	}
	return nil
}

// UnreadCount returns the global unread total.
func (c *Client) UnreadCount(ctx context.Context) (models.UnreadCount, error) {
	var resp models.UnreadCount
	if err := c.doJSON(ctx, http.MethodGet, "/message/unread-count", nil, &resp); err != nil {
		return models.UnreadCount{}, fmt.Errorf("get unread count: %w", err)
	}
	return resp, nil
}

// OpenStream issues the long-lived stream request with token and returns the
// response body. The caller owns the body and must close it.
func (c *Client) OpenStream(ctx context.Context, token string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/message/stream", token, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, c.token, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("request_id", req.Header.Get("X-Request-ID")),
	)

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	endpoint := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
