// Package chat is the client for the follow-up chat collaborator, which
// answers questions about a finished report.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/version"
)

// Roles used in Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when the collaborator answers without content.
var ErrEmptyResponse = errors.New("chat response has no content")

// Message is one conversation turn sent as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the collaborator's answer.
type Response struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type request struct {
	Report   string    `json:"report"`
	Messages []Message `json:"messages"`
}

type envelope struct {
	Response *Response `json:"response"`
}

// RequestError is a non-success reply from the collaborator.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat request failed with status %d: %s", e.StatusCode, e.Body)
}

// Asker answers one chat turn. Client implements it.
type Asker interface {
	Ask(ctx context.Context, report string, messages []Message) (*Response, error)
}

// Client posts chat turns to the configured URL.
type Client struct {
	cfg        *config.ChatConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a client for cfg.
func NewClient(cfg *config.ChatConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Ask sends report as context together with the conversation so far. The
// last message is the turn being answered.
func (c *Client) Ask(ctx context.Context, report string, messages []Message) (*Response, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if messages == nil {
		messages = []Message{}
	}

	body, err := json.Marshal(request{Report: report, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	version.SetUserAgent(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if env.Response == nil || env.Response.Content == "" {
		return nil, ErrEmptyResponse
	}
	if bytes.Equal(bytes.TrimSpace(env.Response.Metadata), []byte("null")) {
		env.Response.Metadata = nil
	}

	c.logger.Debug("Chat response received",
		"turns", len(messages), "content_bytes", len(env.Response.Content))
	return env.Response, nil
}
