package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ensys/ensys-widget/internal/models"
)

// ChatClient talks to the chatbot backend. Every call is a single form-encoded POST to the backend's
// /chat endpoint, and the raw response body is the reply.
type ChatClient struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

const maxReplySize = 1 << 20

// ErrReplyTooLarge is returned when the backend's reply exceeds the size the client accepts.
var ErrReplyTooLarge = errors.New("reply too large")

// NewChatClient creates a ChatClient for the backend rooted at baseURL. The client carries no timeout of
// its own; callers bound each call through the context.
func NewChatClient(baseURL string, client *http.Client, logger *slog.Logger) (ChatClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ChatClient{}, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return ChatClient{}, fmt.Errorf("invalid backend url %q: scheme and host are required", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}

	return ChatClient{
		endpoint: u.JoinPath("chat").String(),
		client:   client,
		logger:   logger.With(slog.String("module", "chatclient")),
	}, nil
}

// Chat sends the prompt and returns the reply body. Network errors and non-2xx statuses are both
// returned as errors.
func (c ChatClient) Chat(ctx context.Context, prompt models.Prompt) (string, error) {
	form := url.Values{}
	form.Set("prompt", prompt.Text)
	if prompt.Sentiment != nil {
		form.Set("sentiment", *prompt.Sentiment)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("Request", slog.String("prompt", prompt.Text))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize+1))
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}
	if len(body) > maxReplySize {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrReplyTooLarge, maxReplySize)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	return string(body), nil
}
