// Package llm provides the OpenAI-style chat client used by the instruction
// builder and the manager advisor.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kristinday/ace/internal/domain"
)

// BackoffConfig bounds the retry policy around chat calls.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	model   string
	bo      BackoffConfig
	log     *slog.Logger
}

// NewClient builds a chat client.
func NewClient(baseURL, apiKey, model string, bo BackoffConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpc:   &http.Client{Timeout: 60 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		bo:      bo,
		log:     log,
	}
}

var _ domain.ChatClient = (*Client)(nil)

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single-user-message chat request and returns the first
// choice's content. Transient failures (transport errors, 429, 5xx) are
// retried with exponential backoff.
func (c *Client) Complete(ctx domain.Context, prompt string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", domain.NewFatal(domain.FailCredentialMissing, "chat api key not configured")
	}
	payload, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("op=llm.Complete marshal: %w", err)
	}

	var content string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("chat status=%d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("chat status=%d body=%s", resp.StatusCode, body))
		}
		var cr chatResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return backoff.Permanent(err)
		}
		if cr.Error != nil {
			return backoff.Permanent(fmt.Errorf("chat error: %s", cr.Error.Message))
		}
		if len(cr.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("chat returned no choices"))
		}
		content = cr.Choices[0].Message.Content
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.bo.MaxElapsedTime
	eb.InitialInterval = c.bo.InitialInterval
	eb.MaxInterval = c.bo.MaxInterval
	if c.bo.Multiplier > 0 {
		eb.Multiplier = c.bo.Multiplier
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return "", fmt.Errorf("op=llm.Complete: %w", err)
	}
	return content, nil
}
