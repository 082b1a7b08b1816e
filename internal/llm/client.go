// Package llm is the single-call driver for the chat-completion
// endpoint: JSON-mode requests, a bounded retry policy, and usage
// accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 120 * time.Second
	maxBackoff      = 30 * time.Second
	excerptLimit    = 200
	maxIdleConns    = 100
	idleConnTimeout = 90 * time.Second
)

// RetryPolicy bounds the retry loop. MaxAttempts is the total number
// of requests issued, not the number of retries after the first.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the configured defaults: 3 attempts,
// 1s base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Client is a chat-completion API client with pooled connections and
// retries. BaseURL is injectable for tests.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	retry      RetryPolicy
}

// NewClient creates a client for the given endpoint. An empty baseURL
// selects the default endpoint.
func NewClient(apiKey, baseURL string, retry RetryPolicy) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = 2
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		apiKey:  apiKey,
		baseURL: baseURL,
		retry:   retry,
	}
}

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm API error %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is in the retryable set.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusInternalServerError ||
		e.Status == http.StatusServiceUnavailable
}

// BadResponseError means the model's textual response was not valid
// JSON. It carries a truncated excerpt for diagnosis.
type BadResponseError struct {
	Excerpt string
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("llm returned non-JSON response: %q", e.Excerpt)
}

type chatRequest struct {
	Model          string         `json:"model"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// CallOptions shape a single ProcessWithAI call.
type CallOptions struct {
	Model     string
	MaxTokens int
	// OnUsage, when set, receives the token counts and the model the
	// endpoint actually served.
	OnUsage func(inputTokens, outputTokens int, model string)
}

// ProcessWithAI issues one JSON-mode chat-completion request with a
// single user message and returns the raw JSON object the model
// produced. The whole call, including retries, is wrapped by the
// client's retry policy.
func (c *Client) ProcessWithAI(ctx context.Context, prompt string, opts CallOptions) (json.RawMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model:          opts.Model,
		MaxTokens:      opts.MaxTokens,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, c.retry, attempt-1); err != nil {
				return nil, err
			}
		}

		result, err := c.doRequest(ctx, body, opts)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("llm call failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte, opts CallOptions) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: excerpt(string(respBody))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response envelope: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	content := parsed.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, &BadResponseError{Excerpt: excerpt(content)}
	}

	if opts.OnUsage != nil {
		model := parsed.Model
		if model == "" {
			model = opts.Model
		}
		opts.OnUsage(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, model)
	}

	return json.RawMessage(content), nil
}

// isRetryable classifies transient failures: the retryable status set,
// connection resets and timeouts. Everything else propagates
// immediately, including bad-response errors.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var badResp *BadResponseError
	if errors.As(err, &badResp) {
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// sleepBackoff waits base*multiplier^(attempt-1), capped at 30s, plus
// uniform jitter in [0, 0.1*delay].
func sleepBackoff(ctx context.Context, p RetryPolicy, attempt int) error {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	delay += rand.Float64() * 0.1 * delay

	select {
	case <-time.After(time.Duration(delay)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func excerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit] + "..."
}
