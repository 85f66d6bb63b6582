package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"chat-gateway/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// ChatRequest is one non-streaming completion call.
type ChatRequest struct {
	Model       string
	Messages    []domain.ChatMessage
	Temperature float64
	MaxTokens   *int
}

// ChatResult is the assistant reply plus provider metadata.
type ChatResult struct {
	Content  string
	Usage    domain.Usage
	Metadata map[string]any
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	api        *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeBaseURL(c.baseURL)
	cfg.HTTPClient = c.httpClient
	c.api = goopenai.NewClientWithConfig(cfg)
	return c, nil
}

// normalizeBaseURL returns an API root ending in /v1.
func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Chat sends the full ordered history in one attempt; retries are the
// caller's decision.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if req.Model == "" {
		return ChatResult{}, errors.New("openai: model must not be empty")
	}
	if len(req.Messages) == 0 {
		return ChatResult{}, errors.New("openai: messages must not be empty")
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	in := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: wireTemperature(req.Temperature),
	}
	if req.MaxTokens != nil {
		in.MaxTokens = *req.MaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, in)
	if err != nil {
		return ChatResult{}, fmt.Errorf("openai: request failed: %w", statusError(err))
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, errors.New("openai: no choices in response")
	}
	choice := resp.Choices[0]

	usage := domain.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	meta := map[string]any{}
	if resp.ID != "" {
		meta["id"] = resp.ID
	}
	if resp.Model != "" {
		meta["model"] = resp.Model
	}
	if choice.FinishReason != "" {
		meta["finish_reason"] = string(choice.FinishReason)
	}
	if resp.SystemFingerprint != "" {
		meta["system_fingerprint"] = resp.SystemFingerprint
	}

	return ChatResult{
		Content:  choice.Message.Content,
		Usage:    usage,
		Metadata: meta,
	}, nil
}

// wireTemperature maps 0 to the smallest float32: the SDK omits a zero
// temperature and the provider would then apply its default of 1.
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// statusError lifts SDK errors that carry an HTTP status into HTTPStatusError.
func statusError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return err
}
