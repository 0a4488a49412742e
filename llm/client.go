// Package llm provides a provider-agnostic LLM client with retries,
// embeddings, and reasoning-model parameter shaping. Providers register
// themselves at init; the client speaks to exactly one configured
// provider endpoint.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/metrics"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Config selects the provider endpoint the client talks to.
type Config struct {
	// Provider is a registered provider name ("openai", "anthropic", "ollama").
	Provider string
	// Endpoint is the provider base URL. Empty uses the provider default.
	Endpoint string
	// APIKey authenticates requests. Empty falls back to the provider's
	// conventional environment variable.
	APIKey string
	// Model is the default chat model.
	Model string
	// EmbeddingModel is the default embedding model.
	EmbeddingModel string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// Client is a provider-agnostic LLM client with retry support.
type Client struct {
	config      Config
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// ChatRequest defines an LLM completion request.
type ChatRequest struct {
	// Model overrides the client's default chat model when set.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. nil uses the endpoint default.
	MaxTokens *int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse contains the LLM completion result.
type ChatResponse struct {
	// RequestID uniquely identifies this call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics when the provider
	// reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ChatResult carries an async completion outcome.
type ChatResult struct {
	Response *ChatResponse
	Err      error
}

// EmbedResult carries an async embedding outcome.
type EmbedResult struct {
	Vectors [][]float32
	Err     error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates an LLM client for the configured provider.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if GetProvider(cfg.Provider) == nil {
		return nil, cserr.NewConfigError("llm.provider", fmt.Errorf("unknown provider %q", cfg.Provider))
	}
	if cfg.Model == "" {
		return nil, cserr.NewConfigError("llm.model", fmt.Errorf("model is required"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second // Allow time for LLM responses
	}

	c := &Client{
		config:      cfg,
		retryConfig: DefaultRetryConfig(),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Chat sends a completion request, retrying transient failures with
// jittered exponential backoff.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	requestID := uuid.New().String()
	startedAt := time.Now()
	params := AdjustParams(model, req.MaxTokens, req.Temperature)

	var resp *ChatResponse
	err := c.withRetry(ctx, "chat", func() error {
		r, err := c.doChat(ctx, model, req.Messages, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	duration := time.Since(startedAt)
	metrics.LLMRequestDuration.WithLabelValues(c.config.Provider).Observe(duration.Seconds())
	metrics.LLMRequestsTotal.WithLabelValues(c.config.Provider, strconv.FormatBool(err == nil)).Inc()

	if err != nil {
		c.logger.Warn("LLM chat failed",
			"request_id", requestID,
			"provider", c.config.Provider,
			"model", model,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, unwrapClassified(err)
	}

	resp.RequestID = requestID
	c.logger.Debug("LLM chat completed",
		"request_id", requestID,
		"provider", c.config.Provider,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", duration.Milliseconds())

	return resp, nil
}

// ChatAsync runs Chat in a goroutine and delivers the result on the
// returned channel. The channel is buffered; the caller may abandon it.
func (c *Client) ChatAsync(ctx context.Context, req ChatRequest) <-chan ChatResult {
	ch := make(chan ChatResult, 1)
	go func() {
		resp, err := c.Chat(ctx, req)
		ch <- ChatResult{Response: resp, Err: err}
	}()
	return ch
}

// Embed computes embedding vectors for the given texts. The provider
// must support embeddings; Anthropic, for example, does not.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("at least one text is required")
	}

	provider := GetProvider(c.config.Provider)
	embedder, ok := provider.(Embedder)
	if !ok {
		return nil, cserr.NewConfigError("llm.provider",
			fmt.Errorf("provider %q does not support embeddings", c.config.Provider))
	}

	if model == "" {
		model = c.config.EmbeddingModel
	}
	if model == "" {
		return nil, cserr.NewConfigError("llm.embedding_model", fmt.Errorf("embedding model is required"))
	}

	startedAt := time.Now()
	var vectors [][]float32
	err := c.withRetry(ctx, "embed", func() error {
		v, err := c.doEmbed(ctx, embedder, model, texts)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	})

	duration := time.Since(startedAt)
	metrics.LLMRequestDuration.WithLabelValues(c.config.Provider).Observe(duration.Seconds())
	metrics.LLMRequestsTotal.WithLabelValues(c.config.Provider, strconv.FormatBool(err == nil)).Inc()

	if err != nil {
		return nil, unwrapClassified(err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedAsync runs Embed in a goroutine and delivers the result on the
// returned channel.
func (c *Client) EmbedAsync(ctx context.Context, texts []string, model string) <-chan EmbedResult {
	ch := make(chan EmbedResult, 1)
	go func() {
		vectors, err := c.Embed(ctx, texts, model)
		ch <- EmbedResult{Vectors: vectors, Err: err}
	}()
	return ch
}

// CheckHealth verifies the provider endpoint is reachable and the
// credentials are accepted.
func (c *Client) CheckHealth(ctx context.Context) error {
	provider := GetProvider(c.config.Provider)
	url := provider.HealthURL(c.config.Endpoint)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	provider.SetHeaders(httpReq, c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llm endpoint unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return unwrapClassified(c.classifyHTTPError(httpResp.StatusCode, httpResp.Header, body))
	}
	return nil
}

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.config.Provider }

// Model returns the configured default chat model.
func (c *Client) Model() string { return c.config.Model }

// withRetry runs fn up to MaxAttempts times, backing off between
// transient failures. Fatal errors abort immediately.
func (c *Client) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry fatal errors
		if IsFatal(err) {
			return err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.backoff(attempt)
			if hint := RetryAfterHint(err); hint > backoff {
				backoff = hint
			}
			c.logger.Debug("LLM request failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				// Continue to retry
			}
		}
	}

	return lastErr
}

// doChat executes a single chat HTTP request.
func (c *Client) doChat(ctx context.Context, model string, messages []Message, params RequestParams) (*ChatResponse, error) {
	provider := GetProvider(c.config.Provider)
	url := provider.BuildURL(c.config.Endpoint)

	body, err := provider.BuildRequestBody(model, messages, params)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	respBody, err := c.post(ctx, url, provider, body)
	if err != nil {
		return nil, err
	}

	return provider.ParseResponse(respBody, model)
}

// doEmbed executes a single embedding HTTP request.
func (c *Client) doEmbed(ctx context.Context, embedder Embedder, model string, texts []string) ([][]float32, error) {
	provider := GetProvider(c.config.Provider)
	url := embedder.BuildEmbeddingURL(c.config.Endpoint)

	body, err := embedder.BuildEmbeddingBody(model, texts)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build embedding body: %w", err))
	}

	respBody, err := c.post(ctx, url, provider, body)
	if err != nil {
		return nil, err
	}

	return embedder.ParseEmbeddingResponse(respBody)
}

// post sends a JSON body and returns the response body, classifying
// HTTP failures as transient or fatal.
func (c *Client) post(ctx context.Context, url string, provider Provider, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	return respBody, nil
}

// tenantPattern pulls a tenant/organization identifier out of provider
// error text when one is present.
var tenantPattern = regexp.MustCompile(`(?i)(?:tenant|organization|org)[ _-]?(?:id)?['"]?[:= ]+['"]?([A-Za-z0-9][A-Za-z0-9_-]*)`)

// extractTenantID scrapes a tenant identifier from an error body.
func extractTenantID(body []byte) string {
	m := tenantPattern.FindSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return string(m[1])
}

// classifyHTTPError determines if an HTTP error is transient or fatal
// and attaches the matching error kind.
func (c *Client) classifyHTTPError(statusCode int, header http.Header, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient; honor a Retry-After hint when given
		retryAfter := parseRetryAfter(header.Get("Retry-After"))
		return NewTransientErrorWithDelay(cserr.NewLLMRateLimited(c.config.Provider, retryAfter), retryAfter)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Other 5xx errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(cserr.NewLLMAuthError(c.config.Provider, extractTenantID(body), err))
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}

// parseRetryAfter interprets a Retry-After header in seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// unwrapClassified peels the transient/fatal wrapper so callers see the
// underlying error kind.
func unwrapClassified(err error) error {
	switch e := err.(type) {
	case *TransientError:
		return e.Unwrap()
	case *FatalError:
		return e.Unwrap()
	default:
		return err
	}
}
