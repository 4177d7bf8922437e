package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultModel      = "gpt-4o-mini"
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
	backoffFactor     = 2.0
)

// Config configures an OpenAI-compatible chat client. Any server speaking the
// Chat Completions protocol works (OpenAI, Ollama at http://localhost:11434/v1,
// LiteLLM, vLLM).
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // empty means the OpenAI default

	// MaxRetries bounds retries of rate-limited (429), 5xx and transport failures.
	MaxRetries int

	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// JSONMode asks the server for a JSON object in CompleteWithSchema.
	JSONMode bool

	HTTPClient *http.Client
}

// OpenAILLM implements LLMClient for OpenAI's Chat Completions API
type OpenAILLM struct {
	Model string

	client     *openai.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	jsonMode   bool
}

var _ LLMClient = (*OpenAILLM)(nil)

// NewOpenAILLM creates a client for the OpenAI API with default settings.
func NewOpenAILLM(apiKey string) *OpenAILLM {
	return NewOpenAILLMWithConfig(Config{APIKey: apiKey})
}

// NewOpenAILLMWithConfig creates a client from cfg, filling defaults.
func NewOpenAILLMWithConfig(cfg Config) *OpenAILLM {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = maxRetries
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &OpenAILLM{
		Model:      cfg.Model,
		client:     openai.NewClientWithConfig(oc),
		limiter:    limiter,
		logger:     slog.Default(),
		maxRetries: cfg.MaxRetries,
		retryDelay: initialRetryDelay,
		jsonMode:   cfg.JSONMode,
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("llm circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A cancelled caller says nothing about the server's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !isRetryable(err)
		},
	})
	return c
}

// SetLogger replaces the logger; nil restores slog.Default().
func (o *OpenAILLM) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	o.logger = logger
}

// Complete sends a prompt to the Chat Completions API and returns the response
func (o *OpenAILLM) Complete(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, prompt, false)
}

func (o *OpenAILLM) complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	var lastErr error
	delay := o.retryDelay

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter between 0.5x and 1.5x of delay
			jitter := delay/2 + time.Duration(rand.Int63n(int64(delay)+1))
			o.logger.Debug("retrying llm request", "attempt", attempt, "delay", jitter, "error", lastErr)
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		out, err := o.breaker.Execute(func() (interface{}, error) {
			return o.makeRequest(ctx, prompt, jsonMode)
		})
		if err == nil {
			return out.(string), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}

		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed after %d retries: %w", o.maxRetries, lastErr)
}

// CompleteWithSchema sends a prompt and unmarshals the JSON response into the provided schema
func (o *OpenAILLM) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	response, err := o.complete(ctx, prompt, o.jsonMode)
	if err != nil {
		return err
	}
	return DecodeJSON(response, schema, o.logger)
}

// DecodeJSON strips code fences from an LLM response, repairs string arrays
// (see NormalizeJSON) and unmarshals into schema.
func DecodeJSON(response string, schema any, logger *slog.Logger) error {
	cleaned := stripMarkdownCodeFence(response)

	normalized, changed, err := NormalizeJSON([]byte(cleaned), DefaultListKeys...)
	if err != nil {
		return fmt.Errorf("failed to normalize LLM response: %w", err)
	}
	if changed && logger != nil {
		logger.Warn("llm response contained arrays where strings were expected; joined them")
	}

	if err := json.Unmarshal(normalized, schema); err != nil {
		return fmt.Errorf("failed to unmarshal LLM response: %w", err)
	}
	return nil
}

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*\n?(.*?)\\s*```$")

// stripMarkdownCodeFence removes ```json ... ``` wrapping.
func stripMarkdownCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeFence.FindStringSubmatch(s); len(matches) == 2 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

func (o *OpenAILLM) makeRequest(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// isRetryable reports whether err is a rate limit, a server error or a transport
// failure. Other API errors (bad request, auth) are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	if strings.Contains(err.Error(), "no completion choices") {
		return false
	}
	// Anything else came from the transport.
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
