package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"time"

	cachepkg "github.com/Tommyz123/AI-notary/pkg/cache/sqlite"
	"github.com/Tommyz123/AI-notary/pkg/config"
	"github.com/Tommyz123/AI-notary/pkg/models"
)

// ResponseCache is the cache surface the client consults before dispatching
// an upstream call. Implemented by cache/sqlite.Cache.
type ResponseCache interface {
	Get(key string) (string, bool)
	Put(key, response string, ttl time.Duration) error
}

// Options override per-call sampling parameters. Nil fields fall back to the
// configured defaults.
type Options struct {
	Temperature *float64
	MaxTokens   *int
}

// Client calls an upstream chat completion endpoint with bounded retries,
// exponential backoff and a cache-first short circuit. A nil cache disables
// caching entirely: no key derivation, no storage access.
type Client struct {
	provider   config.ProviderConfig
	providerID string
	defaults   struct {
		temperature float64
		maxTokens   int
	}
	retry      config.RetryConfig
	cache      ResponseCache
	cacheTTL   time.Duration
	httpClient *http.Client
}

// New builds a Client from configuration. The connect timeout fails
// connection setup fast; the read timeout bounds the full response since
// generation is slow.
func New(cfg *config.Config, cache ResponseCache) (*Client, error) {
	provider, err := cfg.Active()
	if err != nil {
		return nil, err
	}

	c := &Client{
		provider:   provider,
		providerID: cfg.Provider,
		retry:      cfg.Retry,
		cache:      cache,
		cacheTTL:   cfg.Cache.TTL.Std(),
		httpClient: &http.Client{
			Timeout: cfg.Retry.ReadTimeout.Std(),
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.Retry.ConnectTimeout.Std(),
				}).DialContext,
				TLSHandshakeTimeout: cfg.Retry.ConnectTimeout.Std(),
			},
		},
	}
	c.defaults.temperature = cfg.Temperature
	c.defaults.maxTokens = cfg.MaxTokens
	return c, nil
}

// Info describes the active provider configuration.
type Info struct {
	Provider       string
	Model          string
	URL            string
	CachingEnabled bool
}

// ProviderInfo returns the active provider details.
func (c *Client) ProviderInfo() Info {
	return Info{
		Provider:       c.providerID,
		Model:          c.provider.Model,
		URL:            c.provider.URL,
		CachingEnabled: c.cache != nil,
	}
}

// clamp resolves the effective sampling parameters for a call. The token
// budget is capped at the provider ceiling so the cache key reflects what is
// actually sent.
func (c *Client) clamp(opts Options) (temperature float64, maxTokens int) {
	temperature = c.defaults.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens = c.defaults.maxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	if c.provider.MaxTokensCeiling > 0 && maxTokens > c.provider.MaxTokensCeiling {
		maxTokens = c.provider.MaxTokensCeiling
	}
	return temperature, maxTokens
}

// Complete sends the conversation upstream and returns the generated text.
// The cache is consulted first; on a miss the call is retried with
// exponential backoff for rate-limit and server-side transient failures.
// Any other non-200 status fails immediately with a *TerminalError.
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error) {
	temperature, maxTokens := c.clamp(opts)

	var key string
	if c.cache != nil {
		key = cachepkg.Key(messages, c.provider.Model, temperature, maxTokens)
		if cached, ok := c.cache.Get(key); ok {
			return cached, nil
		}
	}

	payload, err := json.Marshal(models.ChatRequest{
		Model:       c.provider.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.retry, attempt-1); err != nil {
				return "", err
			}
		}

		res, err := c.doUpstreamRequest(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Connection resets and read timeouts are transient.
			lastErr = err
			continue
		}

		if res.statusCode == http.StatusOK {
			text, err := extractContent(res.body)
			if err != nil {
				return "", fmt.Errorf("parse response: %w", err)
			}
			if c.cache != nil {
				if err := c.cache.Put(key, text, c.cacheTTL); err != nil {
					log.Printf("cache put failed: %v", err)
				}
			}
			return text, nil
		}

		if !c.retry.Retryable(res.statusCode) {
			return "", &TerminalError{Status: res.statusCode, Body: string(res.body)}
		}
		lastErr = fmt.Errorf("HTTP %d: %s", res.statusCode, res.body)
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retry.MaxAttempts, lastErr)
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// doUpstreamRequest sends one POST to the provider and reads the full body.
func (c *Client) doUpstreamRequest(ctx context.Context, payload []byte) (*upstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.provider.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.provider.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{statusCode: resp.StatusCode, body: body}, nil
}

// extractContent pulls the generated text out of a 200 response. A response
// with no usable text is never cached.
func extractContent(body []byte) (string, error) {
	var resp models.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}

// sleepBackoff waits base * factor^attempt, or returns early if the caller
// abandons the call.
func sleepBackoff(ctx context.Context, policy config.RetryConfig, attempt int) error {
	delay := time.Duration(float64(policy.BackoffBase.Std()) * math.Pow(policy.BackoffFactor, float64(attempt)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
