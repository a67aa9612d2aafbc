package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cachepkg "github.com/Tommyz123/AI-notary/pkg/cache/sqlite"
	"github.com/Tommyz123/AI-notary/pkg/config"
	"github.com/Tommyz123/AI-notary/pkg/models"
)

func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Provider = "openai"
	cfg.Providers["openai"] = config.ProviderConfig{
		URL:              upstreamURL,
		APIKey:           "sk-test",
		Model:            "gpt-3.5-turbo",
		MaxTokensCeiling: 500,
	}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BackoffBase = config.Duration(10 * time.Millisecond)
	cfg.Retry.BackoffFactor = 2
	return cfg
}

func newTestCache(t *testing.T) *cachepkg.Cache {
	t.Helper()
	c, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func chatResponse(content string) models.ChatResponse {
	return models.ChatResponse{
		ID:     "chatcmpl-123",
		Object: "chat.completion",
		Model:  "gpt-3.5-turbo",
		Choices: []models.Choice{
			{Index: 0, Message: models.ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
		Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func userMessage(content string) []models.ChatMessage {
	return []models.ChatMessage{{Role: "user", Content: content}}
}

func TestCompleteCachesResponse(t *testing.T) {
	var requests atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("expected provider API key in upstream request")
		}
		json.NewEncoder(w).Encode(chatResponse("Hello!"))
	}))
	defer upstream.Close()

	client, err := New(testConfig(upstream.URL), newTestCache(t))
	if err != nil {
		t.Fatal(err)
	}

	text, err := client.Complete(context.Background(), userMessage("hi"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hello!" {
		t.Errorf("unexpected response: %s", text)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected 1 upstream request, got %d", requests.Load())
	}

	// Identical request is served from the cache.
	text, err = client.Complete(context.Background(), userMessage("hi"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hello!" {
		t.Errorf("unexpected cached response: %s", text)
	}
	if requests.Load() != 1 {
		t.Errorf("expected cache hit, upstream saw %d requests", requests.Load())
	}

	// A different prompt misses.
	if _, err := client.Complete(context.Background(), userMessage("bye"), Options{}); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 2 {
		t.Errorf("expected 2 upstream requests, got %d", requests.Load())
	}
}

func TestCompleteClampsParameters(t *testing.T) {
	var got models.ChatRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse("ok"))
	}))
	defer upstream.Close()

	client, err := New(testConfig(upstream.URL), nil)
	if err != nil {
		t.Fatal(err)
	}

	maxTokens := 4000
	if _, err := client.Complete(context.Background(), userMessage("hi"), Options{MaxTokens: &maxTokens}); err != nil {
		t.Fatal(err)
	}

	if got.MaxTokens != 500 {
		t.Errorf("expected max_tokens clamped to 500, got %d", got.MaxTokens)
	}
	if got.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %v", got.Temperature)
	}
	if got.Stream {
		t.Error("stream must be disabled")
	}
	if got.Model != "gpt-3.5-turbo" {
		t.Errorf("unexpected model: %s", got.Model)
	}
}

func TestRetryableFailureThenSuccess(t *testing.T) {
	var requests atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatResponse("finally"))
	}))
	defer upstream.Close()

	client, err := New(testConfig(upstream.URL), newTestCache(t))
	if err != nil {
		t.Fatal(err)
	}

	text, err := client.Complete(context.Background(), userMessage("hi"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if text != "finally" {
		t.Errorf("unexpected response: %s", text)
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", requests.Load())
	}

	// The successful response was cached.
	if _, err := client.Complete(context.Background(), userMessage("hi"), Options{}); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 3 {
		t.Errorf("expected cache hit after retries, upstream saw %d requests", requests.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var requests atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	client, err := New(testConfig(upstream.URL), nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = client.Complete(context.Background(), userMessage("hi"), Options{})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", requests.Load())
	}
	// Backoff schedule is 10ms + 20ms between the three attempts.
	if elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms of backoff, elapsed %v", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("backoff took too long: %v", elapsed)
	}
}

func TestTerminalErrorNoRetry(t *testing.T) {
	var requests atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	client, err := New(testConfig(upstream.URL), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Complete(context.Background(), userMessage("hi"), Options{})

	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
	if terminal.Status != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", terminal.Status)
	}
	if terminal.Body == "" {
		t.Error("expected error body to be preserved")
	}
	if requests.Load() != 1 {
		t.Errorf("terminal error must not be retried, got %d attempts", requests.Load())
	}
}

func TestConnectionErrorIsRetryable(t *testing.T) {
	// A closed server gives a connection error on every attempt.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	client, err := New(testConfig(upstream.URL), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Complete(context.Background(), userMessage("hi"), Options{})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestMalformedSuccessNotCached(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	cache := &countingCache{}
	client, err := New(testConfig(upstream.URL), cache)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Complete(context.Background(), userMessage("hi"), Options{}); err == nil {
		t.Fatal("expected error for response without choices")
	}
	if cache.puts.Load() != 0 {
		t.Error("malformed response must not be cached")
	}
}

// countingCache records calls without storing anything.
type countingCache struct {
	gets    atomic.Int64
	puts    atomic.Int64
	putErr  error
	stored  string
	haveVal bool
}

func (c *countingCache) Get(key string) (string, bool) {
	c.gets.Add(1)
	return c.stored, c.haveVal
}

func (c *countingCache) Put(key, response string, ttl time.Duration) error {
	c.puts.Add(1)
	c.stored = response
	return c.putErr
}

func TestCacheDisabled(t *testing.T) {
	var requests atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(chatResponse("Hello!"))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Cache.Enabled = false

	// Disabled caching wires a nil cache, exactly as cmd/notary does.
	client, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := client.Complete(context.Background(), userMessage("hi"), Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if requests.Load() != 2 {
		t.Errorf("disabled cache must always reach upstream, got %d requests", requests.Load())
	}
	if client.ProviderInfo().CachingEnabled {
		t.Error("expected caching disabled in provider info")
	}
}

func TestCachePutFailureIsSwallowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse("Hello!"))
	}))
	defer upstream.Close()

	cache := &countingCache{putErr: errors.New("disk full")}
	client, err := New(testConfig(upstream.URL), cache)
	if err != nil {
		t.Fatal(err)
	}

	text, err := client.Complete(context.Background(), userMessage("hi"), Options{})
	if err != nil {
		t.Fatalf("cache write failure must not fail the call: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("unexpected response: %s", text)
	}
	if cache.gets.Load() != 1 || cache.puts.Load() != 1 {
		t.Errorf("expected one get and one put, got %d/%d", cache.gets.Load(), cache.puts.Load())
	}
}

func TestContextCancellationDuringBackoff(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Retry.BackoffBase = config.Duration(time.Second)

	client, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Complete(ctx, userMessage("hi"), Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation should interrupt the backoff wait")
	}
}

func TestUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = "nonexistent"
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}
