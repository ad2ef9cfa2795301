// Package ai calls the LLM relevance endpoint used as the final
// validation stage. One request covers a whole articulum.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
)

const (
	maxTitleLen   = 100
	maxSnippetLen = 200
)

// ErrUnavailable wraps transport, protocol, and breaker failures. The
// caller rolls the articulum back instead of rejecting items.
var ErrUnavailable = errors.New("ai endpoint unavailable")

// Item is one listing sent for relevance judgment.
type Item struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Snippet string   `json:"snippet"`
	Price   *float64 `json:"price"`
}

// RejectedItem is one negative verdict.
type RejectedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Decision is the endpoint's verdict for one articulum. Items mentioned
// in neither list are treated as rejected with reason "no decision".
type Decision struct {
	Passed   []string       `json:"passed"`
	Rejected []RejectedItem `json:"rejected"`
}

type request struct {
	Model     string `json:"model,omitempty"`
	Articulum string `json:"articulum"`
	Listings  []Item `json:"listings"`
}

// Client is the HTTP client for the relevance endpoint. A circuit breaker
// fails fast once the endpoint starts timing out, so validation workers
// roll articulums back immediately instead of queueing behind a dead
// upstream.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	maxItems int
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewClient creates an AI validation client from config.
func NewClient(cfg *config.AIConfig) *Client {
	settings := gobreaker.Settings{
		Name:    "ai-validation",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("AI circuit breaker state change",
				"from", from.String(), "to", to.String())
			switch to {
			case gobreaker.StateOpen:
				metrics.AICircuitBreakerState.Set(metrics.CircuitBreakerOpen)
			case gobreaker.StateHalfOpen:
				metrics.AICircuitBreakerState.Set(metrics.CircuitBreakerHalfOpen)
			default:
				metrics.AICircuitBreakerState.Set(metrics.CircuitBreakerClosed)
			}
		},
	}

	return &Client{
		endpoint: cfg.EndpointURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		maxItems: cfg.MaxListingsPerRequest,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// Validate asks the endpoint which items are relevant to the articulum.
// Titles and snippets are truncated to keep the payload bounded; the item
// list is capped at MaxListingsPerRequest. Overflow items are never sent,
// so the Decision carries no verdict for them and the caller records them
// as rejected.
func (c *Client) Validate(ctx context.Context, articulum string, items []Item) (*Decision, error) {
	if len(items) > c.maxItems && c.maxItems > 0 {
		items = items[:c.maxItems]
	}
	for i := range items {
		items[i].Title = truncate(items[i].Title, maxTitleLen)
		items[i].Snippet = truncate(items[i].Snippet, maxSnippetLen)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, request{
			Model:     c.model,
			Articulum: articulum,
			Listings:  items,
		})
	})
	metrics.AIRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.AIRequests.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.AIRequests.WithLabelValues("failed").Inc()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	metrics.AIRequests.WithLabelValues("success").Inc()
	return result.(*Decision), nil
}

func (c *Client) call(ctx context.Context, req request) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &decision, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
