package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.avitoscout.tech/internal/config"
)

func testConfig(url string) *config.AIConfig {
	return &config.AIConfig{
		EndpointURL:           url,
		APIKey:                "test-key",
		Model:                 "test-model",
		Timeout:               2 * time.Second,
		MaxListingsPerRequest: 30,
	}
}

func price(v float64) *float64 { return &v }

func TestValidateSendsPayloadAndParsesDecision(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Decision{
			Passed:   []string{"item-1"},
			Rejected: []RejectedItem{{ID: "item-2", Reason: "different part"}},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	decision, err := c.Validate(context.Background(), "ABC-123", []Item{
		{ID: "item-1", Title: "Part ABC-123", Snippet: "new", Price: price(5000)},
		{ID: "item-2", Title: "Other part", Snippet: "new", Price: price(4500)},
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got.Articulum != "ABC-123" {
		t.Errorf("request articulum = %q", got.Articulum)
	}
	if got.Model != "test-model" {
		t.Errorf("request model = %q", got.Model)
	}
	if len(got.Listings) != 2 {
		t.Fatalf("request listings = %d, want 2", len(got.Listings))
	}
	if len(decision.Passed) != 1 || decision.Passed[0] != "item-1" {
		t.Errorf("decision.Passed = %v", decision.Passed)
	}
	if len(decision.Rejected) != 1 || decision.Rejected[0].Reason != "different part" {
		t.Errorf("decision.Rejected = %v", decision.Rejected)
	}
}

func TestValidateTruncatesLongText(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Decision{})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Validate(context.Background(), "ABC-123", []Item{{
		ID:      "item-1",
		Title:   strings.Repeat("т", 300),
		Snippet: strings.Repeat("s", 500),
	}})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if n := len([]rune(got.Listings[0].Title)); n != 100 {
		t.Errorf("title length = %d, want 100", n)
	}
	if n := len([]rune(got.Listings[0].Snippet)); n != 200 {
		t.Errorf("snippet length = %d, want 200", n)
	}
}

func TestValidateCapsListingCount(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Decision{})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxListingsPerRequest = 3
	c := NewClient(cfg)

	items := make([]Item, 10)
	for i := range items {
		items[i] = Item{ID: string(rune('a' + i))}
	}
	if _, err := c.Validate(context.Background(), "ABC-123", items); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Listings) != 3 {
		t.Errorf("listings sent = %d, want 3", len(got.Listings))
	}
}

func TestValidateServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Validate(context.Background(), "ABC-123", []Item{{ID: "item-1"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestValidateBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	for i := 0; i < 5; i++ {
		if _, err := c.Validate(context.Background(), "ABC-123", []Item{{ID: "item-1"}}); err == nil {
			t.Fatal("expected error")
		}
	}
	// Breaker trips after 3 consecutive failures; later calls fail fast.
	if calls > 3 {
		t.Errorf("upstream calls = %d, want at most 3", calls)
	}
}
