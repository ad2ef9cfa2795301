// Package validation filters catalog listings through a pipeline of
// stages. Each enabled stage records one validation_results row per item;
// the first failing sub-check wins and becomes the rejection reason.
package validation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/listings"
)

// Stage names recorded in validation_results.validation_type.
const (
	StagePriceFilter = "price_filter"
	StageMechanical  = "mechanical"
	StageAI          = "ai"
)

// Recorder writes per-item stage outcomes.
type Recorder struct {
	db *sqlx.DB
}

// NewRecorder creates a validation result recorder.
func NewRecorder(db *sqlx.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts one validation result row.
func (r *Recorder) Record(ctx context.Context, articulumID int64, avitoItemID, stage string, passed bool, reason string) error {
	var rejection any
	if reason != "" {
		rejection = reason
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_results (
			articulum_id, avito_item_id, validation_type, passed, rejection_reason
		)
		VALUES ($1, $2, $3, $4, $5)
	`, articulumID, avitoItemID, stage, passed, rejection); err != nil {
		return fmt.Errorf("record %s result for %s: %w", stage, avitoItemID, err)
	}

	result := "passed"
	if !passed {
		result = "rejected"
	}
	metrics.ValidationStageResults.WithLabelValues(stage, result).Inc()
	return nil
}

// PriceFilter rejects items with a null price or a price below MIN_PRICE.
func PriceFilter(ctx context.Context, rec *Recorder, cfg *config.ValidationConfig, articulumID int64, items []listings.Listing) ([]listings.Listing, error) {
	var passed []listings.Listing
	for _, item := range items {
		if !item.Price.Valid || item.Price.Float64 < cfg.MinPrice {
			reason := fmt.Sprintf("price %v below minimum %v", nullPrice(item), cfg.MinPrice)
			if err := rec.Record(ctx, articulumID, item.AvitoItemID, StagePriceFilter, false, reason); err != nil {
				return nil, err
			}
			continue
		}
		if err := rec.Record(ctx, articulumID, item.AvitoItemID, StagePriceFilter, true, ""); err != nil {
			return nil, err
		}
		passed = append(passed, item)
	}

	slog.Info("Price filter done",
		"articulum_id", articulumID, "passed", len(passed), "total", len(items),
		"min_price", cfg.MinPrice)
	return passed, nil
}

// Mechanical runs the deterministic text and price checks: articulum
// presence (homoglyph-normalized), stop-words, seller reviews, and the IQR
// price sanity check.
func Mechanical(ctx context.Context, rec *Recorder, cfg *config.ValidationConfig, stopwords *StopwordMatcher, articulumID int64, articulum string, items []listings.Listing) ([]listings.Listing, error) {
	var prices []float64
	for _, item := range items {
		if item.Price.Valid {
			prices = append(prices, item.Price.Float64)
		}
	}
	stats, haveStats := computePriceStats(prices)
	if haveStats && stats.hasFences {
		slog.Info("Price statistics",
			"articulum_id", articulumID,
			"lower_fence", stats.lowerFence, "upper_fence", stats.upperFence,
			"median_top40", stats.medianTop40)
	}

	var passed []listings.Listing
	for _, item := range items {
		reason := rejectMechanical(cfg, stopwords, stats, haveStats, articulum, item)
		if reason != "" {
			if err := rec.Record(ctx, articulumID, item.AvitoItemID, StageMechanical, false, reason); err != nil {
				return nil, err
			}
			continue
		}
		if err := rec.Record(ctx, articulumID, item.AvitoItemID, StageMechanical, true, ""); err != nil {
			return nil, err
		}
		passed = append(passed, item)
	}

	slog.Info("Mechanical validation done",
		"articulum_id", articulumID, "passed", len(passed), "total", len(items))
	return passed, nil
}

func rejectMechanical(cfg *config.ValidationConfig, stopwords *StopwordMatcher, stats priceStats, haveStats bool, articulum string, item listings.Listing) string {
	title := item.Title.String
	snippet := item.SnippetText.String

	if cfg.RequireArticulumInText {
		if !ContainsNormalized(title, articulum) && !ContainsNormalized(snippet, articulum) {
			return fmt.Sprintf("articulum %q not found in title or snippet", articulum)
		}
	}

	combined := title + " " + snippet + " " + item.SellerName.String
	if word, found := stopwords.Match(combined); found {
		return fmt.Sprintf("stop-word found: %q", word)
	}

	if cfg.MinSellerReviews > 0 {
		if !item.SellerReviews.Valid || int(item.SellerReviews.Int64) < cfg.MinSellerReviews {
			return fmt.Sprintf("not enough seller reviews: %s < %d",
				nullReviews(item), cfg.MinSellerReviews)
		}
	}

	if cfg.EnablePriceValidation && haveStats && item.Price.Valid {
		threshold := stats.medianTop40 * 0.5
		if item.Price.Float64 < threshold {
			return fmt.Sprintf("suspiciously low price: %v below %.2f (50%% of top-40%% median)",
				item.Price.Float64, threshold)
		}
	}

	return ""
}

func nullPrice(item listings.Listing) string {
	if !item.Price.Valid {
		return "null"
	}
	return fmt.Sprintf("%v", item.Price.Float64)
}

func nullReviews(item listings.Listing) string {
	if !item.SellerReviews.Valid {
		return "null"
	}
	return fmt.Sprintf("%d", item.SellerReviews.Int64)
}
