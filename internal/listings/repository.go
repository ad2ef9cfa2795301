// Package listings persists catalog search results and parsed detail
// pages.
package listings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/browser"
)

// Listing is a stored catalog search result.
type Listing struct {
	ID            int64           `db:"id"`
	ArticulumID   int64           `db:"articulum_id"`
	AvitoItemID   string          `db:"avito_item_id"`
	Title         sql.NullString  `db:"title"`
	Price         sql.NullFloat64 `db:"price"`
	SnippetText   sql.NullString  `db:"snippet_text"`
	SellerName    sql.NullString  `db:"seller_name"`
	SellerID      sql.NullString  `db:"seller_id"`
	SellerRating  sql.NullFloat64 `db:"seller_rating"`
	SellerReviews sql.NullInt64   `db:"seller_reviews"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Repository stores catalog_listings and object_data rows.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a listings repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Deduplicate drops listings whose title+snippet pair was already seen.
// The same physical item is often re-posted under several item IDs; the
// first occurrence wins. Returns the survivors and the removed count.
func Deduplicate(in []browser.Listing) ([]browser.Listing, int) {
	type key struct{ title, snippet string }
	seen := make(map[key]struct{}, len(in))
	out := make([]browser.Listing, 0, len(in))

	for _, l := range in {
		k := key{l.Title, l.SnippetText}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, l)
	}
	return out, len(in) - len(out)
}

// SaveListings deduplicates and inserts catalog listings. An item ID that
// already exists is skipped. Returns the number of rows written.
func (r *Repository) SaveListings(ctx context.Context, ext sqlx.ExtContext, articulumID int64, in []browser.Listing) (int, error) {
	unique, removed := Deduplicate(in)
	if removed > 0 {
		slog.Info("Removed duplicate listings",
			"articulum_id", articulumID, "removed", removed)
	}

	saved := 0
	for _, l := range unique {
		res, err := ext.ExecContext(ctx, `
			INSERT INTO catalog_listings (
				articulum_id, avito_item_id, title, price, snippet_text,
				seller_name, seller_id, seller_rating, seller_reviews, image_urls
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (avito_item_id) DO NOTHING
		`, articulumID, l.AvitoItemID, l.Title, l.Price, l.SnippetText,
			l.SellerName, l.SellerID, l.SellerRating, l.SellerReviews, l.ImageURLs)
		if err != nil {
			// Keep saving the rest; one bad row must not sink the page.
			slog.Error("Failed to save listing",
				"avito_item_id", l.AvitoItemID, "error", err)
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return saved, fmt.Errorf("save listing %s: rows affected: %w", l.AvitoItemID, err)
		}
		saved += int(n)
	}
	return saved, nil
}

// GetByArticulum returns every stored listing for the articulum, oldest
// first. Validation iterates these.
func (r *Repository) GetByArticulum(ctx context.Context, articulumID int64) ([]Listing, error) {
	var out []Listing
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, articulum_id, avito_item_id, title, price, snippet_text,
		       seller_name, seller_id, seller_rating, seller_reviews, created_at
		FROM catalog_listings
		WHERE articulum_id = $1
		ORDER BY id ASC
	`, articulumID)
	if err != nil {
		return nil, fmt.Errorf("get listings for articulum %d: %w", articulumID, err)
	}
	return out, nil
}

// SaveObjectData appends one parsed detail page. Rows are never updated:
// re-parses create new rows so view-count history is preserved.
func (r *Repository) SaveObjectData(ctx context.Context, articulumID int64, card *browser.CardData) error {
	characteristics, err := json.Marshal(card.Characteristics)
	if err != nil {
		return fmt.Errorf("marshal characteristics for %s: %w", card.AvitoItemID, err)
	}

	var publishedAt any
	if !card.PublishedAt.IsZero() {
		publishedAt = card.PublishedAt
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO object_data (
			articulum_id, avito_item_id, title, price, seller_name,
			published_at, description, location_name, characteristics,
			views_total, raw_html
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, articulumID, card.AvitoItemID, card.Title, card.Price, card.SellerName,
		publishedAt, card.Description, card.LocationName, characteristics,
		card.ViewsTotal, card.RawHTML); err != nil {
		return fmt.Errorf("save object data for %s: %w", card.AvitoItemID, err)
	}
	return nil
}
