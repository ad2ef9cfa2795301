package validation

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/listings"
)

func newMockRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRecorder(sqlx.NewDb(db, "sqlmock")), mock
}

func expectResult(mock sqlmock.Sqlmock, itemID, stage string, passed bool) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO validation_results")).
		WithArgs(int64(42), itemID, stage, passed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func listing(itemID, title, snippet string, price float64) listings.Listing {
	return listings.Listing{
		AvitoItemID: itemID,
		Title:       sql.NullString{String: title, Valid: title != ""},
		SnippetText: sql.NullString{String: snippet, Valid: snippet != ""},
		Price:       sql.NullFloat64{Float64: price, Valid: price != 0},
	}
}

func validationConfig() *config.ValidationConfig {
	return &config.ValidationConfig{
		MinPrice:              1000,
		MinValidatedItems:     3,
		EnablePriceValidation: true,
	}
}

func TestPriceFilterRejectsCheapAndNull(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()

	items := []listings.Listing{
		listing("item-1", "a", "", 5000),
		listing("item-2", "b", "", 500),
		listing("item-3", "c", "", 0), // null price
	}
	expectResult(mock, "item-1", StagePriceFilter, true)
	expectResult(mock, "item-2", StagePriceFilter, false)
	expectResult(mock, "item-3", StagePriceFilter, false)

	passed, err := PriceFilter(context.Background(), rec, cfg, 42, items)
	if err != nil {
		t.Fatalf("PriceFilter: %v", err)
	}
	if len(passed) != 1 || passed[0].AvitoItemID != "item-1" {
		t.Errorf("passed = %v", passed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMechanicalStopwordRejection(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()
	stopwords := NewStopwordMatcher([]string{"копия"})

	items := []listings.Listing{
		listing("item-1", "Насос ABC-123", "новый оригинал", 5000),
		listing("item-2", "Насос ABC-123 копия", "дешево", 4500),
	}
	expectResult(mock, "item-1", StageMechanical, true)
	expectResult(mock, "item-2", StageMechanical, false)

	passed, err := Mechanical(context.Background(), rec, cfg, stopwords, 42, "ABC-123", items)
	if err != nil {
		t.Fatalf("Mechanical: %v", err)
	}
	if len(passed) != 1 || passed[0].AvitoItemID != "item-1" {
		t.Errorf("passed = %v", passed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMechanicalArticulumPresenceWithHomoglyphs(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()
	cfg.RequireArticulumInText = true
	stopwords := NewStopwordMatcher(nil)

	items := []listings.Listing{
		// Cyrillic letters that look like the Latin part number.
		listing("item-1", "Деталь АВС-123", "", 5000),
		listing("item-2", "Деталь без номера", "", 5000),
	}
	expectResult(mock, "item-1", StageMechanical, true)
	expectResult(mock, "item-2", StageMechanical, false)

	passed, err := Mechanical(context.Background(), rec, cfg, stopwords, 42, "ABC-123", items)
	if err != nil {
		t.Fatalf("Mechanical: %v", err)
	}
	if len(passed) != 1 || passed[0].AvitoItemID != "item-1" {
		t.Errorf("passed = %v", passed)
	}
}

func TestMechanicalSellerReviews(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()
	cfg.MinSellerReviews = 5
	stopwords := NewStopwordMatcher(nil)

	few := listing("item-1", "a", "", 5000)
	few.SellerReviews = sql.NullInt64{Int64: 2, Valid: true}
	enough := listing("item-2", "b", "", 5000)
	enough.SellerReviews = sql.NullInt64{Int64: 10, Valid: true}

	expectResult(mock, "item-1", StageMechanical, false)
	expectResult(mock, "item-2", StageMechanical, true)

	passed, err := Mechanical(context.Background(), rec, cfg, stopwords, 42, "ABC-123",
		[]listings.Listing{few, enough})
	if err != nil {
		t.Fatalf("Mechanical: %v", err)
	}
	if len(passed) != 1 || passed[0].AvitoItemID != "item-2" {
		t.Errorf("passed = %v", passed)
	}
}

func TestMechanicalIQRRejectsSuspiciouslyLowPrice(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()
	stopwords := NewStopwordMatcher(nil)

	// Prices [100, 110, 105, 115, 20]: top-40% median 112.5, threshold
	// 56.25. Only the 20 falls below it.
	items := []listings.Listing{
		listing("item-1", "a", "", 100),
		listing("item-2", "b", "", 110),
		listing("item-3", "c", "", 105),
		listing("item-4", "d", "", 115),
		listing("item-5", "e", "", 20),
	}
	expectResult(mock, "item-1", StageMechanical, true)
	expectResult(mock, "item-2", StageMechanical, true)
	expectResult(mock, "item-3", StageMechanical, true)
	expectResult(mock, "item-4", StageMechanical, true)
	expectResult(mock, "item-5", StageMechanical, false)

	passed, err := Mechanical(context.Background(), rec, cfg, stopwords, 42, "ABC-123", items)
	if err != nil {
		t.Fatalf("Mechanical: %v", err)
	}
	if len(passed) != 4 {
		t.Errorf("passed = %d items, want 4", len(passed))
	}
	for _, p := range passed {
		if p.AvitoItemID == "item-5" {
			t.Error("item-5 should have been rejected")
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMechanicalPriceValidationDisabled(t *testing.T) {
	rec, mock := newMockRecorder(t)
	cfg := validationConfig()
	cfg.EnablePriceValidation = false
	stopwords := NewStopwordMatcher(nil)

	items := []listings.Listing{
		listing("item-1", "a", "", 100),
		listing("item-2", "b", "", 110),
		listing("item-3", "c", "", 105),
		listing("item-4", "d", "", 115),
		listing("item-5", "e", "", 20),
	}
	for _, it := range items {
		expectResult(mock, it.AvitoItemID, StageMechanical, true)
	}

	passed, err := Mechanical(context.Background(), rec, cfg, stopwords, 42, "ABC-123", items)
	if err != nil {
		t.Fatalf("Mechanical: %v", err)
	}
	if len(passed) != 5 {
		t.Errorf("passed = %d items, want 5", len(passed))
	}
}
