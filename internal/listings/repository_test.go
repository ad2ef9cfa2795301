package listings

import (
	"context"
	"database/sql/driver"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/browser"
)

// imageArgs converts []string image URL arguments, which the pgx driver
// encodes as text[] in production but sqlmock's default converter rejects.
type imageArgs struct{}

func (imageArgs) ConvertValue(v any) (driver.Value, error) {
	if urls, ok := v.([]string); ok {
		return strings.Join(urls, ","), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockRepository(t *testing.T) (*Repository, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(imageArgs{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	return NewRepository(sdb), sdb, mock
}

func price(v float64) *float64 { return &v }

func TestSaveListingsMissingPriceStoredAsNull(t *testing.T) {
	repo, db, mock := newMockRepository(t)

	in := []browser.Listing{
		{AvitoItemID: "item-1", Title: "Насос ABC-123", Price: price(5000)},
		{AvitoItemID: "item-2", Title: "Насос без цены"},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO catalog_listings")).
		WithArgs(int64(42), "item-1", "Насос ABC-123", 5000.0, "", "", "", 0.0, int64(0), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// No extracted price becomes NULL, never a real zero.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO catalog_listings")).
		WithArgs(int64(42), "item-2", "Насос без цены", nil, "", "", "", 0.0, int64(0), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	saved, err := repo.SaveListings(context.Background(), db, 42, in)
	if err != nil {
		t.Fatalf("SaveListings: %v", err)
	}
	if saved != 2 {
		t.Errorf("saved = %d, want 2", saved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeduplicate(t *testing.T) {
	in := []browser.Listing{
		{AvitoItemID: "item-1", Title: "Насос", SnippetText: "новый"},
		{AvitoItemID: "item-2", Title: "Насос", SnippetText: "новый"},
		{AvitoItemID: "item-3", Title: "Насос", SnippetText: "другой текст"},
	}

	out, removed := Deduplicate(in)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(out) != 2 || out[0].AvitoItemID != "item-1" || out[1].AvitoItemID != "item-3" {
		t.Errorf("survivors = %+v", out)
	}
}
