package articulum

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestStateValid(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("UNKNOWN").Valid() {
		t.Error("UNKNOWN should not be valid")
	}
}

func TestStateFinal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateNew, false},
		{StateCatalogParsing, false},
		{StateCatalogParsed, false},
		{StateValidating, false},
		{StateValidated, false},
		{StateObjectParsing, true},
		{StateRejectedByMinCount, true},
	}
	for _, tt := range tests {
		if got := tt.state.Final(); got != tt.want {
			t.Errorf("%s.Final() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTransitionSuccess(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = $3")).
		WithArgs(int64(42), StateCatalogParsing, StateNew).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := Transition(context.Background(), db, 42, StateNew, StateCatalogParsing)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !ok {
		t.Error("expected transition to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTransitionLostRace(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = $3")).
		WithArgs(int64(42), StateCatalogParsing, StateNew).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := Transition(context.Background(), db, 42, StateNew, StateCatalogParsing)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if ok {
		t.Error("expected transition to report lost race")
	}
}

func TestTransitionOutOfFinalState(t *testing.T) {
	db, _ := newMockDB(t)

	_, err := Transition(context.Background(), db, 42, StateObjectParsing, StateNew)
	if !errors.Is(err, ErrFinalState) {
		t.Fatalf("err = %v, want ErrFinalState", err)
	}
}

func TestTransitionInvalidState(t *testing.T) {
	db, _ := newMockDB(t)

	if _, err := Transition(context.Background(), db, 42, State("BOGUS"), StateNew); err == nil {
		t.Fatal("expected error for invalid source state")
	}
	if _, err := Transition(context.Background(), db, 42, StateNew, State("BOGUS")); err == nil {
		t.Fatal("expected error for invalid target state")
	}
}

func TestRollbackToCatalogParsedDeletesResults(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = $3")).
		WithArgs(int64(42), StateCatalogParsed, StateValidating).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM validation_results")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	ok, err := RollbackToCatalogParsed(context.Background(), db, 42, "ai unavailable")
	if err != nil {
		t.Fatalf("RollbackToCatalogParsed: %v", err)
	}
	if !ok {
		t.Error("expected rollback to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRollbackToCatalogParsedLostRace(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = $3")).
		WithArgs(int64(42), StateCatalogParsed, StateValidating).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := RollbackToCatalogParsed(context.Background(), db, 42, "ai unavailable")
	if err != nil {
		t.Fatalf("RollbackToCatalogParsed: %v", err)
	}
	if ok {
		t.Error("expected rollback to report lost race")
	}
}

func TestClaimForValidation(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(StateValidating, StateCatalogParsed).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "articulum", "state", "state_updated_at", "created_at", "updated_at",
		}).AddRow(42, "ABC-123", string(StateValidating), now, now, now))

	a, err := ClaimForValidation(context.Background(), db)
	if err != nil {
		t.Fatalf("ClaimForValidation: %v", err)
	}
	if a == nil {
		t.Fatal("expected an articulum, got nil")
	}
	if a.ID != 42 || a.Articulum != "ABC-123" || a.State != StateValidating {
		t.Errorf("claimed articulum = %+v", a)
	}
}

func TestClaimForValidationEmpty(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(StateValidating, StateCatalogParsed).
		WillReturnError(sql.ErrNoRows)

	a, err := ClaimForValidation(context.Background(), db)
	if err != nil {
		t.Fatalf("ClaimForValidation: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil, got %+v", a)
	}
}
