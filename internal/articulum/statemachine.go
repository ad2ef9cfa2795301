package articulum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
)

// ErrFinalState is returned when a transition out of a terminal state is
// attempted. Terminal states have no outbound edges, so this is always a
// programming error rather than a lost race.
var ErrFinalState = errors.New("transition out of final state")

// Transition atomically moves an articulum from one state to another.
//
// Returns true when the transition happened, false when the articulum was
// no longer in the expected state. Losing the race is not an error;
// callers treat it as a no-op and abandon the operation.
func Transition(ctx context.Context, ext sqlx.ExtContext, articulumID int64, from, to State) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("invalid transition states: %s -> %s", from, to)
	}
	if from.Final() {
		return false, fmt.Errorf("%w: %s", ErrFinalState, from)
	}

	res, err := ext.ExecContext(ctx, `
		UPDATE articulums
		SET state = $2,
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, articulumID, to, from)
	if err != nil {
		return false, fmt.Errorf("transition articulum %d %s -> %s: %w", articulumID, from, to, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition articulum %d: rows affected: %w", articulumID, err)
	}

	ok := affected == 1
	if ok {
		metrics.ArticulumTransitions.WithLabelValues(string(from), string(to), "ok").Inc()
		slog.Debug("Articulum transitioned", "articulum_id", articulumID, "from", from, "to", to)
	} else {
		metrics.ArticulumTransitions.WithLabelValues(string(from), string(to), "lost_race").Inc()
		slog.Debug("Articulum transition lost race",
			"articulum_id", articulumID, "from", from, "to", to)
	}
	return ok, nil
}

// ToCatalogParsing moves NEW -> CATALOG_PARSING. Performed inside the
// catalog task claim transaction.
func ToCatalogParsing(ctx context.Context, ext sqlx.ExtContext, articulumID int64) (bool, error) {
	return Transition(ctx, ext, articulumID, StateNew, StateCatalogParsing)
}

// ToCatalogParsed moves CATALOG_PARSING -> CATALOG_PARSED once every catalog
// page has been processed. The articulum is then eligible for validation.
func ToCatalogParsed(ctx context.Context, ext sqlx.ExtContext, articulumID int64) (bool, error) {
	return Transition(ctx, ext, articulumID, StateCatalogParsing, StateCatalogParsed)
}

// ToValidated moves VALIDATING -> VALIDATED after all enabled validation
// stages passed with enough surviving items.
func ToValidated(ctx context.Context, ext sqlx.ExtContext, articulumID int64) (bool, error) {
	return Transition(ctx, ext, articulumID, StateValidating, StateValidated)
}

// ToObjectParsing moves VALIDATED -> OBJECT_PARSING when the first object
// task for the articulum is claimed.
func ToObjectParsing(ctx context.Context, ext sqlx.ExtContext, articulumID int64) (bool, error) {
	return Transition(ctx, ext, articulumID, StateValidated, StateObjectParsing)
}

// Reject moves VALIDATING -> REJECTED_BY_MIN_COUNT (terminal) when too few
// items survive validation.
func Reject(ctx context.Context, ext sqlx.ExtContext, articulumID int64, reason string) (bool, error) {
	ok, err := Transition(ctx, ext, articulumID, StateValidating, StateRejectedByMinCount)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("Articulum rejected", "articulum_id", articulumID, "reason", reason)
	}
	return ok, nil
}

// RollbackToCatalogParsed atomically moves VALIDATING -> CATALOG_PARSED and
// deletes every validation result for the articulum, in one transaction.
// Used when the AI endpoint is unavailable so the articulum is revalidated
// from scratch later.
func RollbackToCatalogParsed(ctx context.Context, db *sqlx.DB, articulumID int64, reason string) (bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("rollback articulum %d: begin: %w", articulumID, err)
	}
	defer tx.Rollback()

	ok, err := Transition(ctx, tx, articulumID, StateValidating, StateCatalogParsed)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM validation_results WHERE articulum_id = $1
	`, articulumID); err != nil {
		return false, fmt.Errorf("rollback articulum %d: delete validation results: %w", articulumID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rollback articulum %d: commit: %w", articulumID, err)
	}

	slog.Warn("Articulum rolled back to CATALOG_PARSED", "articulum_id", articulumID, "reason", reason)
	return true, nil
}

// ClaimForValidation atomically claims the oldest CATALOG_PARSED articulum
// for validation and moves it to VALIDATING. Returns nil when no articulum
// is available.
func ClaimForValidation(ctx context.Context, db *sqlx.DB) (*Articulum, error) {
	var a Articulum
	err := db.QueryRowxContext(ctx, `
		UPDATE articulums
		SET state = $1,
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = (
			SELECT id
			FROM articulums
			WHERE state = $2
			ORDER BY state_updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, articulum, state, state_updated_at, created_at, updated_at
	`, StateValidating, StateCatalogParsed).StructScan(&a)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim articulum for validation: %w", err)
	}
	return &a, nil
}

// GetState returns the current state of an articulum.
func GetState(ctx context.Context, db *sqlx.DB, articulumID int64) (State, error) {
	var state State
	if err := db.GetContext(ctx, &state,
		`SELECT state FROM articulums WHERE id = $1`, articulumID); err != nil {
		return "", fmt.Errorf("get articulum %d state: %w", articulumID, err)
	}
	return state, nil
}
