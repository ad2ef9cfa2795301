// Package articulum owns the articulum lifecycle state machine.
//
// Every transition is a single conditional UPDATE guarded by the expected
// current state. The update either affects exactly one row (success) or zero
// (lost race, reported as a no-op). There is no read-then-write anywhere.
package articulum

import (
	"time"
)

// State is an articulum lifecycle state.
type State string

const (
	StateNew                State = "NEW"
	StateCatalogParsing     State = "CATALOG_PARSING"
	StateCatalogParsed      State = "CATALOG_PARSED"
	StateValidating         State = "VALIDATING"
	StateValidated          State = "VALIDATED"
	StateObjectParsing      State = "OBJECT_PARSING"
	StateRejectedByMinCount State = "REJECTED_BY_MIN_COUNT"
)

// AllStates lists every valid state, used for transition validation.
var AllStates = []State{
	StateNew,
	StateCatalogParsing,
	StateCatalogParsed,
	StateValidating,
	StateValidated,
	StateObjectParsing,
	StateRejectedByMinCount,
}

// FinalStates have no outbound edges.
var FinalStates = []State{
	StateObjectParsing,
	StateRejectedByMinCount,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Final reports whether s is a terminal state.
func (s State) Final() bool {
	for _, f := range FinalStates {
		if s == f {
			return true
		}
	}
	return false
}

// Articulum is a part number flowing through the pipeline. Created
// externally in state NEW; mutated only through the state machine; never
// deleted by the core.
type Articulum struct {
	ID             int64     `db:"id"`
	Articulum      string    `db:"articulum"`
	State          State     `db:"state"`
	StateUpdatedAt time.Time `db:"state_updated_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
