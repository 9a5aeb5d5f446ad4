package models

// Status is the anchoring lifecycle state of a record.
//
// Transitions: pending → submitted → confirmed | failed; confirmed → archived.
// failed is terminal; a corrected resubmission is a new record linked via
// ParentRecordID, never a reuse of the failed one.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// CanTransitionTo reports whether the state machine allows moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	case StatusConfirmed:
		return next == StatusArchived
	default:
		// failed and archived are terminal.
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusArchived
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// ValidationStatus tracks the outcome of ledger cross-checks. Only the
// verification engine mutates it.
type ValidationStatus string

const (
	ValidationUnverified ValidationStatus = "unverified"
	ValidationPending    ValidationStatus = "pending"
	ValidationVerified   ValidationStatus = "verified"
	ValidationInvalid    ValidationStatus = "invalid"
)
