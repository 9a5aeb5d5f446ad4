package models

import (
	"time"

	"github.com/google/uuid"

	dErrors "attestor/pkg/domain-errors"
)

// Record is the aggregate root for an anchored compliance document.
//
// Invariants:
//   - DocumentHash is set at construction and never changes
//   - TransactionRef is assigned once on successful submission, then immutable
//     and unique per network
//   - Descriptive fields (RecordType, Title, Description, Framework) are
//     mutable by the owner only before confirmation
//   - Metadata and Tags stay mutable for the record's whole life
//   - VerificationCount never decreases; only the verification engine touches
//     it and ValidationStatus
//   - The ParentRecordID chain is acyclic and ends at a record with no parent
//   - Records are never physically deleted; archiving is the terminal
//     soft-delete
type Record struct {
	ID             uuid.UUID `json:"id"`
	DocumentHash   string    `json:"documentHash"`
	TransactionRef string    `json:"transactionRef,omitempty"`
	Network        Network   `json:"network"`

	RecordType  string `json:"recordType"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Framework   string `json:"complianceFramework"`

	Status            Status           `json:"status"`
	ValidationStatus  ValidationStatus `json:"validationStatus"`
	VerificationCount int              `json:"verificationCount"`
	RetryCount        int              `json:"retryCount"`

	ParentRecordID *uuid.UUID `json:"parentRecordId,omitempty"`

	OwnerUserID        string `json:"ownerUserId"`
	OwnerInstitutionID string `json:"ownerInstitutionId"`

	BlockNumber    int64      `json:"blockNumber,omitempty"`
	BlockTimestamp *time.Time `json:"blockTimestamp,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     []string          `json:"tags,omitempty"`

	IsActive   bool `json:"isActive"`
	IsArchived bool `json:"isArchived"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecord constructs a pending record. The hash must already be computed;
// ownership comes from the caller context and is fixed for life.
func NewRecord(id uuid.UUID, documentHash string, network Network, ownerUserID, ownerInstitutionID string, now time.Time) (*Record, error) {
	if documentHash == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "documentHash is required")
	}
	if ownerUserID == "" && ownerInstitutionID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "owner context is required")
	}
	return &Record{
		ID:                 id,
		DocumentHash:       documentHash,
		Network:            network,
		Status:             StatusPending,
		ValidationStatus:   ValidationUnverified,
		OwnerUserID:        ownerUserID,
		OwnerInstitutionID: ownerInstitutionID,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// CanSubmit checks the record may be dispatched to a ledger.
func (r *Record) CanSubmit() error {
	if !r.Status.CanTransitionTo(StatusSubmitted) {
		return dErrors.New(dErrors.CodeInvalidState, "record is not pending submission")
	}
	return nil
}

// ApplySubmitted records a successful ledger dispatch. TransactionRef is
// assigned here and never again.
func (r *Record) ApplySubmitted(transactionRef string, now time.Time) {
	r.Status = StatusSubmitted
	r.TransactionRef = transactionRef
	r.UpdatedAt = now
}

// CanConfirm checks the record may advance to confirmed.
func (r *Record) CanConfirm() error {
	if !r.Status.CanTransitionTo(StatusConfirmed) {
		return dErrors.New(dErrors.CodeInvalidState, "record is not awaiting confirmation")
	}
	return nil
}

// ApplyConfirmed records ledger confirmation with the chain-reported
// inclusion time.
func (r *Record) ApplyConfirmed(blockNumber int64, blockTimestamp time.Time, now time.Time) {
	r.Status = StatusConfirmed
	r.BlockNumber = blockNumber
	ts := blockTimestamp.UTC()
	r.BlockTimestamp = &ts
	r.UpdatedAt = now
}

// CanFail checks the record may transition to failed.
func (r *Record) CanFail() error {
	if !r.Status.CanTransitionTo(StatusFailed) {
		return dErrors.New(dErrors.CodeInvalidState, "record cannot fail from its current status")
	}
	return nil
}

// ApplyFailed marks the record permanently failed. The record stays for
// audit; corrections create a child record.
func (r *Record) ApplyFailed(now time.Time) {
	r.Status = StatusFailed
	r.IsActive = false
	r.UpdatedAt = now
}

// CanArchive checks the record may be archived. Only confirmed records
// archive; archiving is reversible only by anchoring a new version.
func (r *Record) CanArchive() error {
	if !r.Status.CanTransitionTo(StatusArchived) {
		return dErrors.New(dErrors.CodeInvalidState, "only confirmed records can be archived")
	}
	return nil
}

// ApplyArchive soft-deletes the record.
func (r *Record) ApplyArchive(now time.Time) {
	r.Status = StatusArchived
	r.IsArchived = true
	r.IsActive = false
	r.UpdatedAt = now
}

// DescriptiveFieldsMutable reports whether RecordType/Title/Description/
// Framework may still change. Once confirmed they are frozen to preserve
// anchoring integrity.
func (r *Record) DescriptiveFieldsMutable() bool {
	return r.Status == StatusPending || r.Status == StatusSubmitted
}

// OwnedBy reports whether the given caller created this record. Institution
// scope wins when present so colleagues share visibility.
func (r *Record) OwnedBy(userID, institutionID string) bool {
	if r.OwnerInstitutionID != "" && institutionID != "" {
		return r.OwnerInstitutionID == institutionID
	}
	return r.OwnerUserID != "" && r.OwnerUserID == userID
}

// Clone returns a deep copy so store reads never alias live map/slice state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.ParentRecordID != nil {
		pid := *r.ParentRecordID
		cp.ParentRecordID = &pid
	}
	if r.BlockTimestamp != nil {
		ts := *r.BlockTimestamp
		cp.BlockTimestamp = &ts
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	return &cp
}
