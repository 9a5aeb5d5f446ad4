package service

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"attestor/internal/anchor/audit"
	"attestor/internal/anchor/hash"
	"attestor/internal/anchor/models"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
	"attestor/pkg/requestcontext"
)

// ScoreConfig weights the verification score components. Weights should sum
// to 1 so the score stays in [0,1]; normalized rescales them if they do not.
type ScoreConfig struct {
	DepthWeight     float64
	CountWeight     float64
	TrustWeight     float64
	DepthSaturation time.Duration
	NetworkTrust    map[string]float64
}

// defaultNetworkTrust is the base trust applied to networks missing from
// NetworkTrust.
const defaultNetworkTrust = 0.5

func (c ScoreConfig) normalized() ScoreConfig {
	total := c.DepthWeight + c.CountWeight + c.TrustWeight
	if total <= 0 {
		return ScoreConfig{
			DepthWeight:     0.4,
			CountWeight:     0.4,
			TrustWeight:     0.2,
			DepthSaturation: 7 * 24 * time.Hour,
			NetworkTrust:    c.NetworkTrust,
		}
	}
	c.DepthWeight /= total
	c.CountWeight /= total
	c.TrustWeight /= total
	if c.DepthSaturation <= 0 {
		c.DepthSaturation = 7 * 24 * time.Hour
	}
	return c
}

// VerificationResult is the outcome of one verification pass. An integrity
// mismatch is a reported outcome, not an error: Matched is false and the
// record's validation status reflects it.
type VerificationResult struct {
	RecordID          uuid.UUID               `json:"recordId"`
	TransactionRef    string                  `json:"transactionRef"`
	Network           models.Network          `json:"network"`
	Matched           bool                    `json:"matched"`
	ValidationStatus  models.ValidationStatus `json:"validationStatus"`
	VerificationCount int                     `json:"verificationCount"`
	VerificationScore float64                 `json:"verificationScore"`
	Detail            string                  `json:"detail,omitempty"`
}

// VerifyByRef re-reads the anchored hash for the record holding this
// transaction reference and compares it against the stored document hash.
func (s *Service) VerifyByRef(ctx context.Context, transactionRef string) (*VerificationResult, error) {
	record, err := s.store.FindByTransactionRef(ctx, transactionRef)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to load record by transaction reference")
	}
	return s.verify(ctx, record)
}

// VerifyByID verifies the record directly.
func (s *Service) VerifyByID(ctx context.Context, id uuid.UUID) (*VerificationResult, error) {
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to load record")
	}
	return s.verify(ctx, record)
}

func (s *Service) verify(ctx context.Context, record *models.Record) (*VerificationResult, error) {
	if record.Status != models.StatusConfirmed && record.Status != models.StatusArchived {
		return nil, dErrors.New(dErrors.CodeNotYetConfirmed,
			"record is not confirmed on its ledger yet")
	}
	adapter, ok := s.adapters.Adapter(record.Network)
	if !ok {
		return nil, dErrors.New(dErrors.CodeLedgerUnavailable, "network is not configured")
	}

	network := string(record.Network)
	start := time.Now()
	anchored, err := adapter.ReadAnchoredHash(ctx, record.TransactionRef)
	s.metrics.ObserveLedgerCall(network, "read_hash", start)

	now := requestcontext.Now(ctx)
	switch {
	case err == nil && anchored == record.DocumentHash:
		return s.markVerified(ctx, record, now)

	case err == nil:
		return s.markInvalid(ctx, record, now, "anchored hash does not match stored document hash")

	case errors.Is(err, sentinel.ErrNotFound):
		// Confirmed locally but absent on chain: integrity failure, not an
		// infrastructure fault.
		return s.markInvalid(ctx, record, now, "ledger holds no anchored hash for this transaction")

	default:
		s.metrics.IncrementVerification("unavailable")
		if dErrors.HasCode(err, dErrors.CodeLedgerUnavailable) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "ledger read failed")
	}
}

func (s *Service) markVerified(ctx context.Context, record *models.Record, now time.Time) (*VerificationResult, error) {
	updated, err := s.store.Execute(ctx, record.ID,
		nil,
		func(r *models.Record) {
			r.VerificationCount++
			r.ValidationStatus = models.ValidationVerified
			r.UpdatedAt = now
		},
	)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to record verification")
	}
	s.metrics.IncrementVerification("verified")
	s.auditor.Emit(ctx, audit.Event{
		RecordID:       updated.ID,
		Action:         audit.ActionRecordVerified,
		Network:        string(updated.Network),
		TransactionRef: updated.TransactionRef,
		Detail:         "count=" + strconv.Itoa(updated.VerificationCount),
		Timestamp:      now,
	})
	return s.result(updated, true, ""), nil
}

func (s *Service) markInvalid(ctx context.Context, record *models.Record, now time.Time, detail string) (*VerificationResult, error) {
	// The count is untouched: an invalid pass is not a successful
	// verification, and the count must never decrease.
	updated, err := s.store.Execute(ctx, record.ID,
		nil,
		func(r *models.Record) {
			r.ValidationStatus = models.ValidationInvalid
			r.UpdatedAt = now
		},
	)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to record integrity mismatch")
	}
	s.metrics.IncrementVerification("invalid")
	s.logger.WarnContext(ctx, "integrity mismatch detected",
		"record_id", updated.ID,
		"network", updated.Network,
		"transaction_ref", updated.TransactionRef,
		"detail", detail,
	)
	s.auditor.Emit(ctx, audit.Event{
		RecordID:       updated.ID,
		Action:         audit.ActionRecordInvalid,
		Network:        string(updated.Network),
		TransactionRef: updated.TransactionRef,
		Detail:         detail,
		Timestamp:      now,
	})
	return s.result(updated, false, detail), nil
}

func (s *Service) result(record *models.Record, matched bool, detail string) *VerificationResult {
	return &VerificationResult{
		RecordID:          record.ID,
		TransactionRef:    record.TransactionRef,
		Network:           record.Network,
		Matched:           matched,
		ValidationStatus:  record.ValidationStatus,
		VerificationCount: record.VerificationCount,
		VerificationScore: s.Score(record, record.UpdatedAt),
		Detail:            detail,
	}
}

// Score computes the verification confidence for a record at the given time:
// a weighted blend of confirmation depth (age since block inclusion,
// saturating exponentially), verification count (diminishing returns) and
// network base trust, clamped to [0,1]. Unconfirmed records score zero.
func (s *Service) Score(record *models.Record, now time.Time) float64 {
	if record.Status != models.StatusConfirmed && record.Status != models.StatusArchived {
		return 0
	}

	anchoredAt := record.CreatedAt
	if record.BlockTimestamp != nil {
		anchoredAt = *record.BlockTimestamp
	}
	age := now.Sub(anchoredAt)
	if age < 0 {
		age = 0
	}
	depth := 1 - math.Exp(-float64(age)/float64(s.score.DepthSaturation))

	count := float64(record.VerificationCount)
	countTerm := count / (1 + count)

	trust, ok := s.score.NetworkTrust[string(record.Network)]
	if !ok {
		trust = defaultNetworkTrust
	}

	score := s.score.DepthWeight*depth + s.score.CountWeight*countTerm + s.score.TrustWeight*trust
	return math.Min(1, math.Max(0, score))
}

// IntegrityHash digests the record's identity fields in a fixed order so a
// reader can detect out-of-band tampering with stored rows. Mutable
// metadata and tags are deliberately excluded.
func IntegrityHash(record *models.Record) string {
	var parent string
	if record.ParentRecordID != nil {
		parent = record.ParentRecordID.String()
	}
	var blockTS string
	if record.BlockTimestamp != nil {
		blockTS = record.BlockTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return hash.SumFields(
		record.ID.String(),
		record.DocumentHash,
		record.TransactionRef,
		string(record.Network),
		record.RecordType,
		record.Title,
		record.Framework,
		record.OwnerUserID,
		record.OwnerInstitutionID,
		parent,
		strconv.FormatInt(record.BlockNumber, 10),
		blockTS,
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
}
