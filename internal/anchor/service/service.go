// Package service orchestrates anchoring: hashing, dedupe, ledger
// submission, lifecycle transitions and ownership checks. Handlers stay
// thin; stores and adapters stay mechanical.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"attestor/internal/anchor/audit"
	"attestor/internal/anchor/hash"
	"attestor/internal/anchor/ledger"
	anchormetrics "attestor/internal/anchor/metrics"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
	"attestor/pkg/requestcontext"
)

// Service owns the anchoring workflow for records.
type Service struct {
	store    store.Store
	adapters *ledger.Registry
	score    ScoreConfig
	logger   *slog.Logger
	metrics  *anchormetrics.Metrics
	auditor  audit.Publisher
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *anchormetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAuditor sets the audit publisher.
func WithAuditor(p audit.Publisher) Option {
	return func(s *Service) { s.auditor = p }
}

func New(recordStore store.Store, adapters *ledger.Registry, score ScoreConfig, opts ...Option) *Service {
	s := &Service{
		store:    recordStore,
		adapters: adapters,
		score:    score.normalized(),
		logger:   slog.Default(),
		auditor:  audit.NopPublisher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreRecordInput is the creation request. Either Content or DocumentHash
// must be supplied; when both are present the hash is recomputed from
// content and must not be contradicted.
type StoreRecordInput struct {
	Content        []byte
	DocumentHash   string
	RecordType     string
	Title          string
	Description    string
	Framework      string
	Network        string
	Metadata       map[string]string
	Tags           []string
	ParentRecordID *uuid.UUID
}

// StoreRecord creates a pending record and dispatches the anchor
// transaction. Returns the record in submitted state on success, pending
// when the ledger was transiently unreachable (the sync loop retries), or an
// error when the ledger permanently rejected the payload.
func (s *Service) StoreRecord(ctx context.Context, in StoreRecordInput) (*models.Record, error) {
	owner := requestcontext.OwnerFrom(ctx)
	if owner.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner context is required")
	}
	if err := validateStoreInput(in); err != nil {
		return nil, err
	}

	network, ok := models.ParseNetwork(in.Network)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "unsupported network")
	}
	adapter, ok := s.adapters.Adapter(network)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "network is not configured")
	}

	documentHash, err := s.resolveHash(in)
	if err != nil {
		return nil, err
	}

	if in.ParentRecordID != nil {
		if err := s.checkParent(ctx, *in.ParentRecordID, owner); err != nil {
			return nil, err
		}
	}

	now := requestcontext.Now(ctx)
	record, err := models.NewRecord(uuid.New(), documentHash, network, owner.UserID, owner.InstitutionID, now)
	if err != nil {
		return nil, err
	}
	record.RecordType = strings.TrimSpace(in.RecordType)
	record.Title = strings.TrimSpace(in.Title)
	record.Description = strings.TrimSpace(in.Description)
	record.Framework = strings.TrimSpace(in.Framework)
	record.Metadata = in.Metadata
	record.Tags = in.Tags
	record.ParentRecordID = in.ParentRecordID

	if err := s.store.Create(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeDuplicate,
				"a record for this document hash and network already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create record")
	}
	s.metrics.IncrementRecordsCreated()
	s.auditor.Emit(ctx, audit.Event{
		RecordID:  record.ID,
		Action:    audit.ActionRecordCreated,
		Network:   string(network),
		Owner:     ownerLabel(owner),
		Timestamp: now,
	})

	return s.submit(ctx, record, adapter)
}

// submit dispatches the anchor transaction for a pending record and applies
// the resulting transition. Transient exhaustion leaves the record pending
// for the sync loop; permanent rejection fails it.
func (s *Service) submit(ctx context.Context, record *models.Record, adapter ledger.Adapter) (*models.Record, error) {
	network := string(record.Network)
	start := time.Now()
	transactionRef, err := adapter.Submit(ctx, record.DocumentHash, ledger.SubmitContext{
		RecordID:  record.ID.String(),
		Framework: record.Framework,
		Owner:     record.OwnerInstitutionID,
	})
	s.metrics.ObserveLedgerCall(network, "submit", start)

	now := requestcontext.Now(ctx)
	switch {
	case err == nil:
		updated, execErr := s.store.Execute(ctx, record.ID,
			func(r *models.Record) error { return r.CanSubmit() },
			func(r *models.Record) { r.ApplySubmitted(transactionRef, now) },
		)
		if execErr != nil {
			return nil, s.wrapStoreErr(execErr, "failed to record submission")
		}
		s.metrics.IncrementSubmission(network, "submitted")
		s.auditor.Emit(ctx, audit.Event{
			RecordID:       record.ID,
			Action:         audit.ActionRecordSubmitted,
			Network:        network,
			TransactionRef: transactionRef,
			Timestamp:      now,
		})
		return updated, nil

	case dErrors.HasCode(err, dErrors.CodeRejected):
		_, execErr := s.store.Execute(ctx, record.ID,
			func(r *models.Record) error { return r.CanFail() },
			func(r *models.Record) { r.ApplyFailed(now) },
		)
		if execErr != nil {
			return nil, s.wrapStoreErr(execErr, "failed to record rejection")
		}
		s.metrics.IncrementSubmission(network, "rejected")
		s.auditor.Emit(ctx, audit.Event{
			RecordID:  record.ID,
			Action:    audit.ActionRecordFailed,
			Network:   network,
			Detail:    dErrors.MessageOf(err),
			Timestamp: now,
		})
		return nil, err

	default:
		// Transient exhaustion: the record stays pending, the sync loop
		// owns further attempts. The caller sees the pending record, not
		// an error, because the submission is still in flight overall.
		updated, execErr := s.store.Execute(ctx, record.ID,
			nil,
			func(r *models.Record) {
				r.RetryCount++
				r.UpdatedAt = now
			},
		)
		if execErr != nil {
			return nil, s.wrapStoreErr(execErr, "failed to record submission attempt")
		}
		s.metrics.IncrementSubmission(network, "deferred")
		s.logger.WarnContext(ctx, "ledger unavailable, submission deferred to sync",
			"record_id", record.ID,
			"network", network,
			"error", err,
		)
		return updated, nil
	}
}

// Resubmit retries the ledger dispatch for a pending record whose earlier
// attempts were deferred. Called by the sync loop, so no owner check.
func (s *Service) Resubmit(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to load record")
	}
	if record.Status != models.StatusPending {
		return nil, dErrors.New(dErrors.CodeInvalidState, "record is not pending submission")
	}
	adapter, ok := s.adapters.Adapter(record.Network)
	if !ok {
		return nil, dErrors.New(dErrors.CodeLedgerUnavailable, "network is not configured")
	}
	return s.submit(ctx, record, adapter)
}

// CancelRecord aborts a pending record before its transaction is dispatched.
// Once a submission attempt has gone out the record must be tracked to a
// terminal state instead; ledger transactions cannot be recalled.
func (s *Service) CancelRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	owner := requestcontext.OwnerFrom(ctx)
	now := requestcontext.Now(ctx)

	updated, err := s.store.Execute(ctx, id,
		func(r *models.Record) error {
			if !r.OwnedBy(owner.UserID, owner.InstitutionID) {
				return dErrors.New(dErrors.CodeForbidden, "record belongs to another owner")
			}
			if r.Status != models.StatusPending {
				return dErrors.New(dErrors.CodeInvalidState, "only pending records can be cancelled")
			}
			if r.RetryCount > 0 {
				return dErrors.New(dErrors.CodeInvalidState,
					"a submission attempt is already in flight; the record will be tracked to a terminal state")
			}
			return nil
		},
		func(r *models.Record) { r.ApplyFailed(now) },
	)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to cancel record")
	}
	s.auditor.Emit(ctx, audit.Event{
		RecordID:  id,
		Action:    audit.ActionRecordFailed,
		Detail:    "cancelled before dispatch",
		Timestamp: now,
	})
	return updated, nil
}

// GetRecord returns one record with its derived fields, enforcing ownership.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*RecordDetail, error) {
	record, err := s.ownedRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, record), nil
}

// GetRecordsForOwner pages through the caller's records.
func (s *Service) GetRecordsForOwner(ctx context.Context, filter store.Filter, page store.Page) (*store.PageResult, error) {
	owner := requestcontext.OwnerFrom(ctx)
	if owner.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner context is required")
	}
	scopeToOwner(&filter, owner)

	result, err := s.store.List(ctx, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list records")
	}
	return result, nil
}

// SearchRecords runs a text query over title/description/tags/framework.
func (s *Service) SearchRecords(ctx context.Context, query string, filter store.Filter, page store.Page) (*store.PageResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "search query is required")
	}
	owner := requestcontext.OwnerFrom(ctx)
	if owner.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner context is required")
	}
	scopeToOwner(&filter, owner)

	result, err := s.store.Search(ctx, query, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search records")
	}
	return result, nil
}

// UpdateRecord mutates metadata/tags (always allowed for the owner) and
// descriptive fields (only before confirmation, to preserve anchoring
// integrity).
type UpdateRecordInput struct {
	Metadata    map[string]string
	Tags        []string
	RecordType  *string
	Title       *string
	Description *string
	Framework   *string
}

func (in UpdateRecordInput) touchesDescriptive() bool {
	return in.RecordType != nil || in.Title != nil || in.Description != nil || in.Framework != nil
}

func (s *Service) UpdateRecord(ctx context.Context, id uuid.UUID, in UpdateRecordInput) (*models.Record, error) {
	owner := requestcontext.OwnerFrom(ctx)
	now := requestcontext.Now(ctx)

	updated, err := s.store.Execute(ctx, id,
		func(r *models.Record) error {
			if !r.OwnedBy(owner.UserID, owner.InstitutionID) {
				return dErrors.New(dErrors.CodeForbidden, "record belongs to another owner")
			}
			if in.touchesDescriptive() && !r.DescriptiveFieldsMutable() {
				return dErrors.New(dErrors.CodeInvalidState,
					"descriptive fields are immutable after confirmation")
			}
			return nil
		},
		func(r *models.Record) {
			if in.Metadata != nil {
				r.Metadata = in.Metadata
			}
			if in.Tags != nil {
				r.Tags = in.Tags
			}
			if in.RecordType != nil {
				r.RecordType = strings.TrimSpace(*in.RecordType)
			}
			if in.Title != nil {
				r.Title = strings.TrimSpace(*in.Title)
			}
			if in.Description != nil {
				r.Description = strings.TrimSpace(*in.Description)
			}
			if in.Framework != nil {
				r.Framework = strings.TrimSpace(*in.Framework)
			}
			r.UpdatedAt = now
		},
	)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to update record")
	}
	return updated, nil
}

// ArchiveRecord soft-deletes a confirmed record. Archived records drop out
// of default search but stay queryable for audit.
func (s *Service) ArchiveRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	owner := requestcontext.OwnerFrom(ctx)
	now := requestcontext.Now(ctx)

	updated, err := s.store.Execute(ctx, id,
		func(r *models.Record) error {
			if !r.OwnedBy(owner.UserID, owner.InstitutionID) {
				return dErrors.New(dErrors.CodeForbidden, "record belongs to another owner")
			}
			return r.CanArchive()
		},
		func(r *models.Record) { r.ApplyArchive(now) },
	)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to archive record")
	}
	s.auditor.Emit(ctx, audit.Event{
		RecordID:  id,
		Action:    audit.ActionRecordArchived,
		Timestamp: now,
	})
	return updated, nil
}

// VersionChain returns the record's full lineage, root first.
func (s *Service) VersionChain(ctx context.Context, id uuid.UUID) ([]*models.Record, error) {
	if _, err := s.ownedRecord(ctx, id); err != nil {
		return nil, err
	}
	chain, err := s.store.VersionChain(ctx, id)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to walk version chain")
	}
	return chain, nil
}

// Networks lists the configured ledgers.
func (s *Service) Networks() []models.NetworkMetadata {
	return s.adapters.Networks()
}

// RecordDetail is a record plus its derived read-only fields.
type RecordDetail struct {
	*models.Record
	VerificationScore float64 `json:"verificationScore"`
	IntegrityHash     string  `json:"integrityHash"`
	ExplorerURL       string  `json:"explorerUrl,omitempty"`
}

func (s *Service) detail(ctx context.Context, record *models.Record) *RecordDetail {
	d := &RecordDetail{
		Record:            record,
		VerificationScore: s.Score(record, requestcontext.Now(ctx)),
		IntegrityHash:     IntegrityHash(record),
	}
	if adapter, ok := s.adapters.Adapter(record.Network); ok {
		d.ExplorerURL = adapter.NetworkMetadata().ExplorerURL(record.TransactionRef)
	}
	return d
}

func (s *Service) ownedRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.wrapStoreErr(err, "failed to load record")
	}
	owner := requestcontext.OwnerFrom(ctx)
	if !record.OwnedBy(owner.UserID, owner.InstitutionID) {
		return nil, dErrors.New(dErrors.CodeForbidden, "record belongs to another owner")
	}
	return record, nil
}

func (s *Service) checkParent(ctx context.Context, parentID uuid.UUID, owner requestcontext.Owner) error {
	parent, err := s.store.FindByID(ctx, parentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeValidation, "parent record does not exist")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load parent record")
	}
	if !parent.OwnedBy(owner.UserID, owner.InstitutionID) {
		return dErrors.New(dErrors.CodeForbidden, "parent record belongs to another owner")
	}
	return nil
}

func (s *Service) resolveHash(in StoreRecordInput) (string, error) {
	if len(in.Content) > 0 {
		computed, err := hash.Sum(in.Content, in.Metadata)
		if err != nil {
			return "", err
		}
		if in.DocumentHash != "" && in.DocumentHash != computed {
			return "", dErrors.New(dErrors.CodeValidation,
				"documentHash does not match the supplied content")
		}
		return computed, nil
	}
	if !hash.Valid(in.DocumentHash) {
		return "", dErrors.New(dErrors.CodeValidation, "documentHash is not a valid sha256 digest")
	}
	return in.DocumentHash, nil
}

func (s *Service) wrapStoreErr(err error, message string) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "record not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}

func validateStoreInput(in StoreRecordInput) error {
	var missing []string
	if strings.TrimSpace(in.RecordType) == "" {
		missing = append(missing, "recordType")
	}
	if strings.TrimSpace(in.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(in.Framework) == "" {
		missing = append(missing, "complianceFramework")
	}
	if len(in.Content) == 0 && in.DocumentHash == "" {
		missing = append(missing, "content or documentHash")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation,
			"missing required fields: "+strings.Join(missing, ", "))
	}
	return nil
}

func scopeToOwner(filter *store.Filter, owner requestcontext.Owner) {
	if owner.InstitutionID != "" {
		filter.OwnerInstitutionID = owner.InstitutionID
	} else {
		filter.OwnerUserID = owner.UserID
	}
}

func ownerLabel(owner requestcontext.Owner) string {
	if owner.InstitutionID != "" {
		return owner.InstitutionID
	}
	return owner.UserID
}
