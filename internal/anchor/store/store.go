// Package store is the durable repository of anchoring records and their
// version lineage.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"attestor/internal/anchor/models"
)

// maxChainDepth bounds parent walks so corrupted lineage data cannot spin a
// traversal forever.
const maxChainDepth = 64

// Filter narrows listing, search, export and aggregation queries. Zero
// values mean "no constraint". Archived records are excluded unless
// IncludeArchived is set.
type Filter struct {
	OwnerUserID        string
	OwnerInstitutionID string
	RecordType         string
	Framework          string
	Network            models.Network
	Status             models.Status
	ValidationStatus   models.ValidationStatus
	IncludeArchived    bool
	CreatedAfter       *time.Time
	CreatedBefore      *time.Time
}

// Page is explicit page/limit pagination. Normalize before use.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps pagination to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// PageResult carries one page plus the total match count.
type PageResult struct {
	Records []*models.Record `json:"records"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
}

// Aggregate is the read-only summary the analytics layer serves. It reflects
// store state at call time; no caching.
type Aggregate struct {
	Total              int                              `json:"total"`
	ByStatus           map[models.Status]int            `json:"byStatus"`
	ByNetwork          map[models.Network]int           `json:"byNetwork"`
	ByFramework        map[string]int                   `json:"byFramework"`
	ByValidation       map[models.ValidationStatus]int  `json:"byValidation"`
	TotalVerifications int                              `json:"totalVerifications"`
}

// Store is the repository contract. Implementations return sentinel errors
// (pkg/platform/sentinel); services translate them into coded domain errors.
//
// Create enforces the dedupe invariant: at most one non-failed record per
// (documentHash, network) pair, rejected with sentinel.ErrConflict. This is
// the serialization point that keeps concurrent duplicate submissions from
// double-anchoring.
//
// Execute runs validate-then-mutate atomically under a per-record lock so
// status transitions and verification-count increments are compare-and-swap
// rather than read-modify-write races.
type Store interface {
	Create(ctx context.Context, record *models.Record) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Record, error)
	FindByTransactionRef(ctx context.Context, transactionRef string) (*models.Record, error)
	FindByDocumentHash(ctx context.Context, documentHash string) ([]*models.Record, error)
	List(ctx context.Context, filter Filter, page Page) (*PageResult, error)
	Search(ctx context.Context, query string, filter Filter, page Page) (*PageResult, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Record, error)
	Execute(ctx context.Context, id uuid.UUID, validate func(*models.Record) error, mutate func(*models.Record)) (*models.Record, error)
	VersionChain(ctx context.Context, id uuid.UUID) ([]*models.Record, error)
	Aggregate(ctx context.Context, filter Filter) (*Aggregate, error)
	Health(ctx context.Context) error
	Close() error
}
