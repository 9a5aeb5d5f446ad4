package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"attestor/internal/anchor/models"
	"attestor/pkg/platform/sentinel"
)

// InMemory keeps records in a mutex-guarded map. It backs tests and
// single-process deployments; Postgres is the production store.
type InMemory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.Record
	byTx    map[string]uuid.UUID
}

func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[uuid.UUID]*models.Record),
		byTx:    make(map[string]uuid.UUID),
	}
}

func (s *InMemory) Create(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return sentinel.ErrConflict
	}
	// Dedupe guard: one live anchor per (documentHash, network).
	for _, r := range s.records {
		if r.DocumentHash == record.DocumentHash && r.Network == record.Network && r.Status != models.StatusFailed {
			return sentinel.ErrConflict
		}
	}

	s.records[record.ID] = record.Clone()
	if record.TransactionRef != "" {
		s.byTx[txKey(record.Network, record.TransactionRef)] = record.ID
	}
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id uuid.UUID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemory) FindByTransactionRef(_ context.Context, transactionRef string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range models.AllNetworks() {
		if id, ok := s.byTx[txKey(n, transactionRef)]; ok {
			return s.records[id].Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByDocumentHash(_ context.Context, documentHash string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Record
	for _, r := range s.records {
		if r.DocumentHash == documentHash {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *InMemory) List(_ context.Context, filter Filter, page Page) (*PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.collect(filter, ""), page), nil
}

func (s *InMemory) Search(_ context.Context, query string, filter Filter, page Page) (*PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.collect(filter, strings.ToLower(strings.TrimSpace(query))), page), nil
}

func (s *InMemory) ListByStatus(_ context.Context, status models.Status, limit int) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Record
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Execute applies validate-then-mutate under the store lock, making status
// transitions and counter increments atomic.
func (s *InMemory) Execute(_ context.Context, id uuid.UUID, validate func(*models.Record) error, mutate func(*models.Record)) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if validate != nil {
		if err := validate(r.Clone()); err != nil {
			return nil, err
		}
	}
	mutate(r)
	if r.TransactionRef != "" {
		s.byTx[txKey(r.Network, r.TransactionRef)] = r.ID
	}
	return r.Clone(), nil
}

func (s *InMemory) VersionChain(_ context.Context, id uuid.UUID) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	// Walk up to the root, depth-capped against corrupted lineage.
	root := start
	for depth := 0; root.ParentRecordID != nil && depth < maxChainDepth; depth++ {
		parent, ok := s.records[*root.ParentRecordID]
		if !ok {
			break
		}
		root = parent
	}

	// Children index built on demand; record counts stay small per chain.
	children := make(map[uuid.UUID][]uuid.UUID)
	for _, r := range s.records {
		if r.ParentRecordID != nil {
			children[*r.ParentRecordID] = append(children[*r.ParentRecordID], r.ID)
		}
	}

	var chain []*models.Record
	queue := []uuid.UUID{root.ID}
	seen := make(map[uuid.UUID]bool)
	for len(queue) > 0 && len(chain) <= maxChainDepth {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		chain = append(chain, s.records[next].Clone())
		queue = append(queue, children[next]...)
	}

	sort.Slice(chain, func(i, j int) bool {
		if !chain[i].CreatedAt.Equal(chain[j].CreatedAt) {
			return chain[i].CreatedAt.Before(chain[j].CreatedAt)
		}
		return chain[i].ID.String() < chain[j].ID.String()
	})
	return chain, nil
}

func (s *InMemory) Aggregate(_ context.Context, filter Filter) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &Aggregate{
		ByStatus:     make(map[models.Status]int),
		ByNetwork:    make(map[models.Network]int),
		ByFramework:  make(map[string]int),
		ByValidation: make(map[models.ValidationStatus]int),
	}
	for _, r := range s.records {
		if !matches(r, filter, "") {
			continue
		}
		agg.Total++
		agg.ByStatus[r.Status]++
		agg.ByNetwork[r.Network]++
		if r.Framework != "" {
			agg.ByFramework[r.Framework]++
		}
		agg.ByValidation[r.ValidationStatus]++
		agg.TotalVerifications += r.VerificationCount
	}
	return agg, nil
}

func (s *InMemory) Health(context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }

func (s *InMemory) collect(filter Filter, query string) []*models.Record {
	var out []*models.Record
	for _, r := range s.records {
		if matches(r, filter, query) {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func matches(r *models.Record, f Filter, query string) bool {
	if r.IsArchived && !f.IncludeArchived {
		return false
	}
	if f.OwnerInstitutionID != "" && r.OwnerInstitutionID != f.OwnerInstitutionID {
		return false
	}
	if f.OwnerUserID != "" && r.OwnerUserID != f.OwnerUserID {
		return false
	}
	if f.RecordType != "" && r.RecordType != f.RecordType {
		return false
	}
	if f.Framework != "" && r.Framework != f.Framework {
		return false
	}
	if f.Network != "" && r.Network != f.Network {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ValidationStatus != "" && r.ValidationStatus != f.ValidationStatus {
		return false
	}
	if f.CreatedAfter != nil && r.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && r.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if query != "" && !matchesQuery(r, query) {
		return false
	}
	return true
}

func matchesQuery(r *models.Record, query string) bool {
	if strings.Contains(strings.ToLower(r.Title), query) ||
		strings.Contains(strings.ToLower(r.Description), query) ||
		strings.Contains(strings.ToLower(r.Framework), query) {
		return true
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

// sortNewestFirst orders by creation time descending, breaking ties by id so
// pagination is deterministic.
func sortNewestFirst(records []*models.Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID.String() < records[j].ID.String()
	})
}

func paginate(all []*models.Record, page Page) *PageResult {
	page = page.Normalize()
	total := len(all)

	start := page.offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	return &PageResult{
		Records: all[start:end],
		Total:   total,
		Page:    page.Page,
		Limit:   page.Limit,
	}
}

func txKey(network models.Network, ref string) string {
	return string(network) + "|" + ref
}
