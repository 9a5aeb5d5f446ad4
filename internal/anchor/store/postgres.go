package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"attestor/internal/anchor/models"
	"attestor/pkg/platform/sentinel"
)

// Postgres is the production record store. The dedupe invariant lives in the
// database itself as a partial unique index, so concurrent duplicate
// submissions race on the insert and exactly one wins regardless of how many
// service replicas run.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Postgres{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromDB wraps an existing handle; used by integration tests.
func NewPostgresFromDB(db *sql.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS anchor_records (
	id                   UUID PRIMARY KEY,
	document_hash        TEXT NOT NULL,
	transaction_ref      TEXT,
	network              TEXT NOT NULL,
	record_type          TEXT NOT NULL DEFAULT '',
	title                TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	framework            TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	validation_status    TEXT NOT NULL,
	verification_count   INT NOT NULL DEFAULT 0,
	retry_count          INT NOT NULL DEFAULT 0,
	parent_record_id     UUID REFERENCES anchor_records (id),
	owner_user_id        TEXT NOT NULL DEFAULT '',
	owner_institution_id TEXT NOT NULL DEFAULT '',
	block_number         BIGINT NOT NULL DEFAULT 0,
	block_timestamp      TIMESTAMPTZ,
	metadata             JSONB NOT NULL DEFAULT '{}',
	tags                 TEXT[] NOT NULL DEFAULT '{}',
	is_active            BOOLEAN NOT NULL DEFAULT TRUE,
	is_archived          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

-- At most one non-failed anchor per (documentHash, network).
CREATE UNIQUE INDEX IF NOT EXISTS anchor_records_dedupe
	ON anchor_records (document_hash, network) WHERE status <> 'failed';

-- Transaction refs are unique within a network once assigned.
CREATE UNIQUE INDEX IF NOT EXISTS anchor_records_tx
	ON anchor_records (network, transaction_ref) WHERE transaction_ref IS NOT NULL;

CREATE INDEX IF NOT EXISTS anchor_records_status ON anchor_records (status);
CREATE INDEX IF NOT EXISTS anchor_records_owner
	ON anchor_records (owner_institution_id, owner_user_id);
CREATE INDEX IF NOT EXISTS anchor_records_parent ON anchor_records (parent_record_id);
`

func (s *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const recordColumns = `id, document_hash, transaction_ref, network, record_type, title,
	description, framework, status, validation_status, verification_count,
	retry_count, parent_record_id, owner_user_id, owner_institution_id,
	block_number, block_timestamp, metadata, tags, is_active, is_archived,
	created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, r *models.Record) error {
	metadata, err := json.Marshal(orEmptyMap(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchor_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		r.ID, r.DocumentHash, nullString(r.TransactionRef), r.Network, r.RecordType,
		r.Title, r.Description, r.Framework, r.Status, r.ValidationStatus,
		r.VerificationCount, r.RetryCount, nullUUID(r.ParentRecordID),
		r.OwnerUserID, r.OwnerInstitutionID, r.BlockNumber, r.BlockTimestamp,
		metadata, pq.Array(orEmptySlice(r.Tags)), r.IsActive, r.IsArchived,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *Postgres) FindByTransactionRef(ctx context.Context, transactionRef string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE transaction_ref = $1
		 ORDER BY created_at DESC, id LIMIT 1`, transactionRef)
	return scanRecord(row)
}

func (s *Postgres) FindByDocumentHash(ctx context.Context, documentHash string) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE document_hash = $1
		 ORDER BY created_at DESC, id`, documentHash)
	if err != nil {
		return nil, fmt.Errorf("query by document hash: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Postgres) List(ctx context.Context, filter Filter, page Page) (*PageResult, error) {
	return s.query(ctx, filter, "", page)
}

func (s *Postgres) Search(ctx context.Context, query string, filter Filter, page Page) (*PageResult, error) {
	return s.query(ctx, filter, strings.TrimSpace(query), page)
}

func (s *Postgres) query(ctx context.Context, filter Filter, search string, page Page) (*PageResult, error) {
	page = page.Normalize()
	where, args := buildWhere(filter, search)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anchor_records `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	args = append(args, page.Limit, page.offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM anchor_records %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &PageResult{Records: records, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE status = $1
		 ORDER BY created_at DESC, id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Execute loads the row FOR UPDATE, validates, mutates and writes back in one
// transaction. The row lock is the per-record serialization point.
func (s *Postgres) Execute(ctx context.Context, id uuid.UUID, validate func(*models.Record) error, mutate func(*models.Record)) (*models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE id = $1 FOR UPDATE`, id)
	record, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if validate != nil {
		if err := validate(record); err != nil {
			return nil, err
		}
	}
	mutate(record)

	metadata, err := json.Marshal(orEmptyMap(record.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE anchor_records SET
			transaction_ref = $2, record_type = $3, title = $4, description = $5,
			framework = $6, status = $7, validation_status = $8,
			verification_count = $9, retry_count = $10, block_number = $11,
			block_timestamp = $12, metadata = $13, tags = $14, is_active = $15,
			is_archived = $16, updated_at = $17
		WHERE id = $1`,
		record.ID, nullString(record.TransactionRef), record.RecordType,
		record.Title, record.Description, record.Framework, record.Status,
		record.ValidationStatus, record.VerificationCount, record.RetryCount,
		record.BlockNumber, record.BlockTimestamp, metadata,
		pq.Array(orEmptySlice(record.Tags)), record.IsActive, record.IsArchived,
		record.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return record, nil
}

func (s *Postgres) VersionChain(ctx context.Context, id uuid.UUID) ([]*models.Record, error) {
	start, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Iterative parent walk, depth-capped against corrupted lineage.
	root := start
	for depth := 0; root.ParentRecordID != nil && depth < maxChainDepth; depth++ {
		parent, err := s.FindByID(ctx, *root.ParentRecordID)
		if errors.Is(err, sentinel.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		root = parent
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

		record, err := s.FindByID(ctx, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, record)

		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM anchor_records WHERE parent_record_id = $1 ORDER BY created_at, id`, next)
		if err != nil {
			return nil, fmt.Errorf("query children: %w", err)
		}
		for rows.Next() {
			var childID uuid.UUID
			if err := rows.Scan(&childID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan child id: %w", err)
			}
			queue = append(queue, childID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate children: %w", err)
		}
		rows.Close()
	}
	return chain, nil
}

func (s *Postgres) Aggregate(ctx context.Context, filter Filter) (*Aggregate, error) {
	where, args := buildWhere(filter, "")

	agg := &Aggregate{
		ByStatus:     make(map[models.Status]int),
		ByNetwork:    make(map[models.Network]int),
		ByFramework:  make(map[string]int),
		ByValidation: make(map[models.ValidationStatus]int),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(verification_count), 0) FROM anchor_records `+where,
		args...).Scan(&agg.Total, &agg.TotalVerifications); err != nil {
		return nil, fmt.Errorf("aggregate totals: %w", err)
	}

	type grouping struct {
		column string
		add    func(key string, count int)
	}
	groupings := []grouping{
		{"status", func(k string, c int) { agg.ByStatus[models.Status(k)] = c }},
		{"network", func(k string, c int) { agg.ByNetwork[models.Network(k)] = c }},
		{"framework", func(k string, c int) {
			if k != "" {
				agg.ByFramework[k] = c
			}
		}},
		{"validation_status", func(k string, c int) { agg.ByValidation[models.ValidationStatus(k)] = c }},
	}
	for _, g := range groupings {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s, COUNT(*) FROM anchor_records %s GROUP BY %s`, g.column, where, g.column), args...)
		if err != nil {
			return nil, fmt.Errorf("aggregate by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan aggregate: %w", err)
			}
			g.add(key, count)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate aggregate: %w", err)
		}
		rows.Close()
	}
	return agg, nil
}

func (s *Postgres) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func buildWhere(f Filter, search string) (string, []any) {
	var clauses []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeArchived {
		clauses = append(clauses, "is_archived = FALSE")
	}
	if f.OwnerInstitutionID != "" {
		clauses = append(clauses, "owner_institution_id = "+arg(f.OwnerInstitutionID))
	}
	if f.OwnerUserID != "" {
		clauses = append(clauses, "owner_user_id = "+arg(f.OwnerUserID))
	}
	if f.RecordType != "" {
		clauses = append(clauses, "record_type = "+arg(f.RecordType))
	}
	if f.Framework != "" {
		clauses = append(clauses, "framework = "+arg(f.Framework))
	}
	if f.Network != "" {
		clauses = append(clauses, "network = "+arg(string(f.Network)))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = "+arg(string(f.Status)))
	}
	if f.ValidationStatus != "" {
		clauses = append(clauses, "validation_status = "+arg(string(f.ValidationStatus)))
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= "+arg(*f.CreatedBefore))
	}
	if search != "" {
		pattern := arg("%" + search + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(title ILIKE %[1]s OR description ILIKE %[1]s OR framework ILIKE %[1]s OR EXISTS (SELECT 1 FROM unnest(tags) tag WHERE tag ILIKE %[1]s))",
			pattern))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	r, err := scanInto(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return r, err
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	var out []*models.Record
	for rows.Next() {
		r, err := scanInto(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanInto(scan func(...any) error) (*models.Record, error) {
	var (
		r              models.Record
		transactionRef sql.NullString
		parentID       uuid.NullUUID
		blockTimestamp sql.NullTime
		metadata       []byte
		tags           pq.StringArray
	)
	err := scan(
		&r.ID, &r.DocumentHash, &transactionRef, &r.Network, &r.RecordType,
		&r.Title, &r.Description, &r.Framework, &r.Status, &r.ValidationStatus,
		&r.VerificationCount, &r.RetryCount, &parentID, &r.OwnerUserID,
		&r.OwnerInstitutionID, &r.BlockNumber, &blockTimestamp, &metadata,
		&tags, &r.IsActive, &r.IsArchived, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if transactionRef.Valid {
		r.TransactionRef = transactionRef.String
	}
	if parentID.Valid {
		pid := parentID.UUID
		r.ParentRecordID = &pid
	}
	if blockTimestamp.Valid {
		ts := blockTimestamp.Time.UTC()
		r.BlockTimestamp = &ts
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(tags) > 0 {
		r.Tags = []string(tags)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
