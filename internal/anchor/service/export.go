package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/requestcontext"
)

// exportLimit caps one export so a single request cannot drain the store.
const exportLimit = 1000

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportRecords renders the caller's records in the requested format and
// returns the payload with its content type.
func (s *Service) ExportRecords(ctx context.Context, filter store.Filter, format string) ([]byte, string, error) {
	owner := requestcontext.OwnerFrom(ctx)
	if owner.IsZero() {
		return nil, "", dErrors.New(dErrors.CodeUnauthorized, "owner context is required")
	}
	scopeToOwner(&filter, owner)

	result, err := s.store.List(ctx, filter, store.Page{Page: 1, Limit: exportLimit})
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load records for export")
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
		details := make([]*RecordDetail, 0, len(result.Records))
		for _, r := range result.Records {
			details = append(details, s.detail(ctx, r))
		}
		payload, err := json.MarshalIndent(details, "", "  ")
		if err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode export")
		}
		return payload, "application/json", nil

	case FormatCSV:
		payload, err := s.exportCSV(ctx, result)
		if err != nil {
			return nil, "", err
		}
		return payload, "text/csv", nil

	default:
		return nil, "", dErrors.New(dErrors.CodeValidation, "unsupported export format: "+format)
	}
}

func (s *Service) exportCSV(ctx context.Context, result *store.PageResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "documentHash", "transactionRef", "network", "recordType",
		"title", "complianceFramework", "status", "validationStatus",
		"verificationCount", "verificationScore", "blockNumber",
		"blockTimestamp", "tags", "createdAt",
	}
	if err := w.Write(header); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode export")
	}

	now := requestcontext.Now(ctx)
	for _, r := range result.Records {
		var blockTS string
		if r.BlockTimestamp != nil {
			blockTS = r.BlockTimestamp.UTC().Format(time.RFC3339)
		}
		row := []string{
			r.ID.String(),
			r.DocumentHash,
			r.TransactionRef,
			string(r.Network),
			r.RecordType,
			r.Title,
			r.Framework,
			string(r.Status),
			string(r.ValidationStatus),
			strconv.Itoa(r.VerificationCount),
			strconv.FormatFloat(s.Score(r, now), 'f', 4, 64),
			strconv.FormatInt(r.BlockNumber, 10),
			blockTS,
			strings.Join(r.Tags, ";"),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode export")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode export")
	}
	return buf.Bytes(), nil
}
