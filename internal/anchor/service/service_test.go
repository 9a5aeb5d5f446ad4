package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"attestor/internal/anchor/audit"
	"attestor/internal/anchor/hash"
	"attestor/internal/anchor/ledger"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/service"
	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/requestcontext"
)

func testScoreConfig() service.ScoreConfig {
	return service.ScoreConfig{
		DepthWeight:     0.4,
		CountWeight:     0.4,
		TrustWeight:     0.2,
		DepthSaturation: 7 * 24 * time.Hour,
		NetworkTrust: map[string]float64{
			"ethereum":    0.9,
			"polygon":     0.8,
			"hyperledger": 1.0,
		},
	}
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *store.InMemory
	adapter *ledger.MemoryAdapter
	auditor *audit.MemoryPublisher
	svc     *service.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.store = store.NewInMemory()
	s.adapter = ledger.NewMemoryAdapter(models.NetworkEthereum)
	s.auditor = audit.NewMemoryPublisher()

	registry := ledger.NewRegistry()
	registry.Register(models.NetworkEthereum, s.adapter)

	s.svc = service.New(s.store, registry, testScoreConfig(), service.WithAuditor(s.auditor))

	ctx := requestcontext.WithOwner(context.Background(), requestcontext.Owner{
		UserID:        "user-1",
		InstitutionID: "inst-1",
	})
	s.ctx = requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) input() service.StoreRecordInput {
	return service.StoreRecordInput{
		Content:    []byte("annual soc2 report"),
		RecordType: "audit_report",
		Title:      "Annual SOC2 report",
		Framework:  "soc2",
		Network:    "ethereum",
	}
}

func (s *ServiceSuite) TestStoreRecordSubmits() {
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	s.Equal(models.StatusSubmitted, record.Status)
	s.NotEmpty(record.TransactionRef)
	s.True(hash.Valid(record.DocumentHash))
	s.Equal("inst-1", record.OwnerInstitutionID)

	actions := make([]audit.Action, 0, 2)
	for _, e := range s.auditor.Events() {
		actions = append(actions, e.Action)
	}
	s.Equal([]audit.Action{audit.ActionRecordCreated, audit.ActionRecordSubmitted}, actions)
}

func (s *ServiceSuite) TestStoreRecordWithPrecomputedHash() {
	precomputed, err := hash.Sum([]byte("externally hashed"), nil)
	s.Require().NoError(err)

	in := s.input()
	in.Content = nil
	in.DocumentHash = precomputed

	record, err := s.svc.StoreRecord(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(precomputed, record.DocumentHash)
}

func (s *ServiceSuite) TestStoreRecordValidation() {
	s.Run("missing fields", func() {
		_, err := s.svc.StoreRecord(s.ctx, service.StoreRecordInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Contains(dErrors.MessageOf(err), "recordType")
	})

	s.Run("malformed hash", func() {
		in := s.input()
		in.Content = nil
		in.DocumentHash = "not-a-hash"
		_, err := s.svc.StoreRecord(s.ctx, in)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("hash contradicting content", func() {
		in := s.input()
		in.DocumentHash = hash.SumFields("something else")
		_, err := s.svc.StoreRecord(s.ctx, in)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unsupported network", func() {
		in := s.input()
		in.Network = "solana"
		_, err := s.svc.StoreRecord(s.ctx, in)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unconfigured network", func() {
		in := s.input()
		in.Network = "polygon"
		_, err := s.svc.StoreRecord(s.ctx, in)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("no owner context", func() {
		_, err := s.svc.StoreRecord(requestcontext.WithTime(context.Background(), s.now), s.input())
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *ServiceSuite) TestStoreRecordDuplicate() {
	_, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	_, err = s.svc.StoreRecord(s.ctx, s.input())
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicate))
}

func (s *ServiceSuite) TestStoreRecordConcurrentDuplicate() {
	const writers = 8

	type outcome struct {
		record *models.Record
		err    error
	}
	results := make(chan outcome, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.svc.StoreRecord(s.ctx, s.input())
			results <- outcome{record: record, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var submitted, duplicates int
	for r := range results {
		switch {
		case r.err == nil:
			s.Equal(models.StatusSubmitted, r.record.Status)
			submitted++
		case dErrors.HasCode(r.err, dErrors.CodeDuplicate):
			duplicates++
		default:
			s.Require().NoError(r.err)
		}
	}
	s.Equal(1, submitted, "exactly one writer anchors the document")
	s.Equal(writers-1, duplicates)
}

func (s *ServiceSuite) TestStoreRecordRejectedByLedger() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeRejected, "invalid payload")

	_, err := s.svc.StoreRecord(s.ctx, s.input())
	s.True(dErrors.HasCode(err, dErrors.CodeRejected))

	// The record exists in failed state for audit and resubmission lineage.
	records, err := s.store.ListByStatus(s.ctx, models.StatusFailed, 10)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.False(records[0].IsActive)
}

func (s *ServiceSuite) TestStoreRecordDeferredOnTransientFault() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")

	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)
	s.Equal(models.StatusPending, record.Status)
	s.Equal(1, record.RetryCount)
	s.Empty(record.TransactionRef)
}

func (s *ServiceSuite) TestResubmit() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	s.adapter.FailSubmit = nil
	updated, err := s.svc.Resubmit(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, updated.Status)
	s.NotEmpty(updated.TransactionRef)

	_, err = s.svc.Resubmit(s.ctx, record.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState), "already submitted")
}

func (s *ServiceSuite) TestResubmissionLineage() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeRejected, "invalid payload")
	_, err := s.svc.StoreRecord(s.ctx, s.input())
	s.True(dErrors.HasCode(err, dErrors.CodeRejected))

	failed, err := s.store.ListByStatus(s.ctx, models.StatusFailed, 1)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)

	s.adapter.FailSubmit = nil
	in := s.input()
	in.ParentRecordID = &failed[0].ID
	child, err := s.svc.StoreRecord(s.ctx, in)
	s.Require().NoError(err)

	chain, err := s.svc.VersionChain(s.ctx, child.ID)
	s.Require().NoError(err)
	s.Require().Len(chain, 2)
	s.Equal(failed[0].ID, chain[0].ID)
	s.Equal(child.ID, chain[1].ID)
}

func (s *ServiceSuite) TestCancelRecord() {
	s.Run("never-dispatched pending record cancels", func() {
		// No adapter call happened yet: create directly through the store.
		record, err := models.NewRecord(uuid.New(), hash.SumFields("cancel-me"), models.NetworkEthereum, "user-1", "inst-1", s.now)
		s.Require().NoError(err)
		s.Require().NoError(s.store.Create(s.ctx, record))

		cancelled, err := s.svc.CancelRecord(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, cancelled.Status)
	})

	s.Run("dispatched record cannot cancel", func() {
		s.adapter.FailSubmit = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")
		record, err := s.svc.StoreRecord(s.ctx, s.input())
		s.Require().NoError(err)
		s.Require().Equal(models.StatusPending, record.Status)

		_, err = s.svc.CancelRecord(s.ctx, record.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("submitted record cannot cancel", func() {
		s.adapter.FailSubmit = nil
		in := s.input()
		in.Content = []byte("another document")
		record, err := s.svc.StoreRecord(s.ctx, in)
		s.Require().NoError(err)

		_, err = s.svc.CancelRecord(s.ctx, record.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *ServiceSuite) TestUpdateRecord() {
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	s.Run("descriptive fields before confirmation", func() {
		title := "Renamed report"
		updated, err := s.svc.UpdateRecord(s.ctx, record.ID, service.UpdateRecordInput{
			Title: &title,
			Tags:  []string{"soc2", "2026"},
		})
		s.Require().NoError(err)
		s.Equal("Renamed report", updated.Title)
		s.Equal([]string{"soc2", "2026"}, updated.Tags)
	})

	s.Run("descriptive fields frozen after confirmation", func() {
		_, err := s.store.Execute(s.ctx, record.ID,
			func(r *models.Record) error { return r.CanConfirm() },
			func(r *models.Record) { r.ApplyConfirmed(100, s.now, s.now) },
		)
		s.Require().NoError(err)

		title := "Too late"
		_, err = s.svc.UpdateRecord(s.ctx, record.ID, service.UpdateRecordInput{Title: &title})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("metadata still mutable after confirmation", func() {
		updated, err := s.svc.UpdateRecord(s.ctx, record.ID, service.UpdateRecordInput{
			Metadata: map[string]string{"reviewer": "alice"},
		})
		s.Require().NoError(err)
		s.Equal("alice", updated.Metadata["reviewer"])
	})

	s.Run("foreign owner rejected", func() {
		foreign := requestcontext.WithOwner(context.Background(), requestcontext.Owner{
			UserID: "user-2", InstitutionID: "inst-2",
		})
		_, err := s.svc.UpdateRecord(foreign, record.ID, service.UpdateRecordInput{
			Metadata: map[string]string{"x": "y"},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *ServiceSuite) TestArchiveRecord() {
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	_, err = s.svc.ArchiveRecord(s.ctx, record.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState), "only confirmed records archive")

	_, err = s.store.Execute(s.ctx, record.ID,
		func(r *models.Record) error { return r.CanConfirm() },
		func(r *models.Record) { r.ApplyConfirmed(100, s.now, s.now) },
	)
	s.Require().NoError(err)

	archived, err := s.svc.ArchiveRecord(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(archived.IsArchived)
	s.Equal(models.StatusArchived, archived.Status)
}

func (s *ServiceSuite) TestListAndSearchScopedToOwner() {
	_, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	otherCtx := requestcontext.WithOwner(context.Background(), requestcontext.Owner{
		UserID: "user-9", InstitutionID: "inst-9",
	})
	in := s.input()
	in.Content = []byte("other institution's document")
	in.Title = "Quarterly GDPR review"
	_, err = s.svc.StoreRecord(requestcontext.WithTime(otherCtx, s.now), in)
	s.Require().NoError(err)

	result, err := s.svc.GetRecordsForOwner(s.ctx, store.Filter{}, store.Page{})
	s.Require().NoError(err)
	s.Equal(1, result.Total)
	s.Equal("inst-1", result.Records[0].OwnerInstitutionID)

	found, err := s.svc.SearchRecords(s.ctx, "gdpr", store.Filter{}, store.Page{})
	s.Require().NoError(err)
	s.Zero(found.Total, "search never crosses owner boundaries")

	_, err = s.svc.SearchRecords(s.ctx, "   ", store.Filter{}, store.Page{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestGetRecordDetail() {
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	detail, err := s.svc.GetRecord(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(record.ID, detail.Record.ID)
	s.True(hash.Valid(detail.IntegrityHash))
	s.Zero(detail.VerificationScore, "unconfirmed records score zero")

	foreign := requestcontext.WithOwner(context.Background(), requestcontext.Owner{UserID: "u", InstitutionID: "i"})
	_, err = s.svc.GetRecord(foreign, record.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.svc.GetRecord(s.ctx, uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestExportRecords() {
	record, err := s.svc.StoreRecord(s.ctx, s.input())
	s.Require().NoError(err)

	s.Run("json", func() {
		payload, contentType, err := s.svc.ExportRecords(s.ctx, store.Filter{}, "json")
		s.Require().NoError(err)
		s.Equal("application/json", contentType)
		s.Contains(string(payload), record.DocumentHash)
	})

	s.Run("csv", func() {
		payload, contentType, err := s.svc.ExportRecords(s.ctx, store.Filter{}, "csv")
		s.Require().NoError(err)
		s.Equal("text/csv", contentType)

		lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
		s.Require().Len(lines, 2)
		s.Contains(lines[0], "documentHash")
		s.Contains(lines[1], record.TransactionRef)
	})

	s.Run("unsupported format", func() {
		_, _, err := s.svc.ExportRecords(s.ctx, store.Filter{}, "xml")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}
