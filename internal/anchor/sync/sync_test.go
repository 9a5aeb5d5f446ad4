package sync_test

import (
	"context"
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
	anchorsync "attestor/internal/anchor/sync"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/requestcontext"
)

type SyncSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *store.InMemory
	adapter *ledger.MemoryAdapter
	svc     *service.Service
	syncer  *anchorsync.Service
	auditor *audit.MemoryPublisher
}

func TestSyncSuite(t *testing.T) {
	suite.Run(t, new(SyncSuite))
}

func (s *SyncSuite) SetupTest() {
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.store = store.NewInMemory()
	s.adapter = ledger.NewMemoryAdapter(models.NetworkEthereum)
	s.auditor = audit.NewMemoryPublisher()

	registry := ledger.NewRegistry()
	registry.Register(models.NetworkEthereum, s.adapter)

	s.svc = service.New(s.store, registry, service.ScoreConfig{}, service.WithAuditor(s.auditor))
	s.syncer = anchorsync.New(s.store, registry, s.svc, anchorsync.Config{
		Interval:    time.Second,
		Concurrency: 4,
		MaxRetries:  3,
	}, anchorsync.WithAuditor(s.auditor))

	ctx := requestcontext.WithOwner(context.Background(), requestcontext.Owner{
		UserID:        "user-1",
		InstitutionID: "inst-1",
	})
	s.ctx = requestcontext.WithTime(ctx, s.now)
}

func (s *SyncSuite) submitted(content string) *models.Record {
	record, err := s.svc.StoreRecord(s.ctx, service.StoreRecordInput{
		Content:    []byte(content),
		RecordType: "audit_report",
		Title:      "Report " + content,
		Framework:  "soc2",
	})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusSubmitted, record.Status)
	return record
}

func (s *SyncSuite) TestTickConfirmsSubmittedRecords() {
	a := s.submitted("doc-a")
	b := s.submitted("doc-b")

	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, advanced)

	for _, record := range []*models.Record{a, b} {
		found, err := s.store.FindByID(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusConfirmed, found.Status)
		s.Positive(found.BlockNumber)
		s.NotNil(found.BlockTimestamp)
	}
}

func (s *SyncSuite) TestTickLeavesPendingOnChainAlone() {
	s.adapter.ConfirmAfterPolls = 2
	record := s.submitted("slow-doc")

	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Zero(advanced)

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, found.Status)
	s.Zero(found.RetryCount, "an on-chain pending poll is not a retry")
}

func (s *SyncSuite) TestTickFailsRejectedTransaction() {
	record := s.submitted("bad-doc")
	s.adapter.RejectRef = record.TransactionRef

	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, found.Status)

	var failEvent *audit.Event
	for _, e := range s.auditor.Events() {
		if e.Action == audit.ActionRecordFailed {
			failEvent = &e
			break
		}
	}
	s.Require().NotNil(failEvent)
	s.NotEmpty(failEvent.Detail)
}

func (s *SyncSuite) TestTransientPollFailuresSpendBudget() {
	record := s.submitted("flaky-doc")
	s.adapter.FailPoll = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")

	// Two ticks spend two attempts; the record survives.
	for i := 0; i < 2; i++ {
		advanced, err := s.syncer.Tick(s.ctx)
		s.Require().NoError(err)
		s.Zero(advanced)
	}
	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, found.Status)
	s.Equal(2, found.RetryCount)

	// The third exhausts the budget.
	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	found, err = s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, found.Status)
}

func (s *SyncSuite) TestTickRetriesDeferredSubmissions() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")
	record, err := s.svc.StoreRecord(s.ctx, service.StoreRecordInput{
		Content:    []byte("deferred-doc"),
		RecordType: "audit_report",
		Title:      "Deferred report",
		Framework:  "soc2",
	})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusPending, record.Status)

	s.adapter.FailSubmit = nil
	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	// The resubmission tick never polls the record it just dispatched.
	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, found.Status)
	s.NotEmpty(found.TransactionRef)

	// The following tick picks it up for confirmation.
	advanced, err = s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	found, err = s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, found.Status)
}

func (s *SyncSuite) TestTickTwiceAdvancesNothingFurther() {
	record := s.submitted("idem-doc")

	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	advanced, err = s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Zero(advanced, "a tick over settled records is a no-op")

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, found.Status)
}

func (s *SyncSuite) TestTickSkipsFreshPendingRecords() {
	record, err := models.NewRecord(
		uuid.New(), hash.SumFields("fresh"), models.NetworkEthereum, "user-1", "inst-1", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, record))

	advanced, err := s.syncer.Tick(s.ctx)
	s.Require().NoError(err)
	s.Zero(advanced)

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, found.Status)
}

func (s *SyncSuite) TestTickFailsExhaustedPendingRecords() {
	s.adapter.FailSubmit = dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")
	record, err := s.svc.StoreRecord(s.ctx, service.StoreRecordInput{
		Content:    []byte("doomed-doc"),
		RecordType: "audit_report",
		Title:      "Doomed report",
		Framework:  "soc2",
	})
	s.Require().NoError(err)

	// Each tick resubmits once and the inline attempt bumps RetryCount.
	for i := 0; i < 3; i++ {
		_, err := s.syncer.Tick(s.ctx)
		s.Require().NoError(err)
	}

	found, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, found.Status)
}

func (s *SyncSuite) TestLockerSkipsContendedTick() {
	s.submitted("locked-doc")

	locker := &stubLocker{held: true}
	contended := anchorsync.New(s.store, ledgerRegistry(s.adapter), s.svc, anchorsync.Config{
		Interval: time.Second,
	}, anchorsync.WithLocker(locker))

	advanced, err := contended.Tick(s.ctx)
	s.Require().NoError(err)
	s.Zero(advanced)

	locker.held = false
	advanced, err = contended.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)
	s.True(locker.released)
}

type stubLocker struct {
	held     bool
	released bool
}

func (l *stubLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return !l.held, nil
}

func (l *stubLocker) Release(context.Context, string) error {
	l.released = true
	return nil
}

func ledgerRegistry(adapter *ledger.MemoryAdapter) *ledger.Registry {
	r := ledger.NewRegistry()
	r.Register(models.NetworkEthereum, adapter)
	return r
}
