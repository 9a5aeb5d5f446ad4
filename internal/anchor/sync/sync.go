// Package sync reconciles local record state with the ledgers: it polls
// submitted records for confirmation, retries deferred submissions, and
// enforces the retry budget. The loop is the only writer of the
// submitted→confirmed and submitted→failed transitions, but every mutation
// still goes through the store's compare-and-swap so concurrent replicas
// cannot double-apply.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"attestor/internal/anchor/audit"
	"attestor/internal/anchor/ledger"
	anchormetrics "attestor/internal/anchor/metrics"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/requestcontext"
)

// lockKey guards the tick across replicas when a Locker is configured.
const lockKey = "attestor:sync:tick"

// batchSize bounds how many records one tick picks up per status.
const batchSize = 200

// Submitter retries the ledger dispatch for a pending record.
type Submitter interface {
	Resubmit(ctx context.Context, id uuid.UUID) (*models.Record, error)
}

// Locker serializes ticks across replicas. Nil means single-instance mode.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Config controls the reconciliation loop.
type Config struct {
	Interval    time.Duration
	Jitter      time.Duration
	Concurrency int
	// MaxRetries bounds transient attempts per record before it is failed.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Service is the background reconciliation loop.
type Service struct {
	store     store.Store
	adapters  *ledger.Registry
	submitter Submitter
	cfg       Config
	locker    Locker
	logger    *slog.Logger
	metrics   *anchormetrics.Metrics
	auditor   audit.Publisher
}

// Option configures the Service.
type Option func(*Service)

// WithLocker enables cross-replica tick serialization.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

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

func New(recordStore store.Store, adapters *ledger.Registry, submitter Submitter, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     recordStore,
		adapters:  adapters,
		submitter: submitter,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		auditor:   audit.NopPublisher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context is cancelled. Each interval gets a random
// jitter so replicas do not stampede the ledgers in lockstep.
func (s *Service) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "sync loop started",
		"interval", s.cfg.Interval,
		"concurrency", s.cfg.Concurrency,
	)
	for {
		wait := s.cfg.Interval
		if s.cfg.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return
		case <-time.After(wait):
		}

		advanced, err := s.Tick(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "sync tick failed", "error", err)
			continue
		}
		if advanced > 0 {
			s.logger.InfoContext(ctx, "sync tick advanced records", "count", advanced)
		}
	}
}

// Tick runs one reconciliation pass and returns how many records changed
// status. Safe to call on demand (the manual sync endpoint does).
func (s *Service) Tick(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.Interval)
		if err != nil {
			// Lock infrastructure trouble is logged, not fatal: a skipped
			// tick is recovered by the next one.
			s.logger.WarnContext(ctx, "sync lock unavailable, skipping tick", "error", err)
			return 0, nil
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := s.locker.Release(ctx, lockKey); err != nil {
				s.logger.WarnContext(ctx, "sync lock release failed", "error", err)
			}
		}()
	}

	// Snapshot the submitted batch before retrying deferred submissions, so a
	// record resubmitted in this tick is not polled until the next one. One
	// tick advances a record at most one lifecycle step.
	submitted, err := s.store.ListByStatus(ctx, models.StatusSubmitted, batchSize)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list submitted records")
	}

	advanced := s.retryPending(ctx)

	var polled int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	results := make([]bool, len(submitted))
	for i, record := range submitted {
		g.Go(func() error {
			moved, err := s.pollOne(gctx, record)
			if err != nil {
				// Per-record trouble never aborts the batch.
				s.logger.WarnContext(gctx, "poll failed",
					"record_id", record.ID,
					"network", record.Network,
					"error", err,
				)
				return nil
			}
			results[i] = moved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return advanced, err
	}
	for _, moved := range results {
		if moved {
			polled++
		}
	}
	return advanced + polled, nil
}

// retryPending redispatches records whose inline submission was deferred.
// Fresh pending records (RetryCount zero) are skipped: they are either still
// in flight in the create request or eligible for cancellation.
func (s *Service) retryPending(ctx context.Context) int {
	pending, err := s.store.ListByStatus(ctx, models.StatusPending, batchSize)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list pending records", "error", err)
		return 0
	}

	var advanced int
	for _, record := range pending {
		if record.RetryCount == 0 {
			continue
		}
		if record.RetryCount >= s.cfg.MaxRetries {
			if s.failRecord(ctx, record, "submission retry budget exhausted") {
				advanced++
			}
			continue
		}
		updated, err := s.submitter.Resubmit(ctx, record.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "resubmission failed",
				"record_id", record.ID,
				"network", record.Network,
				"error", err,
			)
			continue
		}
		if updated.Status == models.StatusSubmitted {
			s.metrics.IncrementSyncTransition(string(models.StatusSubmitted))
			advanced++
		}
	}
	return advanced
}

// pollOne checks one submitted record against its ledger and applies the
// transition. Returns true when the record changed status.
func (s *Service) pollOne(ctx context.Context, record *models.Record) (bool, error) {
	adapter, ok := s.adapters.Adapter(record.Network)
	if !ok {
		return false, dErrors.New(dErrors.CodeLedgerUnavailable, "network is not configured")
	}

	network := string(record.Network)
	start := time.Now()
	result, err := adapter.PollStatus(ctx, record.TransactionRef)
	s.metrics.ObserveLedgerCall(network, "poll", start)

	now := requestcontext.Now(ctx)
	switch {
	case err != nil:
		return s.recordAttempt(ctx, record, err)

	case result.State == ledger.PollConfirmed:
		updated, execErr := s.store.Execute(ctx, record.ID,
			func(r *models.Record) error { return r.CanConfirm() },
			func(r *models.Record) { r.ApplyConfirmed(result.BlockNumber, result.BlockTimestamp, now) },
		)
		if execErr != nil {
			// Another replica won the race; nothing left to do.
			if dErrors.HasCode(execErr, dErrors.CodeInvalidState) {
				return false, nil
			}
			return false, execErr
		}
		s.metrics.IncrementSyncTransition(string(models.StatusConfirmed))
		s.auditor.Emit(ctx, audit.Event{
			RecordID:       updated.ID,
			Action:         audit.ActionRecordConfirmed,
			Network:        network,
			TransactionRef: updated.TransactionRef,
			Timestamp:      now,
		})
		return true, nil

	case result.State == ledger.PollFailed:
		return s.failRecord(ctx, record, result.Reason), nil

	default:
		// Still pending on chain; not an attempt, just patience.
		return false, nil
	}
}

// recordAttempt counts a transient poll failure against the retry budget and
// fails the record once the budget is spent.
func (s *Service) recordAttempt(ctx context.Context, record *models.Record, cause error) (bool, error) {
	if !dErrors.HasCode(cause, dErrors.CodeLedgerUnavailable) && !errorsIsTransient(cause) {
		if dErrors.HasCode(cause, dErrors.CodeRejected) {
			return s.failRecord(ctx, record, dErrors.MessageOf(cause)), nil
		}
		return false, cause
	}

	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, record.ID,
		nil,
		func(r *models.Record) {
			r.RetryCount++
			r.UpdatedAt = now
		},
	)
	if err != nil {
		return false, err
	}
	if updated.RetryCount >= s.cfg.MaxRetries {
		return s.failRecord(ctx, updated, "poll retry budget exhausted"), nil
	}
	return false, nil
}

func (s *Service) failRecord(ctx context.Context, record *models.Record, reason string) bool {
	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, record.ID,
		func(r *models.Record) error { return r.CanFail() },
		func(r *models.Record) { r.ApplyFailed(now) },
	)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidState) {
			return false
		}
		s.logger.WarnContext(ctx, "failed to mark record failed",
			"record_id", record.ID,
			"error", err,
		)
		return false
	}
	s.metrics.IncrementSyncTransition(string(models.StatusFailed))
	s.auditor.Emit(ctx, audit.Event{
		RecordID:       updated.ID,
		Action:         audit.ActionRecordFailed,
		Network:        string(updated.Network),
		TransactionRef: updated.TransactionRef,
		Detail:         reason,
		Timestamp:      now,
	})
	return true
}

func errorsIsTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
