package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"attestor/internal/anchor/ledger"
	dErrors "attestor/pkg/domain-errors"
)

type RetrySuite struct {
	suite.Suite
	policy ledger.RetryPolicy
}

func TestRetrySuite(t *testing.T) {
	suite.Run(t, new(RetrySuite))
}

func (s *RetrySuite) SetupTest() {
	s.policy = ledger.RetryPolicy{
		CallTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}
}

func (s *RetrySuite) TestSucceedsAfterTransientFailures() {
	attempts := 0
	err := s.policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return dErrors.New(dErrors.CodeLedgerUnavailable, "relay down")
		}
		return nil
	})
	s.NoError(err)
	s.Equal(3, attempts)
}

func (s *RetrySuite) TestPermanentErrorAbortsImmediately() {
	attempts := 0
	err := s.policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return dErrors.New(dErrors.CodeRejected, "bad payload")
	})
	s.True(dErrors.HasCode(err, dErrors.CodeRejected))
	s.Equal(1, attempts)
}

func (s *RetrySuite) TestBudgetExhaustionSurfacesLastError() {
	attempts := 0
	err := s.policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return dErrors.New(dErrors.CodeLedgerUnavailable, "still down")
	})
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerUnavailable))
	s.Equal(3, attempts)
}

func (s *RetrySuite) TestCancellationWinsOverBackoff() {
	s.policy.BackoffBase = time.Minute
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- s.policy.Do(ctx, func(context.Context) error {
			attempts++
			return dErrors.New(dErrors.CodeLedgerUnavailable, "down")
		})
	}()
	cancel()

	select {
	case err := <-done:
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerUnavailable))
		s.Equal(1, attempts)
	case <-time.After(5 * time.Second):
		s.Fail("Do did not return after cancellation")
	}
}
