package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"attestor/internal/anchor/ledger"
	"attestor/internal/anchor/models"
	"attestor/pkg/platform/sentinel"
)

type MemoryAdapterSuite struct {
	suite.Suite
	ctx     context.Context
	adapter *ledger.MemoryAdapter
}

func TestMemoryAdapterSuite(t *testing.T) {
	suite.Run(t, new(MemoryAdapterSuite))
}

func (s *MemoryAdapterSuite) SetupTest() {
	s.ctx = context.Background()
	s.adapter = ledger.NewMemoryAdapter(models.NetworkEthereum)
}

func (s *MemoryAdapterSuite) TestSubmitAndConfirm() {
	s.adapter.ConfirmAfterPolls = 2

	ref, err := s.adapter.Submit(s.ctx, "sha256:abc", ledger.SubmitContext{RecordID: "r1"})
	s.Require().NoError(err)
	s.NotEmpty(ref)

	for i := 0; i < 2; i++ {
		result, err := s.adapter.PollStatus(s.ctx, ref)
		s.Require().NoError(err)
		s.Equal(ledger.PollPending, result.State)
	}

	result, err := s.adapter.PollStatus(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal(ledger.PollConfirmed, result.State)
	s.Positive(result.BlockNumber)
	s.False(result.BlockTimestamp.IsZero())

	// Confirmation facts are stable across repeated polls.
	again, err := s.adapter.PollStatus(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal(result.BlockNumber, again.BlockNumber)
	s.Equal(result.BlockTimestamp, again.BlockTimestamp)
}

func (s *MemoryAdapterSuite) TestReadAnchoredHash() {
	ref, err := s.adapter.Submit(s.ctx, "sha256:abc", ledger.SubmitContext{})
	s.Require().NoError(err)

	anchored, err := s.adapter.ReadAnchoredHash(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal("sha256:abc", anchored)

	_, err = s.adapter.ReadAnchoredHash(s.ctx, "unknown-tx")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryAdapterSuite) TestTamperedHash() {
	ref, err := s.adapter.Submit(s.ctx, "sha256:abc", ledger.SubmitContext{})
	s.Require().NoError(err)
	s.adapter.TamperRef = ref

	anchored, err := s.adapter.ReadAnchoredHash(s.ctx, ref)
	s.Require().NoError(err)
	s.NotEqual("sha256:abc", anchored)
}

func (s *MemoryAdapterSuite) TestRejectedTransaction() {
	ref, err := s.adapter.Submit(s.ctx, "sha256:abc", ledger.SubmitContext{})
	s.Require().NoError(err)
	s.adapter.RejectRef = ref

	result, err := s.adapter.PollStatus(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal(ledger.PollFailed, result.State)
	s.NotEmpty(result.Reason)
}

func (s *MemoryAdapterSuite) TestRegistry() {
	registry := ledger.NewRegistry()
	registry.Register(models.NetworkEthereum, s.adapter)

	_, ok := registry.Adapter(models.NetworkEthereum)
	s.True(ok)
	_, ok = registry.Adapter(models.NetworkPolygon)
	s.False(ok)

	networks := registry.Networks()
	s.Require().Len(networks, 1)
	s.Equal(models.NetworkEthereum, networks[0].Network)
}
