package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"attestor/internal/anchor/models"
	"attestor/pkg/platform/sentinel"
)

// MemoryAdapter is an in-process ledger used in development and tests. A
// transaction confirms after ConfirmAfterPolls status checks, so lifecycle
// paths are exercisable without a real chain.
type MemoryAdapter struct {
	mu   sync.Mutex
	meta models.NetworkMetadata
	txs  map[string]*memoryTx
	seq  int

	// ConfirmAfterPolls is the number of PollStatus calls before a
	// transaction reports confirmed. Zero confirms on the first poll.
	ConfirmAfterPolls int
	// FailSubmit makes every Submit return err when set.
	FailSubmit error
	// FailPoll makes every PollStatus return err when set.
	FailPoll error
	// RejectRef marks one transaction as permanently rejected.
	RejectRef string
	// TamperRef makes ReadAnchoredHash return a different hash for one
	// transaction, simulating on-chain content that no longer matches.
	TamperRef string
}

type memoryTx struct {
	hash        string
	polls       int
	blockNumber int64
	confirmedAt time.Time
}

func NewMemoryAdapter(network models.Network) *MemoryAdapter {
	return &MemoryAdapter{
		meta: models.NetworkMetadata{
			Network:         network,
			ChainIdentifier: "memory",
			Description:     "In-process ledger for development and tests",
		},
		txs: make(map[string]*memoryTx),
	}
}

func (a *MemoryAdapter) Submit(ctx context.Context, documentHash string, _ SubmitContext) (string, error) {
	if err := a.FailSubmit; err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	ref := fmt.Sprintf("%s-tx-%04d", a.meta.Network, a.seq)
	a.txs[ref] = &memoryTx{hash: documentHash}
	return ref, nil
}

func (a *MemoryAdapter) PollStatus(ctx context.Context, transactionRef string) (PollResult, error) {
	if err := a.FailPoll; err != nil {
		return PollResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, ok := a.txs[transactionRef]
	if !ok {
		return PollResult{}, sentinel.ErrNotFound
	}
	if transactionRef == a.RejectRef {
		return PollResult{State: PollFailed, Reason: "transaction rejected by ledger"}, nil
	}

	tx.polls++
	if tx.polls <= a.ConfirmAfterPolls {
		return PollResult{State: PollPending}, nil
	}
	if tx.confirmedAt.IsZero() {
		tx.confirmedAt = time.Now().UTC()
		tx.blockNumber = int64(1000 + a.seq)
	}
	return PollResult{
		State:          PollConfirmed,
		BlockNumber:    tx.blockNumber,
		BlockTimestamp: tx.confirmedAt,
	}, nil
}

func (a *MemoryAdapter) ReadAnchoredHash(ctx context.Context, transactionRef string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, ok := a.txs[transactionRef]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	if transactionRef == a.TamperRef {
		return tx.hash + "-tampered", nil
	}
	return tx.hash, nil
}

func (a *MemoryAdapter) NetworkMetadata() models.NetworkMetadata {
	return a.meta
}
