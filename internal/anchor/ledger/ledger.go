// Package ledger isolates network-specific anchoring protocols behind one
// capability interface. New networks are added by implementing Adapter, not
// by branching on network names elsewhere.
package ledger

import (
	"context"
	"time"

	"attestor/internal/anchor/models"
)

// PollState is the ledger-reported disposition of a submitted transaction.
type PollState string

const (
	PollPending   PollState = "pending"
	PollConfirmed PollState = "confirmed"
	PollFailed    PollState = "failed"
)

// SubmitContext carries the record identity alongside the hash so ledgers
// that store context (permissioned chains) can persist it.
type SubmitContext struct {
	RecordID  string
	Framework string
	Owner     string
}

// PollResult reports confirmation progress. BlockNumber and BlockTimestamp
// are only meaningful when State is PollConfirmed; Reason explains a
// PollFailed outcome.
type PollResult struct {
	State          PollState
	BlockNumber    int64
	BlockTimestamp time.Time
	Reason         string
}

// Adapter is the uniform capability contract implemented once per network.
//
// Submit dispatches an anchor transaction and returns the ledger-assigned
// transaction reference. It may fail transiently (CodeLedgerUnavailable,
// retryable) or permanently (CodeRejected, not retryable). At-most-once per
// (documentHash, network) is enforced by the record store, not here.
//
// PollStatus is idempotent and never mutates ledger state.
//
// ReadAnchoredHash returns the hash stored on chain for the transaction, or
// sentinel.ErrNotFound when the ledger has no such transaction.
type Adapter interface {
	Submit(ctx context.Context, documentHash string, sub SubmitContext) (string, error)
	PollStatus(ctx context.Context, transactionRef string) (PollResult, error)
	ReadAnchoredHash(ctx context.Context, transactionRef string) (string, error)
	NetworkMetadata() models.NetworkMetadata
}

// Registry resolves a network to its adapter. Nil-safe lookups keep callers
// from panicking on unconfigured networks.
type Registry struct {
	adapters map[models.Network]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Network]Adapter)}
}

// Register installs an adapter for its network, replacing any previous one.
func (r *Registry) Register(network models.Network, adapter Adapter) {
	r.adapters[network] = adapter
}

// Adapter returns the adapter for the network, or false if none configured.
func (r *Registry) Adapter(network models.Network) (Adapter, bool) {
	a, ok := r.adapters[network]
	return a, ok
}

// Networks lists configured networks in stable presentation order.
func (r *Registry) Networks() []models.NetworkMetadata {
	out := make([]models.NetworkMetadata, 0, len(r.adapters))
	for _, n := range models.AllNetworks() {
		if a, ok := r.adapters[n]; ok {
			out = append(out, a.NetworkMetadata())
		}
	}
	return out
}
