// Package audit emits anchor lifecycle events for downstream compliance
// consumers. Publishing is fail-open: an unreachable broker never blocks an
// anchoring operation, it only logs.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action labels what happened to a record.
type Action string

const (
	ActionRecordCreated   Action = "record_created"
	ActionRecordSubmitted Action = "record_submitted"
	ActionRecordConfirmed Action = "record_confirmed"
	ActionRecordFailed    Action = "record_failed"
	ActionRecordVerified  Action = "record_verified"
	ActionRecordInvalid   Action = "record_invalid"
	ActionRecordArchived  Action = "record_archived"
)

// Event is one entry in the anchor audit trail.
type Event struct {
	RecordID       uuid.UUID `json:"recordId"`
	Action         Action    `json:"action"`
	Network        string    `json:"network,omitempty"`
	TransactionRef string    `json:"transactionRef,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher delivers events to the audit sink.
type Publisher interface {
	Emit(ctx context.Context, event Event)
	Close()
}

// NopPublisher drops all events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Emit(context.Context, Event) {}
func (NopPublisher) Close()                      {}

// MemoryPublisher collects events for tests. Emit is called from concurrent
// goroutines, same as any other Publisher.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Emit(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *MemoryPublisher) Close() {}

// Events returns everything emitted so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}
