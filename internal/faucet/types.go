package faucet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/faucetbot/internal/ledger"
)

// Request is one admitted dispense request. Immutable after creation; its
// outcome is attached via the dispatch log and the outcome stream.
type Request struct {
	Ref         uuid.UUID
	Identity    string
	Destination string
	Amount      uint64

	// Reply routing for the chat front-end; persisted so outcomes of
	// requests recovered after a restart can still be delivered.
	ChannelID string
	MessageID string

	CreatedAt time.Time
}

// Status is the terminal disposition of a request.
type Status string

const (
	StatusGranted Status = "granted"
	StatusFailed  Status = "failed"
	// StatusUnresolved means the transaction was broadcast but never reached
	// a final state within the confirmation wait. Quota stays consumed and
	// an operator has to look at it; we never re-submit.
	StatusUnresolved Status = "unresolved"
)

// Outcome is produced exactly once per admitted request.
type Outcome struct {
	Request Request
	Status  Status
	TxRef   string
	Detail  string
}

// Dispatch log states. queued and submitting are in-flight; the rest are
// terminal.
const (
	StateQueued     = "queued"
	StateSubmitting = "submitting"
	StateGranted    = "granted"
	StateFailed     = "failed"
	StateUnresolved = "unresolved"
)

// OpenRequest is an in-flight dispatch log row found at startup.
type OpenRequest struct {
	Request Request
	State   string
	TxRef   string
}

// Admission denial errors returned synchronously to the chat front-end.
var (
	ErrInvalidAddress = errors.New("destination is not a valid address")
	ErrInvalidAmount  = errors.New("amount is not the configured grant amount")
	ErrQueueFull      = errors.New("dispatch queue is full, try again shortly")
	ErrPaused         = errors.New("faucet is paused")
)

// RateLimitedError carries the earliest time the identity becomes eligible
// again.
type RateLimitedError struct {
	RetryAfter time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

// StorageError wraps a rate-limit ledger failure. Admission fails closed on
// it: no grant without provable bookkeeping, but the caller may retry.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("rate limit storage: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the durable bookkeeping the core runs on. Implementations must
// make CheckAndReserve atomic with respect to concurrent admissions for the
// same identity: the cap check, the reservation and the queued log row are
// one transaction.
type Store interface {
	CheckAndReserve(ctx context.Context, req Request, now time.Time, window time.Duration, limit uint64) (time.Time, error)
	MarkSubmitting(ctx context.Context, ref uuid.UUID) error
	SetTxRef(ctx context.Context, ref uuid.UUID, txRef string) error
	CommitGrant(ctx context.Context, ref uuid.UUID, txRef string, now time.Time) error
	CloseConsumed(ctx context.Context, ref uuid.UUID, state string, txRef, detail string, now time.Time) error
	RollbackReservation(ctx context.Context, ref uuid.UUID, detail string, now time.Time) error
	OpenRequests(ctx context.Context) ([]OpenRequest, error)
}

// ErrCapExceeded is returned by Store.CheckAndReserve together with the
// next-eligible time when the window cap would be violated.
var ErrCapExceeded = errors.New("window cap exceeded")

// LedgerClient is the boundary to the wallet daemon. Possibly slow, possibly
// failing; errors are ledger.Error values carrying a retryability class.
type LedgerClient interface {
	Submit(ctx context.Context, destination string, amount uint64) (string, error)
	QueryStatus(ctx context.Context, txRef string) (ledger.TxStatus, string, error)
}
