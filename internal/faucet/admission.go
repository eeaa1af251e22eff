package faucet

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// RequestDispense admits a dispense of the configured grant amount. This is
// the entrypoint the chat front-end calls once per address it saw.
func (f *Faucet) RequestDispense(ctx context.Context, identity, destination, channelID, messageID string) (Request, error) {
	return f.Admit(ctx, identity, destination, f.cfg.GrantAmount, channelID, messageID)
}

// Admit validates the request, reserves rate-limit quota and enqueues it for
// the dispatch worker. The decision is synchronous; the final outcome arrives
// later on Outcomes. On any denial the returned error says whether retrying
// later can help (RateLimitedError, ErrQueueFull, StorageError, ErrPaused)
// or not (ErrInvalidAddress, ErrInvalidAmount).
func (f *Faucet) Admit(ctx context.Context, identity, destination string, amount uint64, channelID, messageID string) (Request, error) {
	if paused, reason := f.Paused(); paused {
		return Request{}, fmt.Errorf("%w: %s", ErrPaused, reason)
	}
	if amount != f.cfg.GrantAmount {
		return Request{}, ErrInvalidAmount
	}
	if !f.addrs.Valid(destination) {
		return Request{}, ErrInvalidAddress
	}
	// Cheap pre-check; the authoritative one is the non-blocking send below.
	if len(f.requests) >= cap(f.requests) {
		return Request{}, ErrQueueFull
	}

	req := Request{
		Ref:         uuid.New(),
		Identity:    identity,
		Destination: destination,
		Amount:      amount,
		ChannelID:   channelID,
		MessageID:   messageID,
		CreatedAt:   f.now(),
	}

	// The cap check, the reservation and the queued log row are one storage
	// transaction, so a second concurrent admission for the same identity
	// sees the reservation and cannot double-grant.
	next, err := f.store.CheckAndReserve(ctx, req, req.CreatedAt, f.cfg.Window, f.cfg.WindowCap)
	if err != nil {
		if errors.Is(err, ErrCapExceeded) {
			return Request{}, &RateLimitedError{RetryAfter: next}
		}
		return Request{}, &StorageError{Err: err}
	}

	select {
	case f.requests <- req:
		return req, nil
	default:
		// Lost a capacity race since the pre-check; undo the reservation so
		// the denial does not consume quota.
		if rbErr := f.store.RollbackReservation(ctx, req.Ref, "queue full", f.now()); rbErr != nil {
			log.Printf("faucet: failed to roll back reservation %s after queue-full race: %v", req.Ref, rbErr)
		}
		return Request{}, ErrQueueFull
	}
}
