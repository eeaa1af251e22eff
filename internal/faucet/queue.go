package faucet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lumenlabs/faucetbot/internal/ledger"
)

// Run drains the dispatch queue until the context ends. It must be the only
// goroutine calling dispatch: one request in flight at a time is what keeps
// the shared wallet from double-allocating funds.
func (f *Faucet) Run(ctx context.Context) error {
	for {
		if err := f.pauseGate(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-f.requests:
			f.dispatch(ctx, req)
		}
	}
}

// dispatch moves one request from queued to a terminal state and emits its
// outcome.
func (f *Faucet) dispatch(ctx context.Context, req Request) {
	if err := f.store.MarkSubmitting(ctx, req.Ref); err != nil {
		// Without a durable submitting mark a crash here could replay the
		// broadcast. Fail the request instead of risking it.
		log.Printf("faucet: failed to mark %s submitting: %v", req.Ref, err)
		f.failRolledBack(ctx, req, "bookkeeping unavailable, no funds were sent")
		return
	}

	txRef, ambiguous, err := f.submitWithRetry(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-submission: leave the row in submitting for
			// crash recovery to resolve on the next start.
			log.Printf("faucet: shutdown interrupted submission of %s", req.Ref)
			return
		}
		f.closeSubmitFailure(ctx, req, ambiguous, err)
		return
	}

	if err := f.store.SetTxRef(ctx, req.Ref, txRef); err != nil {
		// The transaction is out; quota stays consumed regardless.
		log.Printf("faucet: failed to record tx ref %s for %s: %v", txRef, req.Ref, err)
	}

	f.awaitConfirmation(ctx, req, txRef)
}

// submitWithRetry broadcasts with exponential backoff on transient failures.
// ambiguous reports whether any failed attempt may have actually reached the
// node (a timeout), in which case the caller must not return quota.
func (f *Faucet) submitWithRetry(ctx context.Context, req Request) (txRef string, ambiguous bool, err error) {
	backoff := f.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, f.cfg.SubmitTimeout)
		txRef, err = f.ledger.Submit(sctx, req.Destination, req.Amount)
		cancel()
		if err == nil {
			return txRef, ambiguous, nil
		}

		var lerr *ledger.Error
		if errors.As(err, &lerr) && lerr.Ambiguous {
			ambiguous = true
		}
		if !isTransient(err) || attempt >= f.cfg.RetryCeiling {
			return "", ambiguous, err
		}

		log.Printf("faucet: submit attempt %d/%d for %s failed (%v), retrying in %s",
			attempt, f.cfg.RetryCeiling, req.Ref, err, backoff)
		if serr := sleepCtx(ctx, backoff); serr != nil {
			return "", ambiguous, err
		}
		backoff = time.Duration(float64(backoff) * f.cfg.BackoffMultiplier)
	}
}

// closeSubmitFailure closes a request whose broadcast never succeeded.
func (f *Faucet) closeSubmitFailure(ctx context.Context, req Request, ambiguous bool, err error) {
	var lerr *ledger.Error
	if errors.As(err, &lerr) && lerr.Kind == ledger.KindInsufficientBalance {
		// Fatal for the whole queue: every later request would fail the same
		// way. Stop intake until an operator refills the wallet and resumes.
		// The quota stays consumed (fail closed).
		f.Pause(fmt.Sprintf("faucet wallet cannot fund grants: %s", lerr.Reason))
		f.alert(fmt.Sprintf("intake paused, wallet needs refilling: %s", lerr.Reason))
		f.closeConsumed(ctx, req, StateFailed, "", lerr.Reason)
		return
	}

	if ambiguous {
		// Some attempt timed out: the node may have the transaction. Keep
		// the quota consumed rather than risk a double grant.
		f.closeConsumed(ctx, req, StateFailed, "", fmt.Sprintf("submission outcome unknown: %v", err))
		return
	}

	// The broadcast provably never happened; give the quota back so a failed
	// attempt does not burn the user's allowance.
	detail := fmt.Sprintf("submission failed: %v", err)
	f.failRolledBack(ctx, req, detail)
}

// awaitConfirmation polls the node until the transaction reaches a final
// state or the confirmation wait elapses.
func (f *Faucet) awaitConfirmation(ctx context.Context, req Request, txRef string) {
	deadline := f.now().Add(f.cfg.ConfirmWait)
	for {
		sctx, cancel := context.WithTimeout(ctx, f.cfg.SubmitTimeout)
		status, reason, err := f.ledger.QueryStatus(sctx, txRef)
		cancel()

		switch {
		case err == nil && status == ledger.TxConfirmed:
			if cerr := f.store.CommitGrant(ctx, req.Ref, txRef, f.now()); cerr != nil {
				log.Printf("faucet: failed to commit grant for %s: %v", req.Ref, cerr)
			}
			f.emit(ctx, Outcome{Request: req, Status: StatusGranted, TxRef: txRef})
			return
		case err == nil && status == ledger.TxFailed:
			// Broadcast accepted but rejected later; funds may have partially
			// moved, so the quota stays consumed.
			f.closeConsumed(ctx, req, StateFailed, txRef, fmt.Sprintf("transaction rejected by the ledger: %s", reason))
			return
		case err != nil:
			if ctx.Err() != nil {
				// Shutting down; the row stays submitting with its tx ref and
				// recovery resolves it against the node on the next start.
				return
			}
			log.Printf("faucet: status query for %s failed: %v", txRef, err)
		}

		if !f.now().Add(f.cfg.ConfirmPollInterval).Before(deadline) {
			// Never seen confirm or reject. Surface it to an operator rather
			// than guessing; re-submitting could double-grant.
			f.closeConsumed(ctx, req, StateUnresolved, txRef,
				"transaction still pending after confirmation wait")
			f.alert(fmt.Sprintf("request %s (tx %s) unresolved: still pending after %s", req.Ref, txRef, f.cfg.ConfirmWait))
			return
		}
		if serr := sleepCtx(ctx, f.cfg.ConfirmPollInterval); serr != nil {
			return
		}
	}
}

// closeConsumed closes a request whose reservation must stay counted against
// the window (the transaction was, or may have been, broadcast).
func (f *Faucet) closeConsumed(ctx context.Context, req Request, state, txRef, detail string) {
	if err := f.store.CloseConsumed(ctx, req.Ref, state, txRef, detail, f.now()); err != nil {
		log.Printf("faucet: failed to close %s as %s: %v", req.Ref, state, err)
	}
	status := StatusFailed
	if state == StateUnresolved {
		status = StatusUnresolved
	}
	f.emit(ctx, Outcome{Request: req, Status: status, TxRef: txRef, Detail: detail})
}

// failRolledBack closes a request whose broadcast provably never happened,
// returning its reserved quota.
func (f *Faucet) failRolledBack(ctx context.Context, req Request, detail string) {
	if err := f.store.RollbackReservation(ctx, req.Ref, detail, f.now()); err != nil {
		log.Printf("faucet: failed to roll back reservation %s: %v", req.Ref, err)
	}
	f.emit(ctx, Outcome{Request: req, Status: StatusFailed, Detail: detail})
}

func isTransient(err error) bool {
	var lerr *ledger.Error
	return errors.As(err, &lerr) && lerr.Kind == ledger.KindTransient
}
