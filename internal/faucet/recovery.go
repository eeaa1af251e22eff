package faucet

import (
	"context"
	"fmt"
	"log"
)

// Recover resolves requests the previous process left in flight. Call it
// before Run: queued rows are put back on the queue, and rows that were mid-
// submission are reconciled against the node's actual transaction state —
// never re-submitted (double spend) and never dropped (the reservation would
// leak). Outcomes for resolved rows are emitted normally so replies still
// reach the originating chat channel.
func (f *Faucet) Recover(ctx context.Context) error {
	open, err := f.store.OpenRequests(ctx)
	if err != nil {
		return fmt.Errorf("load open requests: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	log.Printf("faucet: recovering %d in-flight request(s)", len(open))

	for _, o := range open {
		switch {
		case o.State == StateQueued:
			select {
			case f.requests <- o.Request:
			default:
				// The rebuilt queue is already full; deny rather than wait
				// forever, and give the quota back since nothing was sent.
				f.failRolledBack(ctx, o.Request, "dropped during recovery: queue full")
			}
		case o.State == StateSubmitting && o.TxRef == "":
			// Crashed between starting the broadcast call and recording a tx
			// ref: there is no handle to query, so the outcome is unknowable.
			// Keep the quota consumed rather than risk a double grant.
			f.closeConsumed(ctx, o.Request, StateFailed, "",
				"restarted while submitting, broadcast outcome unknown")
		case o.State == StateSubmitting:
			// The broadcast went out; ask the node what actually happened.
			f.awaitConfirmation(ctx, o.Request, o.TxRef)
		default:
			log.Printf("faucet: ignoring open request %s in unexpected state %q", o.Request.Ref, o.State)
		}
	}
	return nil
}
